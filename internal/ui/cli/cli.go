// Package cli implements the terminal UI: the training status line and the replay of a model's games.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/tetrisGo/internal/persistence"
	"github.com/janpfeifer/tetrisGo/internal/state"
	"github.com/janpfeifer/tetrisGo/internal/trainer"
	"github.com/janpfeifer/tetrisGo/internal/viewer"
	"golang.org/x/term"
)

// CharsPerColumn used to draw one block of the board.
const CharsPerColumn = 2

// pieceColors are the ANSI colors of each piece kind.
var pieceColors = [state.NumPieceKinds]lipgloss.Color{
	state.PieceI: lipgloss.Color("14"),
	state.PieceT: lipgloss.Color("13"),
	state.PieceL: lipgloss.Color("208"),
	state.PieceJ: lipgloss.Color("12"),
	state.PieceZ: lipgloss.Color("9"),
	state.PieceS: lipgloss.Color("10"),
	state.PieceO: lipgloss.Color("11"),
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	boardStyle = lipgloss.NewStyle().Border(lipgloss.NormalBorder())
	panelStyle = lipgloss.NewStyle().PaddingLeft(2)
	gameOver   = lipgloss.NewStyle().
			Background(lipgloss.Color("13")).
			Foreground(lipgloss.Color("0")).
			Padding(0, 1)
)

// UI renders to a terminal.
type UI struct {
	w                  io.Writer
	color, clearScreen bool
}

// New creates a UI writing to the standard output.
func New(color, clearScreen bool) *UI {
	return NewWithWriter(os.Stdout, color, clearScreen)
}

// NewWithWriter creates a UI writing to w.
func NewWithWriter(w io.Writer, color, clearScreen bool) *UI {
	return &UI{w: w, color: color, clearScreen: clearScreen}
}

// terminalWidth returns the width of the terminal, or 0 if the output is not a terminal.
func (ui *UI) terminalWidth() int {
	f, ok := ui.w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

func (ui *UI) printCentered(block string) {
	lines := strings.Split(block, "\n")
	blockWidth := lipgloss.Width(block)
	indent := max(0, (ui.terminalWidth()-blockWidth)/2)
	for _, line := range lines {
		if len(line) == 0 {
			_, _ = fmt.Fprintln(ui.w)
			continue
		}
		_, _ = fmt.Fprintf(ui.w, "%s%s\n", strings.Repeat(" ", indent), line)
	}
}

func centerString(s string, fit int) string {
	if len(s) >= fit {
		return s
	}
	marginLeft := (fit - len(s)) / 2
	marginRight := fit - len(s) - marginLeft
	return strings.Repeat(" ", marginLeft) + s + strings.Repeat(" ", marginRight)
}

// block renders one board position.
func (ui *UI) block(b state.Block) string {
	if !b.Filled() {
		return strings.Repeat(" ", CharsPerColumn)
	}
	if !ui.color {
		return "[]"
	}
	return lipgloss.NewStyle().Background(pieceColors[b.Kind()]).Render(strings.Repeat(" ", CharsPerColumn))
}

// RenderBoard renders the board rows, framed.
func (ui *UI) RenderBoard(board [][]state.Block) string {
	var sb strings.Builder
	for y, row := range board {
		if y > 0 {
			sb.WriteByte('\n')
		}
		for _, b := range row {
			sb.WriteString(ui.block(b))
		}
	}
	return boardStyle.Render(sb.String())
}

// RenderPiece renders the spawn rotation of a piece, as a preview.
func (ui *UI) RenderPiece(kind state.PieceKind) string {
	shape := kind.Shape(0)
	rows := make([][]state.Block, shape.Height)
	for y := range rows {
		rows[y] = make([]state.Block, shape.Width)
	}
	for _, cell := range shape.Cells {
		rows[cell.Y][cell.X] = state.BlockOf(kind)
	}
	lines := make([]string, len(rows))
	for y, row := range rows {
		var sb strings.Builder
		for _, b := range row {
			sb.WriteString(ui.block(b))
		}
		lines[y] = sb.String()
	}
	return strings.Join(lines, "\n")
}

// RenderFrame renders a replayed frame: the board on the left, the statistics on the right.
func (ui *UI) RenderFrame(f viewer.Frame) string {
	stats := []string{
		titleStyle.Render(f.Label),
		fmt.Sprintf("Game:  %d", f.Game),
		fmt.Sprintf("Score: %d", f.Score),
		fmt.Sprintf("Best:  %d", f.BestScore),
		fmt.Sprintf("Lines: %d", f.Lines),
		fmt.Sprintf("Steps: %d", f.Steps),
		fmt.Sprintf("Speed: %.1f pieces/s", f.PiecesPerSecond),
		"",
		"Next:",
		ui.RenderPiece(f.Next),
	}
	if f.GameOver {
		stats = append(stats, "", ui.styled(gameOver, "GAME OVER"))
	}
	panel := panelStyle.Render(strings.Join(stats, "\n"))
	return lipgloss.JoinHorizontal(lipgloss.Top, ui.RenderBoard(f.Board), panel)
}

func (ui *UI) styled(style lipgloss.Style, s string) string {
	if !ui.color {
		return "*** " + s + " ***"
	}
	return style.Render(s)
}

// PrintFrame prints the frame, centered in the terminal.
func (ui *UI) PrintFrame(f viewer.Frame) {
	if ui.clearScreen {
		_, _ = fmt.Fprint(ui.w, "\033c")
	}
	ui.printCentered(ui.RenderFrame(f))
}

// ProgressLine is a one-line summary of the training progress.
func ProgressLine(p trainer.Progress) string {
	parts := []string{
		fmt.Sprintf("Episode %d/%d", p.Episode, p.TotalEpisodes),
		fmt.Sprintf("avg(%d)=%d", trainer.RollingWindow, p.RollingAverage),
		fmt.Sprintf("max=%d", p.RollingMax),
		fmt.Sprintf("best=%d", p.BestScore),
		fmt.Sprintf("ε=%.3f", p.Epsilon),
		fmt.Sprintf("#milestones=%d", p.Milestones),
	}
	if p.Loss > 0 {
		parts = append(parts, fmt.Sprintf("~loss=%.4g", p.Loss))
	}
	parts = append(parts, fmt.Sprintf("elapsed=%s", p.Elapsed.Round(time.Second)))
	return strings.Join(parts, ", ")
}

// PrintProgress overwrites the current terminal line with the progress.
func (ui *UI) PrintProgress(p trainer.Progress) {
	_, _ = fmt.Fprintf(ui.w, "\r%s\x1b[0K", ProgressLine(p))
	if p.Done {
		_, _ = fmt.Fprintln(ui.w)
	}
}

// RenderBatches renders a table of the most recent batch windows.
func RenderBatches(batches []persistence.BatchSummary) string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s %6s %6s %8s\n", centerString("Episodes", 13), "Avg", "Max", "Steps")
	for _, b := range batches {
		_, _ = fmt.Fprintf(&sb, "%s %6d %6d %8.1f\n", centerString(b.Range, 13), b.Avg, b.Max, b.Steps)
	}
	return sb.String()
}

// PrintResult prints the summary of a training run.
func (ui *UI) PrintResult(r trainer.Result, batches []persistence.BatchSummary) {
	switch {
	case r.AlreadyComplete:
		_, _ = fmt.Fprintf(ui.w, "Training already complete at episode %d (best score %d).\n", r.LastEpisode, r.BestScore)
		return
	case r.Stopped:
		_, _ = fmt.Fprintf(ui.w, "Training stopped after episode %d", r.LastEpisode)
	default:
		_, _ = fmt.Fprintf(ui.w, "Training finished at episode %d", r.LastEpisode)
	}
	_, _ = fmt.Fprintf(ui.w, " in %s: best score %d.\n", r.Elapsed.Round(time.Second), r.BestScore)
	if len(batches) > 0 {
		_, _ = fmt.Fprintln(ui.w)
		_, _ = fmt.Fprint(ui.w, RenderBatches(batches))
	}
}
