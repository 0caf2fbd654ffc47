// Package state implements the Tetris rules: pieces and their rotations, the board, collision
// detection, line clearing, scoring and game over detection.
//
// A Game is a deterministic state machine given its random seed, and it knows nothing about learning.
package state

import (
	"fmt"
	"math/rand/v2"

	"k8s.io/klog/v2"
)

// TopOutPenalty is subtracted from the reward (not from the score) of the placement that ends the game.
const TopOutPenalty = 2

// Placement is a move: the rotation index of the current piece and the column of its left edge.
type Placement struct {
	Column, Rotation int
}

// String implements fmt.Stringer.
func (p Placement) String() string {
	return fmt.Sprintf("(col=%d, rot=%d)", p.Column, p.Rotation)
}

// Landing is a legal placement and the resulting board after the piece is locked and full lines cleared.
type Landing struct {
	Placement
	Board        *Board
	LinesCleared int
}

// StepStatus is the outcome of committing a placement.
type StepStatus uint8

const (
	// StepContinue means the game goes on.
	StepContinue StepStatus = iota

	// StepTerminal means the game ended normally: top-out or score limit reached.
	StepTerminal

	// StepAborted means an internal invariant was violated (a piece landing out of bounds, or gravity not
	// converging). The episode must be ended, but it is not a fatal error.
	StepAborted
)

var stepStatusNames = []string{"Continue", "Terminal", "Aborted"}

// String implements fmt.Stringer.
func (s StepStatus) String() string {
	if int(s) >= len(stepStatusNames) {
		return fmt.Sprintf("StepStatus(%d)", s)
	}
	return stepStatusNames[s]
}

// StepOutcome is returned by Game.Commit.
type StepOutcome struct {
	Status StepStatus

	// LinesCleared by the placement.
	LinesCleared int

	// ScoreDelta is exactly 1 + LinesCleared^2 * Width.
	ScoreDelta int

	// Reward used for learning: ScoreDelta, minus TopOutPenalty if the game topped out.
	Reward float32

	// TopOut is set if the next piece has no legal placement, and ScoreLimitReached if the game
	// was ended by the score ceiling.
	TopOut, ScoreLimitReached bool
}

// Terminal returns whether the game is over after this step.
func (o StepOutcome) Terminal() bool { return o.Status != StepContinue }

// Options to create a new Game.
type Options struct {
	Width, Height int

	// ScoreLimit, if > 0, ends the game once the score reaches it.
	ScoreLimit int

	// Seed for the piece generator.
	Seed uint64
}

// DefaultOptions returns the reference 20x10 configuration, no score limit and seed 0.
func DefaultOptions() Options {
	return Options{Width: DefaultWidth, Height: DefaultHeight}
}

// Game holds the full state of one Tetris game.
type Game struct {
	Board         *Board
	Current, Next PieceKind

	Score, Steps, Lines int
	GameOver            bool
	ScoreLimit          int

	rng *rand.Rand
	bag []PieceKind
}

// NewGame creates a game and resets it.
func NewGame(opts Options) *Game {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}
	g := &Game{
		Board:      NewBoard(opts.Width, opts.Height),
		ScoreLimit: opts.ScoreLimit,
		rng:        rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
	g.Reset()
	return g
}

// Reset starts a new game: empty board, zero score and steps, and fresh current and next pieces.
func (g *Game) Reset() {
	g.Board = NewBoard(g.Board.Width, g.Board.Height)
	g.Score, g.Steps, g.Lines = 0, 0, 0
	g.GameOver = false
	g.bag = g.bag[:0]
	g.Current = g.drawPiece()
	g.Next = g.drawPiece()
}

// drawPiece takes the next piece from a shuffled bag of the 7 kinds, refilled when empty.
func (g *Game) drawPiece() PieceKind {
	if len(g.bag) == 0 {
		for kind := range NumPieceKinds {
			g.bag = append(g.bag, kind)
		}
		g.rng.Shuffle(len(g.bag), func(i, j int) { g.bag[i], g.bag[j] = g.bag[j], g.bag[i] })
	}
	kind := g.bag[len(g.bag)-1]
	g.bag = g.bag[:len(g.bag)-1]
	return kind
}

// maxDropIterations bounds gravity simulation.
func (g *Game) maxDropIterations() int {
	return 2 * g.Board.Height
}

// LegalPlacements enumerates every legal placement of the given piece kind on the current board, in
// rotation-major, column-ascending order. Each is returned with its resulting board.
//
// It returns an empty slice if the piece can't be placed anywhere.
func (g *Game) LegalPlacements(kind PieceKind) []Landing {
	var landings []Landing
	for rotation, shape := range Pieces[kind].Rotations {
		for column := 0; column <= g.Board.Width-shape.Width; column++ {
			y, ok, aborted := g.Board.Drop(shape, column, g.maxDropIterations())
			if aborted {
				klog.Warningf("gravity did not converge for piece %s at %s, skipping placement",
					kind, Placement{column, rotation})
				continue
			}
			if !ok {
				continue
			}
			board := g.Board.Clone()
			if !board.Lock(shape, column, y, BlockOf(kind)) {
				continue
			}
			lines := board.ClearLines()
			landings = append(landings, Landing{
				Placement:    Placement{Column: column, Rotation: rotation},
				Board:        board,
				LinesCleared: lines,
			})
		}
	}
	return landings
}

// HasLegalPlacement returns whether the piece kind can be placed anywhere on the current board.
func (g *Game) HasLegalPlacement(kind PieceKind) bool {
	for _, shape := range Pieces[kind].Rotations {
		for column := 0; column <= g.Board.Width-shape.Width; column++ {
			if !g.Board.Collides(shape, column, 0) {
				return true
			}
		}
	}
	return false
}

// ScoreDelta for clearing the given number of lines on a board of the given width.
func ScoreDelta(linesCleared, width int) int {
	return 1 + linesCleared*linesCleared*width
}

// abort ends the game due to an invariant violation.
func (g *Game) abort(format string, args ...any) StepOutcome {
	klog.Warningf("aborting game after %d steps: "+format, append([]any{g.Steps}, args...)...)
	g.GameOver = true
	return StepOutcome{Status: StepAborted}
}

// Commit locks the current piece at the given placement, clears full lines, updates the score and
// advances to the next piece.
//
// The game ends (StepTerminal) if the new current piece has no legal placement (top-out), or if the score
// reached ScoreLimit. Invalid placements or internal inconsistencies yield StepAborted, and also end the game.
func (g *Game) Commit(p Placement) StepOutcome {
	if g.GameOver {
		return g.abort("commit %s called on a finished game", p)
	}
	piece := Pieces[g.Current]
	if p.Rotation < 0 || p.Rotation >= len(piece.Rotations) {
		return g.abort("invalid rotation %d for piece %s", p.Rotation, g.Current)
	}
	shape := piece.Rotations[p.Rotation]
	if p.Column < 0 || p.Column > g.Board.Width-shape.Width {
		return g.abort("column %d out of bounds for piece %s rotation %d", p.Column, g.Current, p.Rotation)
	}
	y, ok, aborted := g.Board.Drop(shape, p.Column, g.maxDropIterations())
	if aborted {
		return g.abort("gravity did not converge for piece %s at %s", g.Current, p)
	}
	if !ok {
		return g.abort("piece %s doesn't fit at %s", g.Current, p)
	}
	if !g.Board.Lock(shape, p.Column, y, BlockOf(g.Current)) {
		return g.abort("piece %s landed out of bounds at %s, row %d", g.Current, p, y)
	}

	lines := g.Board.ClearLines()
	delta := ScoreDelta(lines, g.Board.Width)
	g.Score += delta
	g.Lines += lines
	g.Steps++
	outcome := StepOutcome{
		Status:       StepContinue,
		LinesCleared: lines,
		ScoreDelta:   delta,
		Reward:       float32(delta),
	}

	g.Current = g.Next
	g.Next = g.drawPiece()
	if !g.HasLegalPlacement(g.Current) {
		outcome.TopOut = true
		outcome.Reward -= TopOutPenalty
	}
	if g.ScoreLimit > 0 && g.Score >= g.ScoreLimit {
		outcome.ScoreLimitReached = true
	}
	if outcome.TopOut || outcome.ScoreLimitReached {
		outcome.Status = StepTerminal
		g.GameOver = true
	}
	return outcome
}

// ScoreLimitReached returns whether the optional score ceiling has been reached.
func (g *Game) ScoreLimitReached() bool {
	return g.ScoreLimit > 0 && g.Score >= g.ScoreLimit
}

// Snapshot is an immutable copy of the game state, safe to hand to other goroutines.
type Snapshot struct {
	Board               [][]Block
	Width, Height       int
	Current, Next       PieceKind
	Score, Steps, Lines int
	GameOver            bool
}

// Snapshot returns a copy of the current game state.
func (g *Game) Snapshot() Snapshot {
	return Snapshot{
		Board:    g.Board.Rows(),
		Width:    g.Board.Width,
		Height:   g.Board.Height,
		Current:  g.Current,
		Next:     g.Next,
		Score:    g.Score,
		Steps:    g.Steps,
		Lines:    g.Lines,
		GameOver: g.GameOver,
	}
}
