package state_test

import (
	"testing"

	. "github.com/janpfeifer/tetrisGo/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPieces(t *testing.T) {
	wantRotations := map[PieceKind]int{
		PieceI: 2, PieceT: 4, PieceL: 4, PieceJ: 4, PieceZ: 2, PieceS: 2, PieceO: 1,
	}
	for kind := range NumPieceKinds {
		piece := Pieces[kind]
		assert.Equal(t, kind, piece.Kind)
		assert.Lenf(t, piece.Rotations, wantRotations[kind], "piece %s", kind)
		for rotation, shape := range piece.Rotations {
			require.Lenf(t, shape.Cells, 4, "piece %s, rotation %d", kind, rotation)
			minX, minY := 4, 4
			for _, c := range shape.Cells {
				minX, minY = min(minX, c.X), min(minY, c.Y)
				assert.Less(t, c.X, shape.Width)
				assert.Less(t, c.Y, shape.Height)
			}
			assert.Equal(t, 0, minX)
			assert.Equal(t, 0, minY)
		}
	}
	assert.Equal(t, 4, PieceI.Shape(0).Width)
	assert.Equal(t, 1, PieceI.Shape(0).Height)
	assert.Equal(t, 1, PieceI.Shape(1).Width)
	assert.Equal(t, 4, PieceI.Shape(1).Height)
	assert.Equal(t, "T", PieceT.String())
}

func TestClearLines(t *testing.T) {
	b := NewBoard(4, 4)
	// Row 3 (bottom) full, row 2 partially filled, row 1 full.
	for x := range 4 {
		b.Set(x, 3, BlockOf(PieceI))
		b.Set(x, 1, BlockOf(PieceT))
	}
	b.Set(0, 2, BlockOf(PieceO))
	b.Set(2, 0, BlockOf(PieceS))
	assert.Equal(t, 2, b.ClearLines())
	assert.Equal(t, "....\n....\n..#.\n#...\n", b.String())
	assert.Equal(t, []int{1, 0, 2, 0}, b.ColumnHeights())
}

func TestLegalPlacementsBounds(t *testing.T) {
	for seed := range uint64(5) {
		g := NewGame(Options{Width: 10, Height: 20, Seed: seed})
		for !g.GameOver {
			landings := g.LegalPlacements(g.Current)
			require.NotEmpty(t, landings)
			for _, landing := range landings {
				rows := landing.Board.Rows()
				require.Len(t, rows, 20)
				for _, row := range rows {
					require.Len(t, row, 10)
				}
				shape := g.Current.Shape(landing.Rotation)
				assert.GreaterOrEqual(t, landing.Column, 0)
				assert.LessOrEqual(t, landing.Column+shape.Width, 10)
			}
			// Always take the first landing, which piles pieces to the left until top-out.
			outcome := g.Commit(landings[0].Placement)
			require.NotEqual(t, StepAborted, outcome.Status)
		}
		assert.Greater(t, g.Steps, 0)
	}
}

func TestLegalPlacementsOrder(t *testing.T) {
	g := NewGame(DefaultOptions())
	landings := g.LegalPlacements(PieceT)
	// 4 rotations: widths 3, 2, 3, 2 -> 8 + 9 + 8 + 9 columns.
	require.Len(t, landings, 34)
	assert.Equal(t, Placement{Column: 0, Rotation: 0}, landings[0].Placement)
	assert.Equal(t, Placement{Column: 7, Rotation: 0}, landings[7].Placement)
	assert.Equal(t, Placement{Column: 0, Rotation: 1}, landings[8].Placement)
	assert.Equal(t, Placement{Column: 8, Rotation: 3}, landings[33].Placement)

	landings = g.LegalPlacements(PieceO)
	require.Len(t, landings, 9)
}

func TestCommitSingleLineClear(t *testing.T) {
	g := NewGame(DefaultOptions())
	// Fill the bottom row except the last 4 columns, and drop an horizontal I there.
	for x := range 6 {
		g.Board.Set(x, 19, BlockOf(PieceO))
	}
	g.Current = PieceI
	outcome := g.Commit(Placement{Column: 6, Rotation: 0})
	assert.Equal(t, StepContinue, outcome.Status)
	assert.Equal(t, 1, outcome.LinesCleared)
	assert.Equal(t, 11, outcome.ScoreDelta)
	assert.Equal(t, float32(11), outcome.Reward)
	assert.Equal(t, 11, g.Score)
	assert.Equal(t, 1, g.Lines)
	assert.Equal(t, 1, g.Steps)
	for x := range 10 {
		assert.False(t, g.Board.At(x, 19).Filled(), "column %d should be empty after clearing", x)
	}
}

func TestScoreDelta(t *testing.T) {
	for lines := range 5 {
		g := NewGame(DefaultOptions())
		// Build `lines` rows with one hole at column 0, then drop a vertical I into it.
		for y := 20 - lines; y < 20; y++ {
			for x := 1; x < 10; x++ {
				g.Board.Set(x, y, BlockOf(PieceL))
			}
		}
		g.Current = PieceI
		before := g.Score
		outcome := g.Commit(Placement{Column: 0, Rotation: 1})
		require.Equal(t, min(lines, 4), outcome.LinesCleared)
		assert.Equal(t, 1+outcome.LinesCleared*outcome.LinesCleared*10, g.Score-before)
		assert.Equal(t, ScoreDelta(outcome.LinesCleared, 10), outcome.ScoreDelta)
	}
}

func TestScoreLimit(t *testing.T) {
	g := NewGame(Options{Width: 10, Height: 20, ScoreLimit: 3})
	var outcome StepOutcome
	for range 3 {
		require.False(t, g.GameOver)
		outcome = g.Commit(g.LegalPlacements(g.Current)[0].Placement)
	}
	assert.Equal(t, StepTerminal, outcome.Status)
	assert.True(t, outcome.ScoreLimitReached)
	assert.False(t, outcome.TopOut)
	assert.True(t, g.GameOver)
	assert.True(t, g.ScoreLimitReached())
}

func TestTopOut(t *testing.T) {
	g := NewGame(Options{Width: 4, Height: 4})
	// Two bottom rows filled except the last column, so no line is cleared.
	for y := 2; y < 4; y++ {
		for x := range 3 {
			g.Board.Set(x, y, BlockOf(PieceJ))
		}
	}
	// A T on top leaves no 2x2 space for the following O.
	g.Current, g.Next = PieceT, PieceO
	outcome := g.Commit(Placement{Column: 0, Rotation: 0})
	assert.Equal(t, StepTerminal, outcome.Status)
	assert.True(t, outcome.TopOut)
	assert.Equal(t, float32(1-TopOutPenalty), outcome.Reward)
	assert.Equal(t, 1, g.Score)
	assert.True(t, g.GameOver)
}

func TestCommitInvalid(t *testing.T) {
	g := NewGame(DefaultOptions())
	g.Current = PieceO
	outcome := g.Commit(Placement{Column: 9, Rotation: 0})
	assert.Equal(t, StepAborted, outcome.Status)
	assert.True(t, outcome.Terminal())
	assert.True(t, g.GameOver)
	assert.Equal(t, 0, g.Score)

	g.Reset()
	assert.False(t, g.GameOver)
	outcome = g.Commit(Placement{Column: 0, Rotation: 7})
	assert.Equal(t, StepAborted, outcome.Status)
}

func TestDeterministicPieces(t *testing.T) {
	sequence := func(seed uint64) []PieceKind {
		g := NewGame(Options{Seed: seed})
		var kinds []PieceKind
		for range 14 {
			kinds = append(kinds, g.Current)
			g.Commit(g.LegalPlacements(g.Current)[0].Placement)
			if g.GameOver {
				break
			}
		}
		return kinds
	}
	assert.Equal(t, sequence(7), sequence(7))

	// The first 7 pieces form a bag with all kinds.
	seen := map[PieceKind]bool{}
	for _, kind := range sequence(3)[:7] {
		seen[kind] = true
	}
	assert.Len(t, seen, int(NumPieceKinds))
}

func TestSnapshot(t *testing.T) {
	g := NewGame(DefaultOptions())
	g.Commit(g.LegalPlacements(g.Current)[0].Placement)
	snap := g.Snapshot()
	require.Len(t, snap.Board, DefaultHeight)
	assert.Equal(t, g.Next, snap.Next)
	assert.Equal(t, 1, snap.Steps)

	// Changes to the game don't affect the snapshot.
	g.Reset()
	filled := 0
	for _, row := range snap.Board {
		for _, block := range row {
			if block.Filled() {
				filled++
			}
		}
	}
	assert.Equal(t, 4, filled)
}
