package features

import (
	"testing"

	. "github.com/janpfeifer/tetrisGo/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForBoard(t *testing.T) {
	require.Equal(t, 4, Dim)
	b := NewBoard(4, 5)
	assert.Equal(t, []float32{0, 0, 0, 0}, ForBoard(b, 0))

	// Column heights: 3, 2, 0, 2. Column 0 has 1 hole, column 3 has 1 hole.
	//   row 2: #...
	//   row 3: .#.#
	//   row 4: ##..
	b.Set(0, 2, BlockOf(PieceT))
	b.Set(1, 3, BlockOf(PieceT))
	b.Set(3, 3, BlockOf(PieceT))
	b.Set(0, 4, BlockOf(PieceT))
	b.Set(1, 4, BlockOf(PieceT))
	f := ForBoard(b, 2)
	assert.Equal(t, float32(2), f[IdLinesCleared])
	assert.Equal(t, float32(2), f[IdHoles])
	assert.Equal(t, float32(1+2+2), f[IdBumpiness])
	assert.Equal(t, float32(3+2+0+2), f[IdSumHeight])
	assert.Contains(t, PrettyPrint(f), "Holes: 2.00")
}

func TestReset(t *testing.T) {
	g := NewGame(DefaultOptions())
	g.Commit(g.LegalPlacements(g.Current)[0].Placement)
	assert.Equal(t, []float32{0, 0, 0, 0}, Reset(g))
	assert.Equal(t, 0, g.Score)
}

func TestEnumerate(t *testing.T) {
	g := NewGame(DefaultOptions())
	g.Current = PieceO
	candidates := Enumerate(g)
	// On an empty board every O placement leaves the same features, except the ones on the
	// edges that have a different bumpiness.
	require.Len(t, candidates, 2)
	assert.Equal(t, Placement{Column: 0, Rotation: 0}, candidates[0].Placement)
	assert.Equal(t, []float32{0, 0, 2, 4}, candidates[0].Features)
	assert.Equal(t, Placement{Column: 1, Rotation: 0}, candidates[1].Placement)
	assert.Equal(t, []float32{0, 0, 4, 4}, candidates[1].Features)

	assert.Equal(t, 1, candidates.Index([]float32{0, 0, 4, 4 + 1e-7}))
	assert.Equal(t, -1, candidates.Index([]float32{0, 1, 4, 4}))
	assert.Len(t, candidates.Features(), 2)

	// Features are unique.
	g.Current = PieceT
	candidates = Enumerate(g)
	for ii := range candidates {
		for jj := ii + 1; jj < len(candidates); jj++ {
			assert.False(t, Equal(candidates[ii].Features, candidates[jj].Features))
		}
	}
}

func TestEnumerateGameOver(t *testing.T) {
	g := NewGame(Options{Width: 4, Height: 2})
	for x := range 3 {
		g.Board.Set(x, 0, BlockOf(PieceL))
	}
	g.Current = PieceO
	assert.Empty(t, Enumerate(g))
}
