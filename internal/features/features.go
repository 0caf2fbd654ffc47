// Package features implements the feature vector that describes a resulting board, and the enumeration
// of candidate placements with their features.
//
// The approximators only ever see these features, never the raw board.
package features

import (
	"fmt"
	"log"
	"strings"

	. "github.com/janpfeifer/tetrisGo/internal/state"
)

// BoardId represent an enum of board features.
type BoardId uint8

// FeatureSetter is the signature of a feature setter. f is the slice where to store the
// results, and linesCleared the number of lines cleared by the placement that generated the board.
type FeatureSetter func(b *Board, linesCleared int, def *BoardSpec, f []float32)

const (
	// IdLinesCleared is the number of lines cleared by the placement.
	IdLinesCleared BoardId = iota

	// IdHoles counts the empty blocks below the top-most filled block of each column.
	IdHoles

	// IdBumpiness is the sum of the absolute height differences of adjacent columns.
	IdBumpiness

	// IdSumHeight is the sum of the column heights.
	IdSumHeight

	// IdNumFeatureIds defined -- this must always be the last enum.
	IdNumFeatureIds
)

// BoardSpec includes the board feature name, dimension and index in the concatenation of features.
type BoardSpec struct {
	Id   BoardId
	Name string
	Dim  int

	// VecIndex refers to the index in the concatenated feature vector.
	VecIndex int
	Setter   FeatureSetter
}

var (
	// BoardSpecs enumerates in order the features extracted by ForBoard.
	// The VecIndex attribute is properly set during the package initialization.
	BoardSpecs = [IdNumFeatureIds]BoardSpec{
		{IdLinesCleared, "LinesCleared", 1, 0, fLinesCleared},
		{IdHoles, "Holes", 1, 0, fHoles},
		{IdBumpiness, "Bumpiness", 1, 0, fBumpiness},
		{IdSumHeight, "SumHeight", 1, 0, fSumHeight},
	}

	// Dim is the dimension of all board features concatenated, set during package initialization.
	Dim int
)

func init() {
	// Updates the indices of BoardSpecs, and sets Dim.
	Dim = 0
	for ii := range BoardSpecs {
		if BoardSpecs[ii].Id != BoardId(ii) {
			log.Fatalf("features.BoardSpecs index %d for %s doesn't match constant.",
				ii, BoardSpecs[ii].Name)
		}
		BoardSpecs[ii].VecIndex = Dim
		Dim += BoardSpecs[ii].Dim
	}
}

// ForBoard calculates the feature vector, of length Dim, for the given board.
// It is a pure function of its inputs, so the features are the same whether the board comes
// from live play or not.
func ForBoard(b *Board, linesCleared int) []float32 {
	f := make([]float32, Dim)
	for ii := range BoardSpecs {
		def := &BoardSpecs[ii]
		def.Setter(b, linesCleared, def, f)
	}
	return f
}

// ForLanding returns the features of the board resulting from a legal placement.
func ForLanding(landing Landing) []float32 {
	return ForBoard(landing.Board, landing.LinesCleared)
}

// Reset resets the game and returns the features of its empty board.
func Reset(g *Game) []float32 {
	g.Reset()
	return ForBoard(g.Board, 0)
}

// PrettyPrint returns a multi-line description of the features.
func PrettyPrint(f []float32) string {
	var sb strings.Builder
	for ii := range BoardSpecs {
		def := &BoardSpecs[ii]
		if def.Dim == 1 {
			_, _ = fmt.Fprintf(&sb, "\t%s: %.2f\n", def.Name, f[def.VecIndex])
		} else {
			_, _ = fmt.Fprintf(&sb, "\t%s: %v\n", def.Name, f[def.VecIndex:def.VecIndex+def.Dim])
		}
	}
	return sb.String()
}

func fLinesCleared(_ *Board, linesCleared int, def *BoardSpec, f []float32) {
	f[def.VecIndex] = float32(linesCleared)
}

func fHoles(b *Board, _ int, def *BoardSpec, f []float32) {
	holes := 0
	for x := range b.Width {
		covered := false
		for y := range b.Height {
			if b.At(x, y).Filled() {
				covered = true
			} else if covered {
				holes++
			}
		}
	}
	f[def.VecIndex] = float32(holes)
}

func fBumpiness(b *Board, _ int, def *BoardSpec, f []float32) {
	heights := b.ColumnHeights()
	bumpiness := 0
	for ii := 0; ii < len(heights)-1; ii++ {
		bumpiness += abs(heights[ii] - heights[ii+1])
	}
	f[def.VecIndex] = float32(bumpiness)
}

func fSumHeight(b *Board, _ int, def *BoardSpec, f []float32) {
	sum := 0
	for _, h := range b.ColumnHeights() {
		sum += h
	}
	f[def.VecIndex] = float32(sum)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
