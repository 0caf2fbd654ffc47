package state

import (
	"fmt"
	"slices"
)

// PieceKind enumerates the 7 tetrominoes. The values are also used as color/kind identifiers
// by the presentation layer.
type PieceKind uint8

const (
	PieceI PieceKind = iota
	PieceT
	PieceL
	PieceJ
	PieceZ
	PieceS
	PieceO

	// NumPieceKinds must always be the last enum.
	NumPieceKinds
)

var pieceNames = [NumPieceKinds]string{"I", "T", "L", "J", "Z", "S", "O"}

// String returns the one-letter name of the piece.
func (k PieceKind) String() string {
	if k >= NumPieceKinds {
		return fmt.Sprintf("PieceKind(%d)", k)
	}
	return pieceNames[k]
}

// Grid4x4 is the canonical (spawn) layout of a piece, indexed as [row][column].
type Grid4x4 [4][4]uint8

// Cell is a (x, y) coordinate, x being the column and y the row, with y=0 at the top.
type Cell struct {
	X, Y int
}

// Shape is one rotation of a piece, with cells normalized so that the minimum x and y are 0.
type Shape struct {
	Cells         []Cell
	Width, Height int
}

// Piece holds the canonical grid and the distinct rotations of one tetromino.
type Piece struct {
	Kind      PieceKind
	Grid      Grid4x4
	Rotations []Shape
}

// canonicalGrids used to build Pieces.
var canonicalGrids = [NumPieceKinds]Grid4x4{
	PieceI: {{0, 0, 0, 0}, {1, 1, 1, 1}, {0, 0, 0, 0}, {0, 0, 0, 0}},
	PieceT: {{0, 0, 0, 0}, {0, 1, 0, 0}, {1, 1, 1, 0}, {0, 0, 0, 0}},
	PieceL: {{0, 0, 0, 0}, {0, 0, 1, 0}, {1, 1, 1, 0}, {0, 0, 0, 0}},
	PieceJ: {{0, 0, 0, 0}, {1, 0, 0, 0}, {1, 1, 1, 0}, {0, 0, 0, 0}},
	PieceZ: {{0, 0, 0, 0}, {1, 1, 0, 0}, {0, 1, 1, 0}, {0, 0, 0, 0}},
	PieceS: {{0, 0, 0, 0}, {0, 1, 1, 0}, {1, 1, 0, 0}, {0, 0, 0, 0}},
	PieceO: {{0, 0, 0, 0}, {0, 1, 1, 0}, {0, 1, 1, 0}, {0, 0, 0, 0}},
}

// Pieces is the immutable table of all tetrominoes, indexed by PieceKind.
var Pieces [NumPieceKinds]Piece

func init() {
	for kind := range NumPieceKinds {
		grid := canonicalGrids[kind]
		Pieces[kind] = Piece{
			Kind:      kind,
			Grid:      grid,
			Rotations: distinctRotations(grid),
		}
	}
}

// rotateClockwise rotates a 4x4 grid by 90 degrees.
func rotateClockwise(g Grid4x4) (r Grid4x4) {
	for row := range 4 {
		for col := range 4 {
			r[col][3-row] = g[row][col]
		}
	}
	return
}

// normalize converts the grid to a Shape, translated to the top-left corner.
func normalize(g Grid4x4) Shape {
	minX, minY, maxX, maxY := 4, 4, -1, -1
	for row := range 4 {
		for col := range 4 {
			if g[row][col] == 0 {
				continue
			}
			minX, maxX = min(minX, col), max(maxX, col)
			minY, maxY = min(minY, row), max(maxY, row)
		}
	}
	s := Shape{Width: maxX - minX + 1, Height: maxY - minY + 1}
	for row := range 4 {
		for col := range 4 {
			if g[row][col] != 0 {
				s.Cells = append(s.Cells, Cell{X: col - minX, Y: row - minY})
			}
		}
	}
	return s
}

// distinctRotations returns the rotations of the grid (0, 90, 180 and 270 degrees), pruned
// to the ones whose normalized shape differs from the previous ones.
func distinctRotations(g Grid4x4) []Shape {
	var shapes []Shape
	for range 4 {
		s := normalize(g)
		if !slices.ContainsFunc(shapes, s.Equal) {
			shapes = append(shapes, s)
		}
		g = rotateClockwise(g)
	}
	return shapes
}

// Equal returns whether the two shapes occupy the same cells.
func (s Shape) Equal(other Shape) bool {
	if s.Width != other.Width || s.Height != other.Height || len(s.Cells) != len(other.Cells) {
		return false
	}
	for _, c := range s.Cells {
		if !slices.Contains(other.Cells, c) {
			return false
		}
	}
	return true
}

// NumRotations returns the number of distinct rotations of the piece kind.
func (k PieceKind) NumRotations() int {
	return len(Pieces[k].Rotations)
}

// Shape returns the given rotation of the piece kind.
func (k PieceKind) Shape(rotation int) Shape {
	return Pieces[k].Rotations[rotation]
}
