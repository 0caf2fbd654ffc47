package state

import (
	"slices"
	"strconv"
	"strings"
)

// Block is the occupancy of one board position: EmptyBlock or PieceKind+1 of the locked piece.
type Block uint8

// EmptyBlock is the zero value of Block.
const EmptyBlock Block = 0

// BlockOf returns the Block used to lock the given piece kind.
func BlockOf(kind PieceKind) Block { return Block(kind) + 1 }

// Filled returns whether the block is occupied.
func (b Block) Filled() bool { return b != EmptyBlock }

// Kind of the piece that filled the block. Only valid if Filled.
func (b Block) Kind() PieceKind { return PieceKind(b - 1) }

// MarshalJSON encodes the block as a number, so rows of blocks encode as arrays and not as base64
// strings.
func (b Block) MarshalJSON() ([]byte, error) {
	return strconv.AppendUint(nil, uint64(b), 10), nil
}

const (
	// DefaultWidth of the board, in columns.
	DefaultWidth = 10

	// DefaultHeight of the board, in rows.
	DefaultHeight = 20
)

// Board is a fixed-size grid of blocks, with row 0 at the top.
// It is owned by one Game and never shared across goroutines.
type Board struct {
	Width, Height int
	blocks        []Block
}

// NewBoard creates an empty board.
func NewBoard(width, height int) *Board {
	return &Board{
		Width:  width,
		Height: height,
		blocks: make([]Block, width*height),
	}
}

// Clone returns a deep copy of the board.
func (b *Board) Clone() *Board {
	return &Board{
		Width:  b.Width,
		Height: b.Height,
		blocks: slices.Clone(b.blocks),
	}
}

// At returns the block at column x and row y. Positions outside the board are reported as filled,
// which is what collision detection needs.
func (b *Board) At(x, y int) Block {
	if !b.Inside(x, y) {
		return BlockOf(PieceO)
	}
	return b.blocks[y*b.Width+x]
}

// Set the block at column x and row y. It panics if the position is outside the board.
func (b *Board) Set(x, y int, block Block) {
	b.blocks[y*b.Width+x] = block
}

// Inside returns whether the position is within the board bounds.
func (b *Board) Inside(x, y int) bool {
	return x >= 0 && x < b.Width && y >= 0 && y < b.Height
}

// Collides returns whether the shape at offset (x, y) overlaps a filled block or leaves the board.
func (b *Board) Collides(shape Shape, x, y int) bool {
	for _, c := range shape.Cells {
		if b.At(x+c.X, y+c.Y).Filled() {
			return true
		}
	}
	return false
}

// Drop simulates gravity: the shape starts at the top row with its left edge at column x and is
// translated down until the next step would collide.
//
// It returns the resting row and ok=true. If the shape doesn't fit at the top row it returns ok=false.
// Gravity is bounded by maxIterations: if it is exceeded, aborted=true is returned -- this can only
// happen if collision detection is inconsistent.
func (b *Board) Drop(shape Shape, x, maxIterations int) (y int, ok, aborted bool) {
	if b.Collides(shape, x, 0) {
		return 0, false, false
	}
	for iterations := 0; !b.Collides(shape, x, y+1); iterations++ {
		if iterations >= maxIterations {
			return y, false, true
		}
		y++
	}
	return y, true, false
}

// Lock writes the shape into the board at offset (x, y) with the given block value.
// It returns false (and leaves the board unchanged) if any cell would land outside the board.
func (b *Board) Lock(shape Shape, x, y int, block Block) bool {
	for _, c := range shape.Cells {
		if !b.Inside(x+c.X, y+c.Y) {
			return false
		}
	}
	for _, c := range shape.Cells {
		b.Set(x+c.X, y+c.Y, block)
	}
	return true
}

// rowFull returns whether every block of the row is filled.
func (b *Board) rowFull(y int) bool {
	for _, block := range b.blocks[y*b.Width : (y+1)*b.Width] {
		if !block.Filled() {
			return false
		}
	}
	return true
}

// ClearLines removes fully occupied rows, shifting the rows above them down, and returns
// the number of rows removed.
func (b *Board) ClearLines() (lines int) {
	// Compact non-full rows towards the bottom.
	dst := b.Height - 1
	for src := b.Height - 1; src >= 0; src-- {
		if b.rowFull(src) {
			lines++
			continue
		}
		if dst != src {
			copy(b.blocks[dst*b.Width:(dst+1)*b.Width], b.blocks[src*b.Width:(src+1)*b.Width])
		}
		dst--
	}
	for ; dst >= 0; dst-- {
		clear(b.blocks[dst*b.Width : (dst+1)*b.Width])
	}
	return
}

// ColumnHeights returns for each column the height of its top-most filled block (0 for an empty column).
func (b *Board) ColumnHeights() []int {
	heights := make([]int, b.Width)
	for x := range b.Width {
		for y := range b.Height {
			if b.At(x, y).Filled() {
				heights[x] = b.Height - y
				break
			}
		}
	}
	return heights
}

// Rows returns a copy of the board as a slice of rows, each one a slice of blocks.
func (b *Board) Rows() [][]Block {
	rows := make([][]Block, b.Height)
	for y := range b.Height {
		rows[y] = slices.Clone(b.blocks[y*b.Width : (y+1)*b.Width])
	}
	return rows
}

// String renders the board with '#' for filled blocks and '.' for empty ones.
func (b *Board) String() string {
	var sb strings.Builder
	for y := range b.Height {
		for x := range b.Width {
			if b.At(x, y).Filled() {
				sb.WriteByte('#')
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
