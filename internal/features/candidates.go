package features

import (
	"github.com/chewxy/math32"
	. "github.com/janpfeifer/tetrisGo/internal/state"
)

// Tolerance under which two feature values are considered equal.
const Tolerance = 1e-6

// Candidate is a legal placement of the current piece and the features of the board it results in.
type Candidate struct {
	Placement Placement
	Features  []float32
}

// Candidates is an ordered list of candidates. Placements whose features are equal (within Tolerance)
// to an earlier candidate are dropped, so features are unique in the list.
type Candidates []Candidate

// Enumerate lists the candidates for the current piece of the game, in rotation-major, column-ascending order.
//
// An empty list means the current piece can't be placed anywhere: the game is over.
func Enumerate(g *Game) Candidates {
	landings := g.LegalPlacements(g.Current)
	candidates := make(Candidates, 0, len(landings))
	for _, landing := range landings {
		f := ForLanding(landing)
		if candidates.Index(f) >= 0 {
			continue
		}
		candidates = append(candidates, Candidate{Placement: landing.Placement, Features: f})
	}
	return candidates
}

// Index returns the position of the candidate with the given features, or -1 if not present.
func (cs Candidates) Index(f []float32) int {
	for ii, c := range cs {
		if Equal(c.Features, f) {
			return ii
		}
	}
	return -1
}

// Features returns the feature vectors of all candidates, in order. The slices are shared, not copied.
func (cs Candidates) Features() [][]float32 {
	all := make([][]float32, len(cs))
	for ii, c := range cs {
		all[ii] = c.Features
	}
	return all
}

// Equal returns whether both feature vectors have the same length and equal values within Tolerance.
func Equal(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for ii := range a {
		if math32.Abs(a[ii]-b[ii]) > Tolerance {
			return false
		}
	}
	return true
}
