package clips

import (
	"fmt"
	"math"
)

// Clip is an immutable half-open time interval between two cut points
// discovered by silence analysis. Identity is value based: two clips with
// equal bounds are the same clip.
type Clip struct {
	Start float64
	End   float64
}

// New constructs a clip. Bounds out of order are a programming error, not a
// recoverable condition, so New panics rather than returning an error.
func New(start, end float64) Clip {
	if start >= end {
		panic(fmt.Sprintf("clips: invalid bounds (%v, %v)", start, end))
	}
	return Clip{Start: start, End: end}
}

// Duration returns end minus start in seconds.
func (c Clip) Duration() float64 {
	return c.End - c.Start
}

func (c Clip) String() string {
	return fmt.Sprintf("(%v, %v)", c.Start, c.End)
}

// Less orders clips by start, then end.
func (c Clip) Less(other Clip) bool {
	if c.Start != other.Start {
		return c.Start < other.Start
	}
	return c.End < other.End
}

// MergeNeighbors collapses adjacent clips that share an exact boundary:
// (a,b) followed by (b,c) becomes (a,c). Input must be sorted and
// non-overlapping. Single left-to-right pass with one open accumulator.
func MergeNeighbors(in []Clip) []Clip {
	if len(in) == 0 {
		return nil
	}
	merged := make([]Clip, 0, len(in))
	open := in[0]
	for _, clip := range in[1:] {
		if open.End == clip.Start {
			open.End = clip.End
			continue
		}
		merged = append(merged, open)
		open = clip
	}
	return append(merged, open)
}

// Duration sums end-start over all clips.
func Duration(in []Clip) float64 {
	var total float64
	for _, clip := range in {
		total += clip.Duration()
	}
	return total
}

// Split partitions the flat clip sequence into n contiguous groups whose
// durations approach total/n. Each of the first n-1 groups greedily consumes
// clips from the front of the remaining sequence while the distance between
// accumulated duration and the target share still shrinks; the first clip
// that would widen the distance (or leave it unchanged) is pushed back and
// starts the next group. Leftovers all land in the last group, which can be
// badly unbalanced when one clip dwarfs the target share. No clip is
// dropped, duplicated, or reordered.
//
// n < 1 is a precondition violation and panics.
func Split(in []Clip, n int) [][]Clip {
	if n < 1 {
		panic(fmt.Sprintf("clips: invalid split count %d", n))
	}
	target := Duration(in) / float64(n)
	groups := make([][]Clip, 0, n)
	rest := in
	for i := 0; i < n-1; i++ {
		var group []Clip
		acc := 0.0
		best := target
		for len(rest) > 0 {
			next := acc + rest[0].Duration()
			dist := math.Abs(next - target)
			if dist >= best {
				break
			}
			group = append(group, rest[0])
			rest = rest[1:]
			acc = next
			best = dist
		}
		groups = append(groups, group)
	}
	last := make([]Clip, len(rest))
	copy(last, rest)
	return append(groups, last)
}
