// Package clips provides the value type for cut-point intervals and the
// pure list operations the cut and encode stages are built on: merging
// clips that share a boundary and partitioning a clip sequence into
// near-equal-duration groups.
package clips
