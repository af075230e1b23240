// Package store persists pipeline items as stage-suffixed JSON markers in
// a single directory. A marker's file extension is its stage, renames are
// transitions, and each job key owns at most one marker across the whole
// state space at a time.
package store
