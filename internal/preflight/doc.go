// Package preflight provides readiness checks for the directories, disks,
// binaries, and recorder API that the pipeline depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll before each sweep. If a check fails the sweep
//     is skipped rather than half-processing items against a dead mount.
//   - The CLI "tstriage status" command uses RunAll and CheckToolchain to
//     display environment health.
package preflight
