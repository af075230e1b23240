// Command tstriage is the CLI for the transport-stream triage pipeline:
// run executes tasks once, daemon keeps them on a schedule, status shows
// environment health and in-flight items, and config manages the
// configuration file.
package main
