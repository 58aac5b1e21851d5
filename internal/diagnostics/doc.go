// Package diagnostics captures process and host state for post-mortem
// debugging: crash dumps written when a command panics, and the resource
// snapshot shown by the doctor command.
package diagnostics
