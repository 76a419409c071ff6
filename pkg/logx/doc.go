// Package logx is the structured logging layer of dispatchd.
//
// It wraps zerolog to keep console output short (timestamp + file:line) and
// JSON output machine friendly, and lets the active config swap sinks and
// level at runtime.
package logx
