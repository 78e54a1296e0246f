// Package logx provides the structured logging layer used across taskpilot.
//
// It wraps zerolog behind a small Logger type so call sites stay stable while
// sinks (console, file, chat mirror) are swapped at runtime via Service.Apply.
package logx
