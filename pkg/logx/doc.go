// Package logx is worldwatch's structured logging, a thin layer over zerolog.
//
// Loggers built from a Service follow its config across Apply calls, so a
// reload can change level and sinks without re-plumbing every component.
// Sinks:
//   - console (human readable, short caller)
//   - JSON file
//   - operator: warn+ lines forwarded to an ops destination, rate limited,
//     with repeats of the same line folded for a minute
package logx
