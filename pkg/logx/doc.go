// Package logx configures jobq's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Zero-value loggers safe to use (no-op)
package logx
