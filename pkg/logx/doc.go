// Package logx configures plughost's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional forwarding sink (min-level + rate limiting), used by the
//     runtime to mirror warnings onto the event bus
package logx
