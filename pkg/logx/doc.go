// Package logx configures automsg's structured logging.
//
// Logger is a small wrapper on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional chat sink (min-level + rate limiting) that forwards
//     warnings to an operator chat through a transport.Adapter
package logx
