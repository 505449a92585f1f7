// Package logx configures fxalert's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp + file:line caller)
//   - file output is JSON, one event per line
//   - an optional ops sink forwards WARN and above to an operator chat,
//     rate limited so a failing dependency cannot flood it
package logx
