// Package logx configures modbot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp, short caller), file output JSON-structured, and
// optionally mirrors warn+ records into an operator Discord channel.
package logx
