// Package logx is homebgp's structured logging on top of zerolog.
//
// Console lines are human readable with a short caller, file lines are JSON,
// and an optional alert sink forwards warn+ lines to a Notifier (Telegram) at
// a bounded rate.
package logx
