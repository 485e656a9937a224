// Package logx is a thin structured-logging facade over zerolog.
//
// It exists so the rest of the codebase can log through one small surface
// (Logger + Field helpers) without importing zerolog everywhere. The zero
// value of Logger is a safe no-op, which keeps optional logging paths free
// of nil checks.
package logx
