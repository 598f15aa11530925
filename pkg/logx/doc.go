// Package logx provides a small structured logging facade over zerolog.
//
// Components take a logx.Logger by value; the zero value is a safe no-op.
// The Service supports re-applying sink/level configuration at runtime
// without invalidating loggers already handed out.
package logx
