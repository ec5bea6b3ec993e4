package log

import "context"

// nopLogger discards everything. Used as the default when no logger is wired.
type nopLogger struct{}

func (n nopLogger) With(...any) Logger                            { return n }
func (nopLogger) Debug(context.Context, string, ...any)           {}
func (nopLogger) Info(context.Context, string, ...any)            {}
func (nopLogger) Warn(context.Context, string, ...any)            {}
func (nopLogger) Error(context.Context, error, string, ...any)    {}
func (nopLogger) Critical(context.Context, error, string, ...any) {}
func (nopLogger) Sync() error                                     { return nil }

func Nop() Logger { return nopLogger{} }

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}
