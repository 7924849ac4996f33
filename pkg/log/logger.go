// Package log provides a logger interface for logger libraries
// so that callers are not coupled to any one logging library directly.
// It also includes a default implementation using Logrus, kept for the
// bootstrap phase before a structured slog.Logger is wired up.
package log

// Logger serves as an adapter interface for logger libraries so that
// core packages are not coupled to any one logging library directly.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
