package setup

import "log/slog"

var packageLogger = slog.Default()

// SetLogger replaces the package logger. A nil logger restores the default.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	packageLogger = logger.With("component", "setup")
}

func getLogger() *slog.Logger {
	if packageLogger != nil {
		return packageLogger
	}
	return slog.Default()
}
