package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is the process-wide go-kit logger. It stays a nop until InitLogger
// runs, so code paths reached before config parsing log nothing. Module
// constructors receive it (or a WithModule child) as an argument rather
// than reading the global.
var Logger = kitlog.NewNopLogger()

// InitLogger builds the global logger from the server's log_format and
// log_level settings and returns it.
func InitLogger(logFormat string, logLevel dslog.Level) kitlog.Logger {
	writer := kitlog.NewSyncWriter(os.Stderr)
	logger := dslog.NewGoKitWithWriter(logFormat, writer)

	// UTC timestamps; the caller skip count lands on the level helper's
	// call site.
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// The level filter goes last so filtered lines pay no formatting cost.
	logger = level.NewFilter(logger, logLevel.Option)

	Logger = logger
	return logger
}

// WithModule tags a child of the global logger with the owning module, so
// lines from different modules in the single binary stay attributable.
func WithModule(module string) kitlog.Logger {
	return kitlog.With(Logger, "module", module)
}
