// Package logging sets up structured logging in a uniform way.
package logging

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Provided by ldflags during build
var (
	release string
	commit  string
	branch  string
)

// Init returns a logger configured with common settings like
// timestamping and source code locations. lvl is one of "debug",
// "info", "warn" or "error"; anything else is an error.
//
// Init should be called as early as possible in main() so that
// startup problems are logged in the same format as everything else.
func Init(lvl string) (log.Logger, error) {
	l := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))

	opt, err := levelOption(lvl)
	if err != nil {
		return nil, err
	}
	l = level.NewFilter(l, opt)

	logger := log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.Caller(4))

	Info(logger, "release", release, "commit", commit, "git-branch", branch, "msg", "Starting")

	return logger, nil
}

// Release returns the build metadata injected at link time.
func Release() (string, string, string) {
	return release, commit, branch
}

func levelOption(lvl string) (level.Option, error) {
	switch lvl {
	case "debug":
		return level.AllowDebug(), nil
	case "info", "":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	}
	return nil, fmt.Errorf("unknown log level %q", lvl)
}

// Debug logs keyvals at debug level.
func Debug(logger log.Logger, keyvals ...interface{}) {
	level.Debug(logger).Log(keyvals...)
}

// Info logs keyvals at info level.
func Info(logger log.Logger, keyvals ...interface{}) {
	level.Info(logger).Log(keyvals...)
}

// Warn logs keyvals at warn level.
func Warn(logger log.Logger, keyvals ...interface{}) {
	level.Warn(logger).Log(keyvals...)
}

// Error logs keyvals at error level.
func Error(logger log.Logger, keyvals ...interface{}) {
	level.Error(logger).Log(keyvals...)
}
