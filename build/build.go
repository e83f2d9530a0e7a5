// Package build holds the logging infrastructure shared by every subsystem,
// as well as version information set at link time.
package build

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// commit is set by the linker, at build time
var commit string

// Version returns the lnvault version this binary was built from
func Version() string {
	return commit
}

var logConfigLock sync.Mutex
var subsystemHooks = map[string]*hook{}

// AddSubLogger creates a new logger that prepends `subsystem` to every
// entry. Loggers write to the console and, once SetLogDir has been called,
// to a human readable and a JSON log file.
func AddSubLogger(subsystem string) *logrus.Logger {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	logger := logrus.New()
	// all output goes through the hooks
	logger.SetOutput(nopWriter{})

	trio := &hook{
		console:     &consoleLogHook{subsystem: subsystem},
		jsonFile:    &jsonFileHook{subsystem: subsystem},
		regularFile: &humanReadableFileHook{subsystem: subsystem},
	}
	trio.setLevel(logrus.InfoLevel)
	logger.AddHook(trio.jsonFile)
	logger.AddHook(trio.regularFile)
	logger.AddHook(trio.console)
	subsystemHooks[subsystem] = trio

	return logger
}

// SetLogLevel sets the log level for a single subsystem
func SetLogLevel(subsystem string, level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	hook, ok := subsystemHooks[subsystem]
	if !ok {
		return
	}
	hook.setLevel(level)
}

// SetLogLevels sets the log level for all registered subsystems
func SetLogLevels(level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	for _, hook := range subsystemHooks {
		hook.setLevel(level)
	}
}

// SetLogDir makes all subsystems write to log files in the given directory
func SetLogDir(dir string) error {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	for _, hook := range subsystemHooks {
		if err := hook.setDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// ToLogLevel takes in a string and converts it to a Logrus log level
func ToLogLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "fatal":
		return logrus.FatalLevel, nil
	case "panic":
		return logrus.FatalLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("%s is not a valid log level", s)
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
