package testutil

import (
	"flag"
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	logFile   = ""
	logLevel  = "debug"
	logStderr = false

	setupOnce sync.Once
	setupErr  error
)

func init() {
	flag.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	flag.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	flag.BoolVar(&logStderr, "log-stderr", logStderr, "log to standard error")
}

// SetupLogger points the standard logger at file, at the file named by -log-file, or at
// standard error with -log-stderr, and returns it. Only the first call in a test binary
// configures the logger; later calls share the same output.
func SetupLogger(file string) *log.Logger {
	setupOnce.Do(func() {
		setupErr = configure(log.StandardLogger(), file)
	})
	if setupErr != nil {
		panic(setupErr)
	}
	return log.StandardLogger()
}

func configure(logger *log.Logger, file string) error {
	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		return errors.Wrap(err, "testutil")
	}
	logger.SetLevel(ll)
	logger.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
		FullTimestamp:          true,
	})

	if !logStderr {
		if logFile != "" {
			file = logFile
		}
		w, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			return errors.Wrapf(err, "testutil: log file %s", file)
		}
		logger.SetOutput(w)
	}

	logger.WithFields(log.Fields{
		"pid":  os.Getpid(),
		"args": os.Args[1:],
	}).Info("tests starting")
	return nil
}
