package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gtnao/junkdb/config"
	"github.com/gtnao/junkdb/engine"
	"github.com/gtnao/junkdb/storage/mvcc"
)

var (
	junkdbCmd = &cobra.Command{
		Use:               "junkdb",
		Short:             "A transactional storage engine",
		Long:              "Junkdb is a single node storage engine with MVCC and recovery.",
		PersistentPreRunE: junkdbPreRun,
		PersistentPostRun: junkdbPostRun,
		SilenceUsage:      true,
	}

	logFile   = "junkdb.log"
	logLevel  = "info"
	logStderr = false
	logWriter io.WriteCloser

	configFile = "junkdb.hcl"
	noConfig   = false

	dataDir            = "data"
	store              = "file"
	frames             = 64
	bufferWait         = time.Second
	lockTimeout        = time.Duration(0)
	logBuffer          = 4096
	checkpointInterval = time.Minute
	isolation          = "read-committed"

	cfg *config.Config
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	fs := junkdbCmd.PersistentFlags()
	cfg = config.NewConfig(fs)

	cfg.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	cfg.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	fs.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")
	cfg.Flag("log-stderr")

	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from")
	cfg.NoConfig("config-file")
	fs.BoolVar(&noConfig, "no-config", noConfig, "don't load config file")
	cfg.NoConfig("no-config")

	cfg.StringVar(&dataDir, "data", dataDir, "`directory` containing the database")
	cfg.StringVar(&store, "store", store, "block store to use: file, bbolt, badger, or pebble")
	cfg.IntVar(&frames, "frames", frames, "number of frames in the buffer pool")
	cfg.DurationVar(&bufferWait, "buffer-wait", bufferWait,
		"how long to wait for a free frame when every frame is pinned")
	cfg.DurationVar(&lockTimeout, "lock-timeout", lockTimeout,
		"how long to wait for a row lock; zero waits forever")
	cfg.IntVar(&logBuffer, "log-buffer", logBuffer, "size in bytes of the log buffer")
	cfg.DurationVar(&checkpointInterval, "checkpoint-interval", checkpointInterval,
		"how often to checkpoint; zero disables checkpoints in the background")
	cfg.StringVar(&isolation, "isolation", isolation,
		"default isolation level: rc (read committed) or rr (repeatable read)")
}

func Execute() error {
	return junkdbCmd.Execute()
}

func junkdbPreRun(cmd *cobra.Command, args []string) error {
	if configFile != "" && !noConfig {
		_, err := os.Stat(configFile)
		if err == nil || cmd.Flags().Changed("config-file") {
			err = cfg.Load(configFile)
			if err != nil {
				return fmt.Errorf("junkdb: %s", err)
			}
		}
	}

	if !logStderr && logFile != "" {
		var err error
		logWriter, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("junkdb: %s", err)
		}
		log.SetOutput(logWriter)
	}

	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("junkdb: %s", err)
	}
	log.SetLevel(ll)

	log.WithField("pid", os.Getpid()).Info("junkdb starting")
	return nil
}

func junkdbPostRun(cmd *cobra.Command, args []string) {
	log.WithField("pid", os.Getpid()).Info("junkdb done")

	if logWriter != nil {
		logWriter.Close()
	}
}

func defaultIsolation() (mvcc.Isolation, error) {
	iso, err := mvcc.ParseIsolation(isolation)
	if err != nil {
		return 0, fmt.Errorf("junkdb: %s", err)
	}
	return iso, nil
}

func openEngine(ctx context.Context) (*engine.Engine, error) {
	return engine.Open(ctx,
		engine.Options{
			DataDir:            dataDir,
			Store:              store,
			Frames:             frames,
			BufferWait:         bufferWait,
			LockTimeout:        lockTimeout,
			LogBuffer:          logBuffer,
			CheckpointInterval: checkpointInterval,
			Logger:             log.StandardLogger(),
		})
}
