package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// configureLogger creates a logger with the level selected by --log-level or
// --verbose, with --log-level taking precedence. Without either flag the
// logger stays essentially silent so sensor output is not interleaved with
// log lines.
func configureLogger(cmd *cobra.Command) (*logrus.Logger, error) {
	logLevel := logrus.PanicLevel

	if levelStr, _ := cmd.Flags().GetString("log-level"); levelStr != "" {
		parsed, err := logrus.ParseLevel(levelStr)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelStr)
		}
		logLevel = parsed
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logLevel = logrus.DebugLevel
	}

	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
