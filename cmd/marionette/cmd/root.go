package cmd

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "marionette",
	Short: "record and replay scheduler for async runtime callbacks",
	Long: `marionette sits between an event loop and its thread pool, records the
order callbacks execute in, and replays a recorded schedule to reproduce it.`,
	SilenceUsage: true,
}

var logLevel string

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (trace, debug, info, warn, error)")
}

// logger builds the process logger from the --log-level flag.
func logger() zerolog.Logger {
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
