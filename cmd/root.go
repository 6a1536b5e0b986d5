package cmd

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/estate/services/searchsync/config"
)

var (
	cfgFile string
	debug   bool

	rootCmd = &cobra.Command{
		Use:   "searchsync",
		Short: "Building search synchronization service",
		Long: `Search synchronization for the estate portal.

Consumes building lifecycle events and projects them into the search index and
the geospatial read model, and answers text and map searches against both.`,
		SilenceUsage: true,
	}
)

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initConfig() {
	if cfgFile != "" {
		config.SetConfigFile(cfgFile)
	}
}

// setupLogging applies the configured level and format to the global logger
func setupLogging(cfg config.Config) {
	if cfg.Environment == "development" || cfg.Logging.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// LOG_LEVEL, applied in main, wins over the config file
	if os.Getenv("LOG_LEVEL") == "" {
		level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
		if err != nil || cfg.Logging.Level == "" {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
	}
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
