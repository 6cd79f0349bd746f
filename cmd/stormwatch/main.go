package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var version = "0.4.0"

var (
	configPath string
	logLevel   string
)

// rootCmd is the base command for the stormwatch CLI
var rootCmd = &cobra.Command{
	Use:   "stormwatch",
	Short: "Perp-led storm detection engine",
	Long: `Stormwatch scores derivatives microstructure feature vectors with a
walk-forward anomaly model, confirms persistent storms per symbol, and
labels each confirmed storm as perp-led or spot-led before emitting it
to the configured sinks.`,
	PersistentPreRunE: setupLogging,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stormwatch %s\n", version)
		fmt.Println("Use 'stormwatch run' for live detection or 'stormwatch replay' for walk-forward replay")
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the stormwatch version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stormwatch %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/stormwatch.yaml", "Path to engine configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
}

func setupLogging(cmd *cobra.Command, args []string) error {
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
