package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oddsgate/oddsgate/internal/config"
	"github.com/oddsgate/oddsgate/internal/core/engine"
	"github.com/oddsgate/oddsgate/internal/observability"
)

var (
	cfgFile string
	verbose bool

	cliLogger *zap.Logger

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "oddsgate",
	Short: "Outbound rate limiting for sports data providers",
	Long: `oddsgate throttles outbound HTTP traffic to sports data and odds
providers, pacing requests with per-destination token buckets and backing
off when a provider signals pressure.

Use the subcommands to inspect limits, probe a provider, or run the
debug server.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./oddsgate.yaml and ~/.config/oddsgate)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
}

// initConfig loads configuration and wires the CLI logger into the engine.
func initConfig() {
	if _, err := config.Load(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cliLogger = observability.NewCLILogger(verbose)
	engine.SetDefaultLogger(cliLogger)

	if verbose {
		cliLogger.Debug("configuration loaded", zap.String("config_file", cfgFile))
	}
}
