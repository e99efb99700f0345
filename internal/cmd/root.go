package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/appid"
	"github.com/marketsync/marketsync/internal/config"
	"github.com/marketsync/marketsync/internal/observability"
)

var (
	cfgFile string
	verbose bool

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

var rootCmd = &cobra.Command{
	Use:   appid.BinaryName,
	Short: "Keep marketplace listing quantities in sync",
	Long: fmt.Sprintf(`%s drives a rate-limited seller API: it scans listings, flips
quantities in bulk, and runs activation cycles that put every listing back
where it started.

Use the subcommands to perform specific operations.`, appid.BinaryName),
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Keep config loading quiet on stdout; serve installs the real system.
	if sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: false}); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default is $XDG_CONFIG_HOME/%s/config.yaml)", appid.ConfigName))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
}

// initConfig sets up the CLI logger and pins the config file before any
// command loads configuration.
func initConfig() {
	observability.InitCLILogger(appid.BinaryName, verbose)
	config.SetConfigFile(cfgFile)
	if cfgFile != "" && verbose {
		observability.CLILogger.Debug("Using config file", zap.String("path", cfgFile))
	}
}
