package cmd

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/appid"
	"github.com/marketsync/marketsync/internal/config"
	"github.com/marketsync/marketsync/internal/marketplace"
	"github.com/marketsync/marketsync/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration, and version information. Secrets are never printed.",
	Run: func(cmd *cobra.Command, args []string) {
		log := observability.CLILogger
		version := crucible.GetVersion()

		log.Info("=== " + appid.BinaryName + " environment ===")
		log.Info("")

		log.Info("Application:")
		log.Info("  Name:       " + appid.BinaryName)
		log.Info("  Version:    " + versionInfo.Version)
		log.Info("  Commit:     " + versionInfo.Commit)
		log.Info("  Built:      " + versionInfo.BuildDate)
		log.Info("  Env Prefix: " + appid.EnvPrefix)
		log.Info("")

		log.Info("Libraries:")
		log.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		log.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		log.Info("")

		log.Info("Runtime:")
		log.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		log.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		log.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		log.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		log.Info("")

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return
		}

		log.Info("Marketplace:")
		log.Info("  Base URL:        " + cfg.Marketplace.BaseURL)
		log.Info("  Token:           " + setOrUnset(cfg.Marketplace.Token))
		log.Info("  User Agent:      " + cfg.Marketplace.UserAgent)
		log.Info("  Accept-Language: " + cfg.Marketplace.AcceptLanguage)
		if proxy := marketplace.RedactProxy(cfg.Marketplace.ProxyURL); proxy.Host != "" {
			log.Info(fmt.Sprintf("  Proxy:           %s user=%s password=%t", proxy.Host, proxy.User, proxy.HasPassword))
		} else {
			log.Info("  Proxy:           (none)")
		}
		log.Info(fmt.Sprintf("  Timeouts:        connect=%s read=%s total=%s", cfg.Timeouts.Connect, cfg.Timeouts.Read, cfg.Timeouts.Total))
		log.Info("")

		log.Info("Rate Limits:")
		names := make([]string, 0, len(cfg.Rates.Categories))
		for name := range cfg.Rates.Categories {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			log.Info(fmt.Sprintf("  %-17s %d per %s", name+":", cfg.Rates.Categories[name], cfg.Rates.Window))
		}
		log.Info(fmt.Sprintf("  Safety Margin:    %.2f", cfg.Rates.SafetyMargin))
		log.Info(fmt.Sprintf("  Penalty Factor:   %.2f", cfg.Rates.PenaltyFactor))
		log.Info(fmt.Sprintf("  Breaker:          %d failures, %s cooldown", cfg.Breaker.FailThreshold, cfg.Breaker.Cooldown))
		log.Info(fmt.Sprintf("  Global In-Flight: %d", cfg.Concurrency.Global))
		log.Info("")

		log.Info("Cycle:")
		log.Info("  Settle Wait:     " + cfg.Cycle.SettleWait.String())
		log.Info(fmt.Sprintf("  Workers:         %d", cfg.Cycle.Workers))
		log.Info(fmt.Sprintf("  Chunk Size:      %d", cfg.Cycle.ChunkSize))
		log.Info(fmt.Sprintf("  Abort On Fail:   %t", cfg.Cycle.AbortOnFirstFailure))
		log.Info("  Fallback Price:  " + cfg.Cycle.FallbackPrice + " " + cfg.Cycle.Currency)
		log.Info("")

		log.Info("Configuration:")
		log.Info("  Server:          "+fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), zap.Int("port", cfg.Server.Port))
		log.Info("  Log Level:       "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		log.Info("  DB Driver:       "+cfg.Store.Driver, zap.String("db_driver", cfg.Store.Driver))
		log.Info("  DB Location:     " + storeLocation(cfg.Store))
		log.Info(fmt.Sprintf("  Metrics Port:    %d", cfg.Metrics.Port), zap.Int("metrics_port", cfg.Metrics.Port))
		log.Info("  Config File:     "+config.DefaultConfigPath(), zap.String("config_file", config.DefaultConfigPath()))
		log.Info("")

		log.Info("=== end ===")
	},
}

func setOrUnset(value string) string {
	if strings.TrimSpace(value) == "" {
		return "(not set)"
	}
	return "(set)"
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
