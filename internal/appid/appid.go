// Package appid holds the names marketsync uses for config discovery,
// data directories, and environment variables.
package appid

const (
	// BinaryName is the CLI executable name.
	BinaryName = "marketsync"

	// ConfigName is the XDG directory name for config and data.
	ConfigName = "marketsync"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "MARKETSYNC_"

	// ServiceName tags telemetry and structured server logs.
	ServiceName = "marketsync"
)
