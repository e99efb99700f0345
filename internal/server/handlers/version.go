package handlers

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"

	"github.com/marketsync/marketsync/internal/appid"
)

type buildInfo struct {
	mu        sync.RWMutex
	version   string
	commit    string
	buildDate string
	started   time.Time
}

var build = &buildInfo{version: "dev", commit: "unknown", buildDate: "unknown", started: time.Now()}

// SetVersionInfo records the ldflags-injected build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	build.mu.Lock()
	defer build.mu.Unlock()
	build.version = version
	build.commit = commit
	build.buildDate = buildDate
}

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	App          AppInfo     `json:"app"`
	Dependencies DepInfo     `json:"dependencies"`
	Runtime      RuntimeInfo `json:"runtime"`
}

type AppInfo struct {
	Name      string `json:"name"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

type DepInfo struct {
	Gofulmen string `json:"gofulmen"`
	Crucible string `json:"crucible"`
}

type RuntimeInfo struct {
	GoVersion     string  `json:"go_version"`
	Platform      string  `json:"platform"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// VersionHandler reports build metadata and process uptime.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	deps := crucible.GetVersion()

	build.mu.RLock()
	app := AppInfo{
		Name:      appid.BinaryName,
		Service:   appid.ServiceName,
		Version:   build.version,
		Commit:    build.commit,
		BuildDate: build.buildDate,
	}
	started := build.started
	build.mu.RUnlock()

	writeJSON(w, http.StatusOK, VersionResponse{
		App:          app,
		Dependencies: DepInfo{Gofulmen: deps.Gofulmen, Crucible: deps.Crucible},
		Runtime: RuntimeInfo{
			GoVersion:     runtime.Version(),
			Platform:      runtime.GOOS + "/" + runtime.GOARCH,
			UptimeSeconds: time.Since(started).Round(time.Millisecond).Seconds(),
		},
	})
}
