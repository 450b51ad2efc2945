package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/crucible"
)

var (
	buildMu      sync.RWMutex
	buildInfo    = AppInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
	upstreamInfo UpstreamInfo
	appIdentity  *appidentity.Identity
)

// SetVersionInfo records the build stamped into main.
func SetVersionInfo(version, commit, buildDate string) {
	buildMu.Lock()
	defer buildMu.Unlock()
	buildInfo.Version = version
	buildInfo.Commit = commit
	buildInfo.BuildDate = buildDate
}

// SetAppIdentity records the identity whose binary name /version reports.
func SetAppIdentity(id *appidentity.Identity) {
	buildMu.Lock()
	defer buildMu.Unlock()
	appIdentity = id
}

// SetUpstreamInfo records the provider endpoint the gateway impersonates.
func SetUpstreamInfo(info UpstreamInfo) {
	buildMu.Lock()
	defer buildMu.Unlock()
	upstreamInfo = info
}

// VersionResponse is the /version body.
type VersionResponse struct {
	App          AppInfo      `json:"app"`
	Upstream     UpstreamInfo `json:"upstream"`
	Dependencies DepInfo      `json:"dependencies"`
	Runtime      RuntimeInfo  `json:"runtime"`
}

// AppInfo describes the running build.
type AppInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version,omitempty"`
}

// UpstreamInfo describes the provider client.
type UpstreamInfo struct {
	BaseURL       string `json:"base_url,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
}

// DepInfo lists Fulmen library versions.
type DepInfo struct {
	Gofulmen string `json:"gofulmen"`
	Crucible string `json:"crucible"`
}

// RuntimeInfo describes the host process.
type RuntimeInfo struct {
	Platform      string `json:"platform"`
	NumCPU        int    `json:"num_cpu"`
	NumGoroutines int    `json:"num_goroutines"`
}

func binaryName() string {
	if appIdentity != nil && appIdentity.BinaryName != "" {
		return appIdentity.BinaryName
	}
	if len(os.Args) > 0 && os.Args[0] != "" {
		return filepath.Base(os.Args[0])
	}
	return "unknown"
}

// VersionHandler serves GET /version.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	deps := crucible.GetVersion()

	buildMu.RLock()
	app := buildInfo
	app.Name = binaryName()
	app.GoVersion = runtime.Version()
	up := upstreamInfo
	buildMu.RUnlock()

	writeHealthJSON(w, VersionResponse{
		App:          app,
		Upstream:     up,
		Dependencies: DepInfo{Gofulmen: deps.Gofulmen, Crucible: deps.Crucible},
		Runtime: RuntimeInfo{
			Platform:      runtime.GOOS + "/" + runtime.GOARCH,
			NumCPU:        runtime.NumCPU(),
			NumGoroutines: runtime.NumGoroutine(),
		},
	})
}

