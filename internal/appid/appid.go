// Package appid resolves the application identity (binary name, env prefix,
// config name) from .fulmen/app.yaml or the copy embedded in the binary.
package appid

import (
	"context"
	"strings"

	"github.com/fulmenhq/gofulmen/appidentity"

	appidentityassets "github.com/cursorgate/cursorgate/internal/assets/appidentity"
)

// Fallback names used when no identity can be resolved.
const (
	DefaultBinaryName = "cursorgate"
	DefaultEnvPrefix  = "CURSORGATE_"
)

func init() {
	// Explicit identity overrides (FULMEN_APP_IDENTITY_PATH) stay authoritative;
	// the embedded copy only covers standalone binaries.
	_ = appidentity.RegisterEmbeddedIdentityYAML(appidentityassets.YAML)
}

// Get returns the process-wide identity.
func Get(ctx context.Context) (*appidentity.Identity, error) {
	return appidentity.Get(ctx)
}

// EnvPrefix returns the identity's env prefix with a trailing underscore.
func EnvPrefix(identity *appidentity.Identity) string {
	prefix := DefaultEnvPrefix
	if identity != nil && strings.TrimSpace(identity.EnvPrefix) != "" {
		prefix = strings.TrimSpace(identity.EnvPrefix)
	}
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return prefix
}
