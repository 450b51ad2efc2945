// Package appidentityassets embeds the application identity so a binary
// copied away from the repository still knows its name and env prefix.
package appidentityassets

import _ "embed"

// YAML is the identity document registered with gofulmen at startup.
//
//go:embed app.yaml
var YAML []byte
