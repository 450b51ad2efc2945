package output

import (
	"encoding/json"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/core/recovery"
)

// JSONFormatter renders results as JSON. Credential values are printed in full.
type JSONFormatter struct {
	Indent bool
}

func (f *JSONFormatter) FormatCredentials(creds []core.Credential) (string, error) {
	if creds == nil {
		creds = []core.Credential{}
	}
	return f.marshal(creds)
}

func (f *JSONFormatter) FormatKeys(keys []core.APIKey) (string, error) {
	if keys == nil {
		keys = []core.APIKey{}
	}
	return f.marshal(keys)
}

func (f *JSONFormatter) FormatStats(pool core.PoolStats, keys core.KeyStats) (string, error) {
	return f.marshal(map[string]any{"credentials": pool, "keys": keys})
}

func (f *JSONFormatter) FormatReport(report recovery.Report) (string, error) {
	return f.marshal(report)
}

func (f *JSONFormatter) marshal(v any) (string, error) {
	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
