package output

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/core/recovery"
)

// TableFormatter renders results as an ASCII table.
type TableFormatter struct{}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	return t
}

// FormatCredentials renders one row per credential with masked values.
func (f *TableFormatter) FormatCredentials(creds []core.Credential) (string, error) {
	t := newTable()
	t.AppendHeader(table.Row{"ID", "Name", "Value", "Kind", "Status", "Uses", "Last Used", "Notes"})

	usable := 0
	for _, c := range creds {
		if c.Usable() {
			usable++
		}
		t.AppendRow(table.Row{
			c.ID,
			c.Name,
			MaskValue(c.Value),
			string(c.Kind),
			statusLabel(c),
			c.UsageCount,
			formatTime(c.LastUsedAt),
			credentialNotes(c),
		})
	}

	t.AppendFooter(table.Row{"", "", "", "", fmt.Sprintf("%d/%d usable", usable, len(creds)), "", "", ""})
	return t.Render(), nil
}

// FormatKeys renders client API keys. Secrets are masked.
func (f *TableFormatter) FormatKeys(keys []core.APIKey) (string, error) {
	t := newTable()
	t.AppendHeader(table.Row{"ID", "Name", "Key", "Status", "Requests", "Last Used", "Created"})

	for _, k := range keys {
		t.AppendRow(table.Row{
			k.ID,
			k.Name,
			MaskValue(k.Key),
			keyStatus(k),
			k.TotalRequests,
			formatTime(k.LastUsedAt),
			formatTime(&k.CreatedAt),
		})
	}
	return t.Render(), nil
}

func (f *TableFormatter) FormatStats(pool core.PoolStats, keys core.KeyStats) (string, error) {
	t := newTable()
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"credentials", pool.Total},
		{"enabled", pool.Enabled},
		{"rate limited", pool.RateLimited},
		{"available", pool.Available},
		{"normal", pool.Normal},
		{"premium", pool.Premium},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"api keys", keys.Total},
		{"enabled keys", keys.Enabled},
		{"requests (total)", keys.TotalRequests},
		{"requests (today)", keys.TodayRequests},
	})
	return t.Render(), nil
}

func (f *TableFormatter) FormatReport(report recovery.Report) (string, error) {
	t := newTable()
	t.AppendHeader(table.Row{"Swept", "Probed", "Recovered", "Still Limited", "Errors"})
	t.AppendRow(table.Row{report.Swept, report.Probed, report.Recovered, report.StillLimited, report.Errors})
	return t.Render(), nil
}
