package output

import (
	"fmt"
	"strings"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/core/recovery"
)

// MarkdownFormatter renders results as markdown tables.
type MarkdownFormatter struct{}

func (f *MarkdownFormatter) FormatCredentials(creds []core.Credential) (string, error) {
	var sb strings.Builder
	sb.WriteString("## Credentials\n\n")
	sb.WriteString("| ID | Name | Value | Kind | Status | Uses |\n")
	sb.WriteString("|----|------|-------|------|--------|------|\n")

	for _, c := range creds {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s | %d |\n",
			escapeMarkdownCell(c.ID),
			escapeMarkdownCell(c.Name),
			escapeMarkdownCell(MaskValue(c.Value)),
			escapeMarkdownCell(string(c.Kind)),
			statusLabel(c),
			c.UsageCount,
		))
	}
	return sb.String(), nil
}

func (f *MarkdownFormatter) FormatKeys(keys []core.APIKey) (string, error) {
	var sb strings.Builder
	sb.WriteString("## API keys\n\n")
	sb.WriteString("| ID | Name | Key | Status | Requests |\n")
	sb.WriteString("|----|------|-----|--------|----------|\n")

	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %d |\n",
			escapeMarkdownCell(k.ID),
			escapeMarkdownCell(k.Name),
			escapeMarkdownCell(MaskValue(k.Key)),
			keyStatus(k),
			k.TotalRequests,
		))
	}
	return sb.String(), nil
}

func (f *MarkdownFormatter) FormatStats(pool core.PoolStats, keys core.KeyStats) (string, error) {
	var sb strings.Builder
	sb.WriteString("## Pool\n\n")
	sb.WriteString(fmt.Sprintf("- **Credentials**: %d (%d enabled, %d rate limited, %d available)\n",
		pool.Total, pool.Enabled, pool.RateLimited, pool.Available))
	sb.WriteString(fmt.Sprintf("- **Tiers**: %d normal, %d premium\n", pool.Normal, pool.Premium))
	sb.WriteString(fmt.Sprintf("- **API keys**: %d (%d enabled), %d requests today\n",
		keys.Total, keys.Enabled, keys.TodayRequests))
	return sb.String(), nil
}

func (f *MarkdownFormatter) FormatReport(report recovery.Report) (string, error) {
	return fmt.Sprintf("**Recovery**: probed %d, recovered %d, still limited %d, errors %d\n",
		report.Probed, report.Recovered, report.StillLimited, report.Errors), nil
}

func escapeMarkdownCell(value string) string {
	return strings.ReplaceAll(value, "|", "\\|")
}
