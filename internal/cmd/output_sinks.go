package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cursorgate/cursorgate/internal/output"
)

type outputSink struct {
	writer io.Writer
	close  func() error
	path   string
}

func outputExtension(format output.Format) string {
	switch format {
	case output.FormatJSON:
		return "json"
	case output.FormatMarkdown:
		return "md"
	default:
		return "txt"
	}
}

// addOutputFlags registers --output-format, --out and --out-dir on cmd.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json|markdown")
	cmd.Flags().String("out", "", "Write output to a file (default stdout)")
	cmd.Flags().String("out-dir", "", "Write output to a directory")
}

func resolveOutputFormat(cmd *cobra.Command) (output.Format, error) {
	value, err := cmd.Flags().GetString("output-format")
	if err != nil {
		return "", err
	}
	return output.ParseFormat(value)
}

// resolveSink opens the destination selected by --out/--out-dir. With
// --out-dir the file is named <name>.<ext>.
func resolveSink(cmd *cobra.Command, name string, format output.Format) (*outputSink, error) {
	outPath, err := cmd.Flags().GetString("out")
	if err != nil {
		return nil, err
	}
	outDir, err := cmd.Flags().GetString("out-dir")
	if err != nil {
		return nil, err
	}
	outPath = strings.TrimSpace(outPath)
	outDir = strings.TrimSpace(outDir)
	if outPath != "" && outDir != "" {
		return nil, fmt.Errorf("--out and --out-dir are mutually exclusive")
	}

	if outDir != "" {
		dir, err := ensureOutDir(outDir)
		if err != nil {
			return nil, err
		}
		outPath = filepath.Join(dir, fmt.Sprintf("%s.%s", name, outputExtension(format)))
	}
	return openSink(outPath)
}

func openSink(path string) (*outputSink, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == "-" {
		return &outputSink{writer: os.Stdout, close: func() error { return nil }, path: "-"}, nil
	}

	if err := os.MkdirAll(filepath.Dir(trimmed), 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(trimmed)
	if err != nil {
		return nil, err
	}
	return &outputSink{writer: file, close: file.Close, path: trimmed}, nil
}

func ensureOutDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if err := os.MkdirAll(clean, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return clean, nil
	}
	return abs, nil
}

// render writes a formatted value followed by a newline.
func render(w io.Writer, rendered string, err error) error {
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, rendered)
	return err
}
