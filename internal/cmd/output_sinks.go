package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marketsync/marketsync/internal/output"
)

var extensions = map[output.Format]string{
	output.FormatJSON:     "json",
	output.FormatMarkdown: "md",
	output.FormatTable:    "txt",
}

var nonFilename = regexp.MustCompile(`[^a-z0-9._-]+`)

func sanitizeFilename(value string) string {
	clean := nonFilename.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "-")
	clean = strings.Trim(clean, "-.")
	if clean == "" {
		return "output"
	}
	return clean
}

// addOutputFlags registers the shared --output-format/--out/--out-dir flags.
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

// outputPath returns the file chosen by --out or --out-dir, or "" for stdout.
func outputPath(cmd *cobra.Command, stem string, format output.Format) (string, error) {
	outPath, _ := cmd.Flags().GetString("out")
	outDir, _ := cmd.Flags().GetString("out-dir")
	outPath, outDir = strings.TrimSpace(outPath), strings.TrimSpace(outDir)

	switch {
	case outPath != "" && outDir != "":
		return "", fmt.Errorf("--out and --out-dir are mutually exclusive")
	case outPath == "-":
		return "", nil
	case outDir != "":
		ext, ok := extensions[format]
		if !ok {
			ext = "txt"
		}
		return filepath.Join(outDir, sanitizeFilename(stem)+"."+ext), nil
	default:
		return outPath, nil
	}
}

// writeRendered sends rendered output to stdout or the file picked by the
// output flags, always ending with a newline.
func writeRendered(cmd *cobra.Command, stem string, format output.Format, rendered string) error {
	path, err := outputPath(cmd, stem, format)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteString(rendered)
	if !strings.HasSuffix(rendered, "\n") {
		buf.WriteByte('\n')
	}

	if path == "" {
		_, err = io.Copy(cmd.OutOrStdout(), &buf)
		return err
	}
	// #nosec G301 -- report directories are shared with other tooling
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	// #nosec G306 -- rendered reports carry no secrets
	return os.WriteFile(path, buf.Bytes(), 0644)
}
