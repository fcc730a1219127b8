package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirReportSink writes case reports as Markdown files under a directory.
type DirReportSink struct {
	dir string
}

// NewDirReportSink returns a sink writing into dir. The directory is created
// on first save.
func NewDirReportSink(dir string) *DirReportSink {
	return &DirReportSink{dir: dir}
}

// Save writes markdown to <dir>/<name>.md and returns the file path. Any path
// components in name are flattened.
func (s *DirReportSink) Save(ctx context.Context, name string, markdown []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	base := sanitizeReportName(name)
	if base == "" {
		return "", fmt.Errorf("report name is required")
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	path := filepath.Join(s.dir, base+".md")
	tmp, err := os.CreateTemp(s.dir, "."+base+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create report: %w", err)
	}
	if _, err := tmp.Write(markdown); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("rename report: %w", err)
	}
	return path, nil
}

func sanitizeReportName(name string) string {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".md")
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_.")
}
