package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDirReportSink_Save(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "reports")
	sink := NewDirReportSink(dir)

	path, err := sink.Save(context.Background(), "case-01J", []byte("# Report\n"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if want := filepath.Join(dir, "case-01J.md"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "# Report\n" {
		t.Errorf("content = %q", got)
	}

	// overwrite in place
	if _, err := sink.Save(context.Background(), "case-01J.md", []byte("v2")); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}
	got, _ = os.ReadFile(path)
	if string(got) != "v2" {
		t.Errorf("content after overwrite = %q", got)
	}
}

func TestDirReportSink_FlattensPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, err := NewDirReportSink(dir).Save(context.Background(), "../../etc/passwd", []byte("x"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("report escaped dir: %s", path)
	}
}

func TestDirReportSink_Errors(t *testing.T) {
	t.Parallel()

	sink := NewDirReportSink(t.TempDir())
	if _, err := sink.Save(context.Background(), "  ", []byte("x")); err == nil {
		t.Error("expected error for empty name")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sink.Save(ctx, "a", []byte("x")); err == nil {
		t.Error("expected error for canceled context")
	}
}

func TestSanitizeReportName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"case-1":         "case-1",
		"case 1.md":      "case_1",
		"../x/y":         "x_y",
		"":               "",
		"résumé":         "r_sum",
		"batch_2026-Q1 ": "batch_2026-Q1",
	}
	for in, want := range tests {
		if got := sanitizeReportName(in); got != want {
			t.Errorf("sanitizeReportName(%q) = %q, want %q", in, got, want)
		}
	}
}
