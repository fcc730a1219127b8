package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultSpecs(t *testing.T) {
	t.Parallel()

	specs := DefaultSpecs()
	for _, name := range []string{"research", "data_ingest", "anomaly_detector", "reconciliation", "investigation", "comms"} {
		s, ok := specs[name]
		if !ok {
			t.Errorf("missing default agent %q", name)
			continue
		}
		if s.Name != name || s.Instruction == "" || len(s.Tools) == 0 {
			t.Errorf("agent %q incomplete: %+v", name, s)
		}
	}
}

func TestLoadSpecs_OverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agents.yaml")
	data := []byte(`agents:
  - name: anomaly_detector
    model: claude-opus-test
    instruction: Score it.
    tools: [bank_api_tool]
    max_tool_rounds: 4
  - name: vendor_profiler
    instruction: Profile vendors.
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	specs, err := LoadSpecs(path)
	if err != nil {
		t.Fatalf("LoadSpecs: %v", err)
	}
	got := specs["anomaly_detector"]
	if got.Model != "claude-opus-test" || got.Instruction != "Score it." || got.MaxToolRounds != 4 {
		t.Errorf("anomaly_detector = %+v", got)
	}
	if _, ok := specs["vendor_profiler"]; !ok {
		t.Error("expected new agent vendor_profiler")
	}
	if _, ok := specs["comms"]; !ok {
		t.Error("defaults should be kept")
	}
}

func TestLoadSpecs_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad yaml", "agents: [", "decode"},
		{"no name", "agents:\n  - instruction: x\n", "name is required"},
		{"no instruction", "agents:\n  - name: a\n", "instruction is required"},
		{"negative budget", "agents:\n  - name: a\n    instruction: x\n    max_tokens: -1\n", "budgets"},
	}
	for i, tt := range tests {
		path := filepath.Join(dir, tt.name+".yaml")
		if err := os.WriteFile(path, []byte(tt.body), 0o600); err != nil {
			t.Fatal(err)
		}
		_, err := LoadSpecs(path)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("case %d (%s): err = %v, want %q", i, tt.name, err, tt.want)
		}
	}

	if _, err := LoadSpecs(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
