package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("test-deployment")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.SkipLimit() != 3 {
		t.Fatalf("expected default skip limit 3, got %d", cfg.SkipLimit())
	}
	if !cfg.AllowNoIdea() {
		t.Fatal("default should allow 'No idea'")
	}
	if cfg.ReclaimAfter() != 0 {
		t.Fatalf("default reclaim should be disabled, got %v", cfg.ReclaimAfter())
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("my-deployment")))
	if err != nil {
		t.Fatalf("generated config does not parse: %v", err)
	}
	if cfg.Deployment.ID != "my-deployment" {
		t.Fatalf("unexpected deployment id %q", cfg.Deployment.ID)
	}
	if !cfg.HasLabel("Burial mound") || !cfg.HasPeriod("Iron Age") {
		t.Fatal("generated catalog missing expected entries")
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing deployment id",
			yaml: "deployment:\n  kind: annotation-deployment\n",
			want: "deployment.id",
		},
		{
			name: "wrong kind",
			yaml: "deployment:\n  id: x\n  kind: something-else\n",
			want: "deployment.kind",
		},
		{
			name: "no labels",
			yaml: "deployment:\n  id: x\n  kind: annotation-deployment\nannotations:\n  periods: [Roman]\n",
			want: "labels",
		},
		{
			name: "no periods",
			yaml: "deployment:\n  id: x\n  kind: annotation-deployment\nannotations:\n  labels: [Road]\n",
			want: "periods",
		},
		{
			name: "bad reclaim duration",
			yaml: "deployment:\n  id: x\n  kind: annotation-deployment\nassignment:\n  reclaim_after: soon\nannotations:\n  labels: [Road]\n  periods: [Roman]\n",
			want: "reclaim_after",
		},
		{
			name: "webhook without url",
			yaml: "deployment:\n  id: x\n  kind: annotation-deployment\nannotations:\n  labels: [Road]\n  periods: [Roman]\nwebhooks:\n  - events: [tile.completed]\n",
			want: "webhook",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "echoline.yml")
	if err := os.WriteFile(path, []byte(GenerateDefault("file-deployment")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := FromFile(path)
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	if cfg.Deployment.ID != "file-deployment" {
		t.Fatalf("unexpected deployment id %q", cfg.Deployment.ID)
	}

	if _, err := FromFile(filepath.Join(dir, "missing.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestReclaimAfterParses(t *testing.T) {
	cfg := Default("test-deployment")
	cfg.Assignment.ReclaimAfter = "90m"
	if got := cfg.ReclaimAfter(); got != 90*time.Minute {
		t.Fatalf("expected 90m, got %v", got)
	}
}
