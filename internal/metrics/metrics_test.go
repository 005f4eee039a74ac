package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteTextfile(t *testing.T) {
	t.Parallel()

	rec := New()
	rec.Build(ResultSucceeded, 42*time.Minute)
	rec.Build(ResultCached, 0)
	rec.Build(ResultCached, 0)
	rec.ReadinessAttempts(7)
	rec.DestroyFailed()

	path := filepath.Join(t.TempDir(), "textfile", "crate.prom")
	if err := rec.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		`crate_builds_total{result="succeeded"} 1`,
		`crate_builds_total{result="cached"} 2`,
		"crate_build_duration_seconds_count 1",
		"crate_readiness_attempts_count 1",
		"crate_instance_destroy_failures_total 1",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics missing %q:\n%s", want, text)
		}
	}
}

func TestWriteTextfileRequiresPromExtension(t *testing.T) {
	t.Parallel()

	if err := New().WriteTextfile(filepath.Join(t.TempDir(), "crate.txt")); err == nil {
		t.Fatal("WriteTextfile() error = nil for non .prom file")
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	t.Parallel()

	var rec *Recorder
	rec.Build(ResultFailed, time.Second)
	rec.ReadinessAttempts(1)
	rec.DestroyFailed()
	if err := rec.WriteTextfile("/nonexistent/x.prom"); err != nil {
		t.Fatalf("WriteTextfile() on nil recorder error = %v", err)
	}
}
