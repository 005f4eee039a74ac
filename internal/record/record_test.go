package record

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cochaviz/crate/internal/logging"
)

func TestSetCreatesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "home", ".teuthology.yaml")
	rec := &Record{Path: path, Logger: logging.Discard()}

	if err := rec.Set(DefaultKey, "10.0.0.1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if got := string(data); got != "gitbuilder_host: 10.0.0.1\n" {
		t.Fatalf("record = %q", got)
	}

	got, ok, err := rec.Get(DefaultKey)
	if err != nil || !ok || got != "10.0.0.1" {
		t.Fatalf("Get() = %q, %v, %v", got, ok, err)
	}
}

func TestSetPreservesOtherKeysAndComments(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "record.yaml")
	original := "# managed by hand\nlock_server: http://locks.example.com\ngitbuilder_host: 10.0.0.1 # old\nqueue_port: 11300\n"
	if err := os.WriteFile(path, []byte(original), 0o600); err != nil {
		t.Fatalf("write record: %v", err)
	}

	rec := &Record{Path: path, Logger: logging.Discard()}
	if err := rec.Set(DefaultKey, "10.0.0.2"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		"# managed by hand",
		"lock_server: http://locks.example.com",
		"gitbuilder_host: 10.0.0.2",
		"queue_port: 11300",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("record missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "10.0.0.1") {
		t.Fatalf("old value still present:\n%s", text)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat record: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("record mode = %v, want 0600", info.Mode().Perm())
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	rec := &Record{Path: filepath.Join(t.TempDir(), "absent.yaml")}
	_, ok, err := rec.Get(DefaultKey)
	if err != nil || ok {
		t.Fatalf("Get() on missing file = %v, %v", ok, err)
	}
}

func TestSetRejectsNonMapping(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "list.yaml")
	if err := os.WriteFile(path, []byte("- a\n- b\n"), 0o644); err != nil {
		t.Fatalf("write record: %v", err)
	}
	rec := &Record{Path: path, Logger: logging.Discard()}
	if err := rec.Set(DefaultKey, "10.0.0.1"); err == nil {
		t.Fatal("Set() error = nil for a sequence document")
	}
}
