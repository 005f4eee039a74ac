package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/cochaviz/crate/internal/readiness"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	cfg, err := Load(LoadOptions{Home: home, Environ: map[string]string{}})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StampDir != filepath.Join(home, ".crate", "stamps") {
		t.Fatalf("StampDir = %q", cfg.StampDir)
	}
	if cfg.Readiness.SettleDelay != 30*time.Second || cfg.Readiness.ConnectTimeout != 3*time.Second {
		t.Fatalf("unexpected readiness defaults %+v", cfg.Readiness)
	}
	if !slices.Equal(cfg.Readiness.Schedule, readiness.DefaultSchedule()) {
		t.Fatalf("Schedule = %v", cfg.Readiness.Schedule)
	}
	if cfg.CreateTimeout != 30*time.Minute || cfg.BuildTimeout != 220*time.Minute {
		t.Fatalf("timeouts = %v / %v", cfg.CreateTimeout, cfg.BuildTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadLayersFileThenEnvironment(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	path := filepath.Join(home, "crate.yaml")
	file := `provider: libvirt
source_url: https://git.example.com/a.git
stamp_dir: ~/state
images:
  ubuntu-22.04: jammy-cloud
readiness:
  schedule: [1s, 2s, 5s]
  settle_delay: 10s
libvirt:
  bridge: virbr0
  flavors:
    large:
      vcpus: 8
      memory_mb: 16384
`
	if err := os.WriteFile(path, []byte(file), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(LoadOptions{
		Path:     path,
		Explicit: true,
		Home:     home,
		Environ: map[string]string{
			"CRATE_SOURCE_URL":               "https://git.example.com/b.git",
			"CRATE_READINESS_SETTLE_DELAY":   "1m",
			"CRATE_SSH_AGENT_KEYS":           "~/.ssh/id_a,~/.ssh/id_b",
			"CRATE_REPOSITORY_NAME":          "repo",
			"CRATE_OPENSTACK_SECURITY_GROUP": "builders",
		},
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Provider != ProviderLibvirt {
		t.Fatalf("Provider = %q", cfg.Provider)
	}
	if cfg.SourceURL != "https://git.example.com/b.git" {
		t.Fatalf("environment should override file, SourceURL = %q", cfg.SourceURL)
	}
	if cfg.StampDir != filepath.Join(home, "state") {
		t.Fatalf("StampDir = %q, want home expanded", cfg.StampDir)
	}
	if want := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}; !slices.Equal(cfg.Readiness.Schedule, want) {
		t.Fatalf("Schedule = %v, want %v", cfg.Readiness.Schedule, want)
	}
	if cfg.Readiness.SettleDelay != time.Minute {
		t.Fatalf("SettleDelay = %v", cfg.Readiness.SettleDelay)
	}
	if want := []string{filepath.Join(home, ".ssh/id_a"), filepath.Join(home, ".ssh/id_b")}; !slices.Equal(cfg.SSH.AgentKeys, want) {
		t.Fatalf("AgentKeys = %v, want %v", cfg.SSH.AgentKeys, want)
	}
	if cfg.Repository.Name != "repo" || cfg.OpenStack.SecurityGroup != "builders" {
		t.Fatalf("nested overrides not applied: %+v %+v", cfg.Repository, cfg.OpenStack)
	}
	if cfg.Libvirt.Flavors["large"].VCPUs != 8 || cfg.Libvirt.Bridge != "virbr0" {
		t.Fatalf("libvirt settings = %+v", cfg.Libvirt)
	}
	if cfg.Image("ubuntu-22.04") != "jammy-cloud" || cfg.Image("centos-9") != "centos-9" {
		t.Fatalf("image mapping broken")
	}
	if cfg.Repository.RecordKey != "gitbuilder_host" {
		t.Fatalf("defaults not kept under nested overrides: %+v", cfg.Repository)
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	_, err := Load(LoadOptions{Path: filepath.Join(home, "nope.yaml"), Explicit: true, Home: home, Environ: map[string]string{}})
	if err == nil {
		t.Fatal("Load() error = nil for explicit missing file")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	path := filepath.Join(home, "crate.yaml")
	if err := os.WriteFile(path, []byte("provder: libvirt\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(LoadOptions{Path: path, Home: home, Environ: map[string]string{}}); err == nil {
		t.Fatal("Load() error = nil for misspelled key")
	}
}

func TestLoadCommentOnlyFile(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	path := filepath.Join(home, "crate.yaml")
	if err := os.WriteFile(path, []byte("# nothing yet\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(LoadOptions{Path: path, Home: home, Environ: map[string]string{}}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	home := t.TempDir()
	envFile := filepath.Join(home, ".env")
	if err := os.WriteFile(envFile, []byte("CRATE_NATS_URL=nats://127.0.0.1:4222\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("CRATE_NATS_URL", "")
	os.Unsetenv("CRATE_NATS_URL")

	cfg, err := Load(LoadOptions{Home: home, EnvFile: envFile})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.NATSURL != "nats://127.0.0.1:4222" {
		t.Fatalf("NATSURL = %q", cfg.NATSURL)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := Default(t.TempDir())
	cfg.Provider = "aws"
	cfg.Readiness.Schedule = []time.Duration{-time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() error = nil for bad provider and schedule")
	}
}
