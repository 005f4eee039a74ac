// Package config loads crate's settings. Values are layered: built-in
// defaults, then the YAML config file, then CRATE_* environment variables
// (optionally read from a .env file). Command-line flags are applied by the
// caller on top.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/crate/internal/build"
	"github.com/cochaviz/crate/internal/readiness"
)

const (
	ProviderOpenStack = "openstack"
	ProviderLibvirt   = "libvirt"

	EnvPrefix = "CRATE_"
)

// Config is the complete set of settings.
type Config struct {
	Provider   string `yaml:"provider" env:"PROVIDER"`
	StampDir   string `yaml:"stamp_dir" env:"STAMP_DIR"`
	ScriptsDir string `yaml:"scripts_dir" env:"SCRIPTS_DIR"`
	SourceURL  string `yaml:"source_url" env:"SOURCE_URL"`
	// OwnerTag marks created instances. Empty means the local address.
	OwnerTag string `yaml:"owner_tag" env:"OWNER_TAG"`

	// Images maps <distro>-<release> to an image name. Unmapped targets use
	// <distro>-<release> as the image name.
	Images         map[string]string `yaml:"images" env:"IMAGES"`
	InstanceFlavor string            `yaml:"instance_flavor" env:"INSTANCE_FLAVOR"`
	UserDataFile   string            `yaml:"user_data_file" env:"USER_DATA_FILE"`
	AuthorizedKeys []string          `yaml:"authorized_keys" env:"AUTHORIZED_KEYS"`

	CreateTimeout time.Duration `yaml:"create_timeout" env:"CREATE_TIMEOUT"`
	BuildTimeout  time.Duration `yaml:"build_timeout" env:"BUILD_TIMEOUT"`

	Repository Repository `yaml:"repository" envPrefix:"REPOSITORY_"`
	Readiness  Readiness  `yaml:"readiness" envPrefix:"READINESS_"`
	SSH        SSH        `yaml:"ssh" envPrefix:"SSH_"`
	OpenStack  OpenStack  `yaml:"openstack" envPrefix:"OPENSTACK_"`
	Libvirt    Libvirt    `yaml:"libvirt" envPrefix:"LIBVIRT_"`

	NATSURL     string `yaml:"nats_url" env:"NATS_URL"`
	MetricsFile string `yaml:"metrics_file" env:"METRICS_FILE"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat   string `yaml:"log_format" env:"LOG_FORMAT"`
}

// Repository describes the shared package repository host.
type Repository struct {
	Name   string `yaml:"name" env:"NAME"`
	Image  string `yaml:"image" env:"IMAGE"`
	Flavor string `yaml:"flavor" env:"FLAVOR"`
	// RecordPath is the file the repository address is written to.
	RecordPath string `yaml:"record_path" env:"RECORD_PATH"`
	RecordKey  string `yaml:"record_key" env:"RECORD_KEY"`
}

// Readiness tunes the boot-completion poll.
type Readiness struct {
	Schedule       []time.Duration `yaml:"schedule" env:"SCHEDULE"`
	SettleDelay    time.Duration   `yaml:"settle_delay" env:"SETTLE_DELAY"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	Marker         string          `yaml:"marker" env:"MARKER"`
	LogGlob        string          `yaml:"log_glob" env:"LOG_GLOB"`
}

// SSH configures the remote channel and the agent session.
type SSH struct {
	User         string   `yaml:"user" env:"USER"`
	IdentityFile string   `yaml:"identity_file" env:"IDENTITY_FILE"`
	Options      []string `yaml:"options" env:"OPTIONS"`
	SessionFile  string   `yaml:"session_file" env:"SESSION_FILE"`
	AgentKeys    []string `yaml:"agent_keys" env:"AGENT_KEYS"`
}

// OpenStack configures the openstack CLI backend.
type OpenStack struct {
	Binary        string `yaml:"binary" env:"BINARY"`
	KeyName       string `yaml:"key_name" env:"KEY_NAME"`
	SecurityGroup string `yaml:"security_group" env:"SECURITY_GROUP"`
	Network       string `yaml:"network" env:"NETWORK"`
	OwnerProperty string `yaml:"owner_property" env:"OWNER_PROPERTY"`
}

// Libvirt configures the local hypervisor backend.
type Libvirt struct {
	URI      string `yaml:"uri" env:"URI"`
	ImageDir string `yaml:"image_dir" env:"IMAGE_DIR"`
	RunDir   string `yaml:"run_dir" env:"RUN_DIR"`
	Network  string `yaml:"network" env:"NETWORK"`
	// Bridge is checked by preflight when set.
	Bridge  string                   `yaml:"bridge" env:"BRIDGE"`
	Arch    string                   `yaml:"arch" env:"ARCH"`
	Flavors map[string]LibvirtFlavor `yaml:"flavors"`
}

// LibvirtFlavor sizes a domain.
type LibvirtFlavor struct {
	VCPUs    int `yaml:"vcpus"`
	MemoryMB int `yaml:"memory_mb"`
}

// Default returns the built-in settings rooted at home.
func Default(home string) Config {
	crateDir := filepath.Join(home, ".crate")
	return Config{
		Provider:       ProviderOpenStack,
		StampDir:       filepath.Join(crateDir, "stamps"),
		InstanceFlavor: "m1.medium",
		CreateTimeout:  30 * time.Minute,
		BuildTimeout:   build.DefaultTimeout,
		Repository: Repository{
			Name:       "packages-repository",
			Image:      "ubuntu-22.04",
			Flavor:     "m1.small",
			RecordPath: filepath.Join(home, ".teuthology.yaml"),
			RecordKey:  "gitbuilder_host",
		},
		Readiness: Readiness{
			Schedule:       readiness.DefaultSchedule(),
			SettleDelay:    readiness.DefaultSettleDelay,
			ConnectTimeout: 3 * time.Second,
			Marker:         readiness.DefaultMarker,
			LogGlob:        readiness.DefaultLogGlob,
		},
		SSH: SSH{
			User:        "ubuntu",
			SessionFile: filepath.Join(crateDir, "ssh-agent.env"),
		},
		OpenStack: OpenStack{
			Binary:        "openstack",
			KeyName:       "crate",
			SecurityGroup: "crate",
			OwnerProperty: "ownedby",
		},
		Libvirt: Libvirt{
			URI:      "qemu:///system",
			ImageDir: "/var/lib/libvirt/images",
			RunDir:   filepath.Join(crateDir, "domains"),
			Network:  "default",
			Arch:     "x86_64",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// DefaultPath is where the config file is looked for when none is given.
func DefaultPath(home string) string {
	return filepath.Join(home, ".crate", "config.yaml")
}

// LoadOptions select the sources Load reads.
type LoadOptions struct {
	// Path of the YAML file. A missing file is an error only when Explicit.
	Path     string
	Explicit bool
	// EnvFile is loaded into the process environment before CRATE_*
	// variables are read. Existing variables are not overridden.
	EnvFile string
	// Environ replaces the process environment, for tests.
	Environ map[string]string
	Home    string
}

// Load builds a Config from defaults, the config file and the environment.
func Load(opts LoadOptions) (Config, error) {
	home := opts.Home
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		home = h
	}
	cfg := Default(home)

	path := opts.Path
	if path == "" {
		path = DefaultPath(home)
	}
	if err := cfg.mergeFile(path, opts.Explicit); err != nil {
		return Config{}, err
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}

	envOpts := env.Options{Prefix: EnvPrefix}
	if opts.Environ != nil {
		envOpts.Environment = opts.Environ
	}
	if err := env.ParseWithOptions(&cfg, envOpts); err != nil {
		return Config{}, fmt.Errorf("parse %s environment: %w", EnvPrefix, err)
	}

	cfg.expandHome(home)
	return cfg, nil
}

func (c *Config) mergeFile(path string, explicit bool) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// A file holding only comments decodes as io.EOF.
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) expandHome(home string) {
	for _, p := range []*string{
		&c.StampDir, &c.ScriptsDir, &c.UserDataFile,
		&c.Repository.RecordPath,
		&c.SSH.IdentityFile, &c.SSH.SessionFile,
		&c.Libvirt.ImageDir, &c.Libvirt.RunDir,
		&c.MetricsFile,
	} {
		*p = expand(*p, home)
	}
	for i := range c.SSH.AgentKeys {
		c.SSH.AgentKeys[i] = expand(c.SSH.AgentKeys[i], home)
	}
}

func expand(p, home string) string {
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

// Image returns the image for a <distro>-<release> pair.
func (c Config) Image(distroRelease string) string {
	if img, ok := c.Images[distroRelease]; ok && img != "" {
		return img
	}
	return distroRelease
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	switch c.Provider {
	case ProviderOpenStack, ProviderLibvirt:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q (want %s or %s)", c.Provider, ProviderOpenStack, ProviderLibvirt))
	}
	if c.StampDir == "" {
		errs = append(errs, errors.New("stamp_dir is required"))
	}
	if c.Repository.Name == "" {
		errs = append(errs, errors.New("repository.name is required"))
	}
	if c.Readiness.Marker == "" {
		errs = append(errs, errors.New("readiness.marker is required"))
	}
	for _, d := range c.Readiness.Schedule {
		if d < 0 {
			errs = append(errs, fmt.Errorf("readiness.schedule contains negative delay %v", d))
			break
		}
	}
	if c.CreateTimeout < 0 || c.BuildTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	return errors.Join(errs...)
}
