package workflow

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cochaviz/crate/internal/build"
	"github.com/cochaviz/crate/internal/cloud"
	libvirtcloud "github.com/cochaviz/crate/internal/cloud/libvirt"
	"github.com/cochaviz/crate/internal/cloud/openstack"
	"github.com/cochaviz/crate/internal/config"
	"github.com/cochaviz/crate/internal/events"
	"github.com/cochaviz/crate/internal/guard"
	"github.com/cochaviz/crate/internal/logging"
	"github.com/cochaviz/crate/internal/metrics"
	"github.com/cochaviz/crate/internal/readiness"
	"github.com/cochaviz/crate/internal/record"
	"github.com/cochaviz/crate/internal/remote"
	"github.com/cochaviz/crate/internal/scripts"
	"github.com/cochaviz/crate/internal/stamps"
)

// Options carry what the caller owns rather than configures.
type Options struct {
	Logger    *slog.Logger
	Publisher events.Publisher
	Metrics   *metrics.Recorder

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Assembly is a workflow built from configuration together with the
// resources it holds open.
type Assembly struct {
	*Workflow
	Session *remote.AgentSession
	Scripts *scripts.Set
}

// Close releases the resources held by the assembly. It does not stop the
// ssh-agent, which outlives a single command until Reset.
func (a *Assembly) Close() error {
	if a == nil || a.Scripts == nil {
		return nil
	}
	return a.Scripts.Cleanup()
}

// Assemble wires every component described by cfg.
func Assemble(cfg config.Config, opts Options) (*Assembly, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := logging.Ensure(opts.Logger)

	provider, err := NewProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	userData, err := loadUserData(cfg)
	if err != nil {
		return nil, err
	}

	agent := &remote.AgentSession{
		SessionFile: cfg.SSH.SessionFile,
		Keys:        cfg.SSH.AgentKeys,
		Logger:      logger.With("component", "ssh-agent"),
	}
	channel := &remote.SSH{
		User:           cfg.SSH.User,
		IdentityFile:   cfg.SSH.IdentityFile,
		ConnectTimeout: cfg.Readiness.ConnectTimeout,
		Options:        cfg.SSH.Options,
		Agent:          agent,
		Stdin:          opts.Stdin,
		Stdout:         opts.Stdout,
		Stderr:         opts.Stderr,
		Logger:         logger.With("component", "ssh"),
	}
	poller := &readiness.Poller{
		Channel:         channel,
		Schedule:        cfg.Readiness.Schedule,
		SettleDelay:     cfg.Readiness.SettleDelay,
		Marker:          cfg.Readiness.Marker,
		LogGlob:         cfg.Readiness.LogGlob,
		ObserveAttempts: opts.Metrics.ReadinessAttempts,
		Logger:          logger.With("component", "readiness"),
	}
	scriptSet := &scripts.Set{Dir: cfg.ScriptsDir}
	invoker := &build.Invoker{
		Channel:   channel,
		Scripts:   scriptSet,
		SourceURL: cfg.SourceURL,
		Timeout:   cfg.BuildTimeout,
		Logger:    logger.With("component", "build"),
	}

	store := stamps.New(cfg.StampDir, agent)
	store.Logger = logger.With("component", "stamps")

	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}

	wf := &Workflow{
		Provider:  provider,
		Poller:    poller,
		Invoker:   invoker,
		Stamps:    store,
		Guard:     guard.New(store, logger.With("component", "guard")),
		Record:    &record.Record{Path: cfg.Repository.RecordPath, Logger: logger.With("component", "record")},
		RecordKey: cfg.Repository.RecordKey,
		Agent:     agent,
		Events:    events.NewEmitter(publisher, logger.With("component", "events")),
		Metrics:   opts.Metrics,
		Repository: RepositorySpec{
			Name:   cfg.Repository.Name,
			Image:  cfg.Repository.Image,
			Flavor: cfg.Repository.Flavor,
		},
		InstanceFlavor: cfg.InstanceFlavor,
		ImageFor:       cfg.Image,
		OwnerTag:       cfg.OwnerTag,
		UserData:       userData,
		CreateTimeout:  cfg.CreateTimeout,
		Logger:         logger.With("component", "workflow"),
	}
	return &Assembly{Workflow: wf, Session: agent, Scripts: scriptSet}, nil
}

// NewProvider returns the compute backend selected by cfg.
func NewProvider(cfg config.Config, logger *slog.Logger) (cloud.Provider, error) {
	logger = logging.Ensure(logger)
	switch cfg.Provider {
	case config.ProviderOpenStack:
		return &openstack.Client{
			Binary:        cfg.OpenStack.Binary,
			KeyName:       cfg.OpenStack.KeyName,
			SecurityGroup: cfg.OpenStack.SecurityGroup,
			Network:       cfg.OpenStack.Network,
			OwnerProperty: cfg.OpenStack.OwnerProperty,
			Logger:        logger.With("component", "openstack"),
		}, nil
	case config.ProviderLibvirt:
		flavors := make(map[string]libvirtcloud.Flavor, len(cfg.Libvirt.Flavors))
		for name, f := range cfg.Libvirt.Flavors {
			flavors[name] = libvirtcloud.Flavor{VCPUs: f.VCPUs, MemoryMB: f.MemoryMB}
		}
		return &libvirtcloud.Provider{
			ConnectionURI: cfg.Libvirt.URI,
			ImageDir:      cfg.Libvirt.ImageDir,
			BaseDir:       cfg.Libvirt.RunDir,
			Network:       cfg.Libvirt.Network,
			Arch:          cfg.Libvirt.Arch,
			Flavors:       flavors,
			Logger:        logger.With("component", "libvirt"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func loadUserData(cfg config.Config) ([]byte, error) {
	if cfg.UserDataFile != "" {
		data, err := os.ReadFile(cfg.UserDataFile)
		if err != nil {
			return nil, fmt.Errorf("read user-data: %w", err)
		}
		if len(data) == 0 {
			return nil, errors.New("user-data file is empty")
		}
		return data, nil
	}
	return scripts.UserData(scripts.UserDataParams{
		Marker:         cfg.Readiness.Marker,
		AuthorizedKeys: cfg.AuthorizedKeys,
	})
}
