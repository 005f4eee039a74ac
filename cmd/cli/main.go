package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cochaviz/crate/internal/config"
	"github.com/cochaviz/crate/internal/events"
	"github.com/cochaviz/crate/internal/logging"
	"github.com/cochaviz/crate/internal/metrics"
	"github.com/cochaviz/crate/internal/models"
	"github.com/cochaviz/crate/internal/setup"
	"github.com/cochaviz/crate/internal/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp()
	root := newRootCommand(a)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		a.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// app holds what every command shares: the logger and the loaded settings.
type app struct {
	levelVar slog.LevelVar
	logger   *slog.Logger
	cfg      config.Config

	configPath string
	envFile    string
	logLevel   string
	logFormat  string
	provider   string
	stampDir   string
}

func newApp() *app {
	a := &app{}
	a.levelVar.Set(slog.LevelInfo)
	a.logger = logging.New(logging.FormatText, os.Stderr, &a.levelVar)
	slog.SetDefault(a.logger)
	return a
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "crate",
		Short:         "Build packages on ephemeral cloud agents backed by a shared package repository",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to the config file (default ~/.crate/config.yaml)")
	flags.StringVar(&a.envFile, "env-file", ".env", "Optional file of CRATE_* variables loaded before the environment is read")
	flags.StringVar(&a.logLevel, "log-level", "", "Set log verbosity (debug, info, warning, error)")
	flags.StringVar(&a.logFormat, "log-format", "", "Set log format (text, json)")
	flags.StringVar(&a.provider, "provider", "", "Compute backend (openstack, libvirt)")
	flags.StringVar(&a.stampDir, "stamp-dir", "", "Directory recording completed steps")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.load(cmd)
	}

	root.AddCommand(
		newBuildCommand(a),
		newRepoCommand(a),
		newStatusCommand(a),
		newResetCommand(a),
		newAgentCommand(a),
		newPreflightCommand(a),
	)
	return root
}

// load layers the config file, the environment and the global flags, then
// reconfigures logging to match.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(config.LoadOptions{
		Path:     a.configPath,
		Explicit: cmd.Flags().Changed("config"),
		EnvFile:  a.envFile,
	})
	if err != nil {
		return err
	}
	if a.provider != "" {
		cfg.Provider = a.provider
	}
	if a.stampDir != "" {
		cfg.StampDir = a.stampDir
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		cfg.LogFormat = a.logFormat
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	a.levelVar.Set(level)
	a.logger = logging.New(format, os.Stderr, &a.levelVar)
	slog.SetDefault(a.logger)
	setup.SetLogger(a.logger)

	if cfg.OwnerTag == "" {
		cfg.OwnerTag = ownerTag(a.logger)
	}
	a.cfg = cfg
	return nil
}

// ownerTag falls back to the hostname when the host has no usable address.
func ownerTag(logger *slog.Logger) string {
	address, err := setup.LocalAddress()
	if err == nil {
		return address
	}
	logger.Debug("no local address for owner tag", "error", err)
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// withWorkflow assembles the workflow for one command, runs fn and writes
// the metrics file whatever the outcome.
func (a *app) withWorkflow(cmd *cobra.Command, fn func(ctx context.Context, wf *workflow.Assembly) error) error {
	publisher := a.publisher()
	defer func() {
		if err := publisher.Close(); err != nil {
			a.logger.Warn("close event publisher", "error", err)
		}
	}()

	rec := metrics.New()
	wf, err := workflow.Assemble(a.cfg, workflow.Options{
		Logger:    a.logger,
		Publisher: publisher,
		Metrics:   rec,
		Stdin:     cmd.InOrStdin(),
		Stdout:    cmd.OutOrStdout(),
		Stderr:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := wf.Close(); err != nil {
			a.logger.Warn("remove temporary scripts", "error", err)
		}
	}()

	runErr := fn(cmd.Context(), wf)
	if err := rec.WriteTextfile(a.cfg.MetricsFile); err != nil {
		a.logger.Warn("write metrics file", "path", a.cfg.MetricsFile, "error", err)
	}
	return runErr
}

// publisher connects to NATS when configured. Events are best effort, so a
// connection failure only costs the events.
func (a *app) publisher() events.Publisher {
	if a.cfg.NATSURL == "" {
		return events.Nop{}
	}
	p, err := events.NewNATSPublisher(a.cfg.NATSURL, a.logger.With("component", "nats"))
	if err != nil {
		a.logger.Warn("events disabled", "error", err)
		return events.Nop{}
	}
	return p
}

func (a *app) verifyHost(logger *slog.Logger) error {
	if err := setup.Verify(setup.RequirementsFor(a.cfg)); err != nil {
		logger.Error("preflight failed", "error", err)
		logger.Info("run 'crate preflight' after fixing the host")
		return err
	}
	return nil
}

func newBuildCommand(a *app) *cobra.Command {
	var (
		target    models.BuildTarget
		pkgType   string
		sourceURL string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Args:  cobra.NoArgs,
		Short: "Build one package on a fresh agent unless it was already built",
		RunE: func(cmd *cobra.Command, args []string) error {
			target.PackageType = models.PackageType(strings.ToLower(strings.TrimSpace(pkgType)))
			arch, err := models.ParseArch(target.Arch)
			if err != nil {
				return err
			}
			target.Arch = string(arch)
			if err := target.Validate(); err != nil {
				return err
			}
			if sourceURL != "" {
				a.cfg.SourceURL = sourceURL
			}
			if a.cfg.SourceURL == "" {
				return errors.New("source URL is required (--source-url or source_url in the config)")
			}

			cmdLogger := a.logger.With("command", "build", "target", target.String())
			if err := a.verifyHost(cmdLogger); err != nil {
				return err
			}

			return a.withWorkflow(cmd, func(ctx context.Context, wf *workflow.Assembly) error {
				result, err := wf.Build(ctx, target)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if result.Cached {
					fmt.Fprintf(out, "%s\talready built\n", target)
					return nil
				}
				fmt.Fprintf(out, "%s\tbuilt on %s (%s)\n", target, result.Instance, result.Duration.Round(time.Second))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&pkgType, "type", "", "Package type (deb, rpm)")
	cmd.Flags().StringVar(&target.Distro, "distro", "", "Distribution, e.g. ubuntu")
	cmd.Flags().StringVar(&target.Release, "release", "", "Distribution release, e.g. 22.04")
	cmd.Flags().StringVar(&target.Arch, "arch", "x86_64", "Architecture to build for")
	cmd.Flags().StringVar(&target.Flavor, "flavor", "default", "Build flavor passed to the build script")
	cmd.Flags().StringVar(&target.Revision, "revision", "", "Source revision to build")
	cmd.Flags().StringVar(&sourceURL, "source-url", "", "Repository the agent clones sources from")
	for _, name := range []string{"type", "distro", "release", "revision"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func newRepoCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage the shared package repository",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Args:  cobra.NoArgs,
		Short: "Create and configure the package repository unless it exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "repo.ensure")
			if err := a.verifyHost(cmdLogger); err != nil {
				return err
			}
			return a.withWorkflow(cmd, func(ctx context.Context, wf *workflow.Assembly) error {
				host, err := wf.EnsureRepository(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", host.Name, host.Address)
				return nil
			})
		},
	})
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Args:  cobra.NoArgs,
		Short: "List completed provisioning and build steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorkflow(cmd, func(ctx context.Context, wf *workflow.Assembly) error {
				keys, err := wf.Status()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(keys) == 0 {
					fmt.Fprintln(out, "nothing recorded")
					return nil
				}
				for _, key := range keys {
					fmt.Fprintln(out, key)
				}
				return nil
			})
		},
	}
}

func newResetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Args:  cobra.NoArgs,
		Short: "Stop the ssh-agent and forget every completed step",
		Long: "Stops the ssh-agent started by crate, removes its session file and deletes the stamp directory.\n" +
			"Instances that are still running, including the package repository, are left alone.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorkflow(cmd, func(ctx context.Context, wf *workflow.Assembly) error {
				if err := wf.Reset(ctx); err != nil {
					return err
				}
				a.logger.Info("state cleared", "stamp_dir", a.cfg.StampDir)
				return nil
			})
		},
	}
}

func newAgentCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage the ssh-agent used for remote commands",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Args:  cobra.NoArgs,
			Short: "Start or reuse the ssh-agent and print its environment",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withWorkflow(cmd, func(ctx context.Context, wf *workflow.Assembly) error {
					if err := wf.Session.Start(ctx); err != nil {
						return err
					}
					for _, kv := range wf.Session.Env() {
						fmt.Fprintf(cmd.OutOrStdout(), "export %s\n", kv)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "stop",
			Args:  cobra.NoArgs,
			Short: "Stop the ssh-agent and remove its session file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withWorkflow(cmd, func(ctx context.Context, wf *workflow.Assembly) error {
					return wf.Session.Stop(ctx)
				})
			},
		},
	)
	return cmd
}

func newPreflightCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Args:  cobra.NoArgs,
		Short: "Check that this host has what the configured provider needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "preflight", "provider", a.cfg.Provider)
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			if err := a.verifyHost(cmdLogger); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
