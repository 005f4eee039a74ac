// Package workflow drives a package build from an empty stamp directory to a
// recorded result: it makes sure the shared repository host exists, boots a
// throwaway build agent, runs the build there and always tears the agent
// down again.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/crate/internal/build"
	"github.com/cochaviz/crate/internal/cloud"
	"github.com/cochaviz/crate/internal/events"
	"github.com/cochaviz/crate/internal/guard"
	"github.com/cochaviz/crate/internal/metrics"
	"github.com/cochaviz/crate/internal/models"
	"github.com/cochaviz/crate/internal/readiness"
	"github.com/cochaviz/crate/internal/record"
	"github.com/cochaviz/crate/internal/scripts"
	"github.com/cochaviz/crate/internal/stamps"
)

// AgentStarter makes sure credentials are available to remote commands.
type AgentStarter interface {
	Start(ctx context.Context) error
}

// RepositorySpec sizes the shared repository host.
type RepositorySpec struct {
	Name   string
	Image  string
	Flavor string
}

// Workflow ties the provisioning components together.
type Workflow struct {
	Provider cloud.Provider
	Poller   *readiness.Poller
	Invoker  *build.Invoker
	Stamps   *stamps.Store
	Guard    *guard.Guard
	Record   *record.Record
	// RecordKey is the record entry holding the repository address.
	RecordKey string
	Agent     AgentStarter
	Events    *events.Emitter
	Metrics   *metrics.Recorder

	Repository     RepositorySpec
	InstanceFlavor string
	// ImageFor maps <distro>-<release> to an image. Nil uses the pair as is.
	ImageFor      func(distroRelease string) string
	OwnerTag      string
	UserData      []byte
	CreateTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Result describes one Build call.
type Result struct {
	Target   models.BuildTarget
	Cached   bool
	Instance string
	Address  string
	Duration time.Duration
}

func (w *Workflow) logger() *slog.Logger {
	if w != nil && w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *Workflow) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Workflow) recordKey() string {
	if w.RecordKey != "" {
		return w.RecordKey
	}
	return record.DefaultKey
}

// EnsureRepository returns the shared repository host, creating and
// configuring it if no earlier run has. Concurrent callers, in this process
// or others sharing the stamp directory, block until the first one finishes.
func (w *Workflow) EnsureRepository(ctx context.Context) (models.RepositoryHost, error) {
	if w.Repository.Name == "" {
		return models.RepositoryHost{}, errors.New("repository name is not configured")
	}
	host := models.RepositoryHost{Name: w.Repository.Name}

	ran, err := w.Guard.Do(ctx, models.RepositoryStampKey, func(ctx context.Context) error {
		address, err := w.provisionRepository(ctx)
		host.Address = address
		return err
	})
	if err != nil {
		w.Events.Emit(ctx, events.Event{Kind: events.KindRepository, Instance: host.Name, Phase: events.PhaseFailed, Error: err.Error()})
		return models.RepositoryHost{}, fmt.Errorf("ensure repository %s: %w", host.Name, err)
	}
	if ran {
		return host, nil
	}

	address, err := w.repositoryAddress(ctx)
	if err != nil {
		return models.RepositoryHost{}, fmt.Errorf("look up repository %s: %w", host.Name, err)
	}
	host.Address = address
	w.Events.Emit(ctx, events.Event{Kind: events.KindRepository, Instance: host.Name, Address: address, Phase: events.PhaseCached})
	return host, nil
}

// provisionRepository runs under the repository lock. A half-configured
// host is destroyed so the next attempt starts from scratch.
func (w *Workflow) provisionRepository(ctx context.Context) (address string, err error) {
	name := w.Repository.Name
	logger := w.logger().With("instance", name)
	emit := func(phase events.Phase, address string) {
		w.Events.Emit(ctx, events.Event{Kind: events.KindRepository, Instance: name, Address: address, Phase: phase})
	}

	logger.Info("creating package repository")
	emit(events.PhaseStarted, "")
	if err := w.startAgent(ctx); err != nil {
		return "", err
	}

	created := false
	defer func() {
		if err != nil && created {
			w.destroy(name, events.KindRepository, "")
		}
	}()

	spec := models.InstanceSpec{
		Name:     name,
		Image:    w.Repository.Image,
		Flavor:   w.Repository.Flavor,
		OwnerTag: w.OwnerTag,
		UserData: w.UserData,
	}
	if err := w.create(ctx, spec); err != nil {
		return "", err
	}
	created = true
	emit(events.PhaseCreated, "")

	address, err = w.waitReady(ctx, name)
	if err != nil {
		return "", err
	}
	emit(events.PhaseReady, address)

	if err := w.Invoker.RunScript(ctx, address, scripts.SetupRepository, nil); err != nil {
		return "", fmt.Errorf("configure repository: %w", err)
	}
	if err := w.Record.Set(w.recordKey(), address); err != nil {
		return "", err
	}

	logger.Info("package repository ready", "address", address)
	emit(events.PhaseSucceeded, address)
	return address, nil
}

// repositoryAddress reads the address recorded by an earlier run, asking the
// provider when the record has lost it.
func (w *Workflow) repositoryAddress(ctx context.Context) (string, error) {
	key := w.recordKey()
	address, ok, err := w.Record.Get(key)
	if err != nil {
		return "", err
	}
	if ok && address != "" {
		return address, nil
	}

	logger := w.logger().With("instance", w.Repository.Name)
	logger.Warn("repository address missing from record, asking provider", "key", key, "record", w.Record.Path)
	address, err = w.Provider.PrimaryAddress(ctx, w.Repository.Name)
	if err != nil {
		return "", err
	}
	if err := w.Record.Set(key, address); err != nil {
		logger.Warn("could not restore repository address", "error", err)
	}
	return address, nil
}

// Build produces the package for target unless an earlier run already did.
// The build agent is destroyed on every path out, and the target is only
// stamped when the build succeeded.
func (w *Workflow) Build(ctx context.Context, target models.BuildTarget) (Result, error) {
	if err := target.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid target: %w", err)
	}
	result := Result{Target: target, Instance: target.InstanceName()}
	logger := w.logger().With("target", target.String())
	key := target.StampKey()

	done, err := w.Stamps.Exists(key)
	if err != nil {
		return result, err
	}
	if done {
		logger.Info("already built, skipping")
		result.Cached = true
		w.Metrics.Build(metrics.ResultCached, 0)
		w.emitBuild(ctx, target, result, events.PhaseCached, nil)
		return result, nil
	}

	start := w.now()
	err = w.build(ctx, target, &result, logger)
	result.Duration = w.now().Sub(start)
	if err == nil {
		err = w.Stamps.Mark(key)
	}
	if err != nil {
		w.Metrics.Build(metrics.ResultFailed, result.Duration)
		w.emitBuild(ctx, target, result, events.PhaseFailed, err)
		return result, fmt.Errorf("build %s: %w", target, err)
	}

	logger.Info("build succeeded", "duration", result.Duration.Round(time.Second))
	w.Metrics.Build(metrics.ResultSucceeded, result.Duration)
	w.emitBuild(ctx, target, result, events.PhaseSucceeded, nil)
	return result, nil
}

func (w *Workflow) build(ctx context.Context, target models.BuildTarget, result *Result, logger *slog.Logger) error {
	repo, err := w.EnsureRepository(ctx)
	if err != nil {
		return err
	}
	if err := w.startAgent(ctx); err != nil {
		return err
	}

	name := result.Instance
	logger = logger.With("instance", name)
	w.emitBuild(ctx, target, *result, events.PhaseStarted, nil)

	// Registered before Create so an instance left behind by a create that
	// failed halfway is removed too.
	defer w.destroy(name, events.KindBuild, target.String())

	spec := models.InstanceSpec{
		Name:     name,
		Image:    w.image(target.DistroRelease()),
		Flavor:   w.InstanceFlavor,
		OwnerTag: w.OwnerTag,
		UserData: w.UserData,
	}
	logger.Info("creating build agent", "image", spec.Image, "flavor", spec.Flavor)
	if err := w.create(ctx, spec); err != nil {
		return err
	}
	w.emitBuild(ctx, target, *result, events.PhaseCreated, nil)

	address, err := w.waitReady(ctx, name)
	if err != nil {
		return err
	}
	result.Address = address
	w.emitBuild(ctx, target, *result, events.PhaseReady, nil)

	return w.Invoker.Run(ctx, address, target, repo.Address)
}

func (w *Workflow) create(ctx context.Context, spec models.InstanceSpec) error {
	if w.CreateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.CreateTimeout)
		defer cancel()
	}
	if _, err := w.Provider.Create(ctx, spec); err != nil {
		return fmt.Errorf("create instance %s: %w", spec.Name, err)
	}
	return nil
}

// waitReady settles, confirms the instance is running, resolves its address
// and polls it until cloud-init is done.
func (w *Workflow) waitReady(ctx context.Context, name string) (string, error) {
	if err := w.Poller.Settle(ctx); err != nil {
		return "", err
	}
	status, err := w.Provider.Status(ctx, name)
	if err != nil {
		return "", fmt.Errorf("status of %s: %w", name, err)
	}
	if !cloud.IsActive(status) {
		return "", fmt.Errorf("%w: %s is %s", cloud.ErrInstanceNotActive, name, status)
	}
	address, err := w.Provider.PrimaryAddress(ctx, name)
	if err != nil {
		return "", fmt.Errorf("address of %s: %w", name, err)
	}
	if err := w.Poller.Wait(ctx, address); err != nil {
		return "", err
	}
	return address, nil
}

// destroy runs on the way out of a failed or finished attempt. It uses its
// own context so an interrupted run still cleans up.
func (w *Workflow) destroy(name string, kind events.Kind, target string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	logger := w.logger().With("instance", name)
	err := w.Provider.Destroy(ctx, name)
	switch {
	case err == nil:
		logger.Info("instance destroyed")
	case errors.Is(err, cloud.ErrInstanceNotFound):
		logger.Debug("instance already gone")
		return
	default:
		logger.Warn("destroy instance failed, remove it by hand", "error", err)
		w.Metrics.DestroyFailed()
		w.Events.Emit(ctx, events.Event{Kind: kind, Target: target, Instance: name, Phase: events.PhaseFailed, Error: err.Error()})
		return
	}
	w.Events.Emit(ctx, events.Event{Kind: kind, Target: target, Instance: name, Phase: events.PhaseDestroyed})
}

func (w *Workflow) startAgent(ctx context.Context) error {
	if w.Agent == nil {
		return nil
	}
	if err := w.Agent.Start(ctx); err != nil {
		return fmt.Errorf("prepare ssh credentials: %w", err)
	}
	return nil
}

func (w *Workflow) image(distroRelease string) string {
	if w.ImageFor != nil {
		return w.ImageFor(distroRelease)
	}
	return distroRelease
}

func (w *Workflow) emitBuild(ctx context.Context, target models.BuildTarget, result Result, phase events.Phase, err error) {
	e := events.Event{
		Kind:     events.KindBuild,
		Target:   target.String(),
		Instance: result.Instance,
		Address:  result.Address,
		Phase:    phase,
	}
	if err != nil {
		e.Error = err.Error()
	}
	w.Events.Emit(ctx, e)
}

// Reset stops the ssh-agent helper and forgets every completed step. It
// does not touch instances that are still running.
func (w *Workflow) Reset(ctx context.Context) error {
	if err := w.Stamps.Clear(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Status lists the completed steps.
func (w *Workflow) Status() ([]string, error) {
	return w.Stamps.List()
}
