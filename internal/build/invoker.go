// Package build copies build scripts to a provisioned agent and runs them.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/cochaviz/crate/internal/models"
	"github.com/cochaviz/crate/internal/remote"
)

const (
	DefaultTimeout = 220 * time.Minute
	CommonScript   = "common.sh"
)

// ScriptSource resolves script names to local files.
type ScriptSource interface {
	Paths(names ...string) ([]string, error)
}

// Invoker runs package builds on remote agents.
type Invoker struct {
	Channel remote.Channel
	Scripts ScriptSource
	// SupportScripts are copied next to the build script. Defaults to
	// common.sh.
	SupportScripts []string
	SourceURL      string
	Timeout        time.Duration
	Logger         *slog.Logger
}

// BuildError reports which stage of a remote build failed.
type BuildError struct {
	Stage   string
	Address string
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Stage, e.Address, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

func (i *Invoker) logger() *slog.Logger {
	if i != nil && i.Logger != nil {
		return i.Logger
	}
	return slog.Default()
}

// Command returns the remote argv that builds target.
func (i *Invoker) Command(target models.BuildTarget, repositoryAddress string) []string {
	return []string{
		"bash", "./" + target.ScriptName(),
		repositoryAddress,
		target.DistroRelease(),
		i.SourceURL,
		target.Revision,
		target.Flavor,
		target.Arch,
	}
}

// Run copies the build scripts for target to address and executes the build
// with the remote process attached to the local terminal.
func (i *Invoker) Run(ctx context.Context, address string, target models.BuildTarget, repositoryAddress string) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if repositoryAddress == "" {
		return errors.New("repository address is required")
	}
	if i.SourceURL == "" {
		return errors.New("source URL is not configured")
	}

	logger := i.logger().With("target", target.String(), "address", address)
	logger.Info("starting remote build", "timeout", i.timeout())

	start := time.Now()
	err := i.RunScript(ctx, address, target.ScriptName(), i.supportScripts(), i.Command(target, repositoryAddress)[2:]...)
	if err != nil {
		return err
	}
	logger.Info("remote build finished", "duration", time.Since(start).Round(time.Second))
	return nil
}

// RunScript copies script and its support files to address and runs
// `bash ./<script> args...` there, bounded by the invoker timeout.
func (i *Invoker) RunScript(ctx context.Context, address, script string, support []string, args ...string) error {
	if i.Channel == nil || i.Scripts == nil {
		return errors.New("build invoker is not configured")
	}

	paths, err := i.Scripts.Paths(append([]string{script}, support...)...)
	if err != nil {
		return &BuildError{Stage: "resolve scripts", Address: address, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout())
	defer cancel()

	if err := i.Channel.Copy(ctx, address, paths...); err != nil {
		return &BuildError{Stage: "copy scripts", Address: address, Err: contextCause(ctx, err)}
	}

	argv := append([]string{"bash", "./" + filepath.Base(paths[0])}, args...)
	if err := i.Channel.Interactive(ctx, address, argv...); err != nil {
		return &BuildError{Stage: "run " + script, Address: address, Err: contextCause(ctx, err)}
	}
	return nil
}

func (i *Invoker) supportScripts() []string {
	if i.SupportScripts != nil {
		return i.SupportScripts
	}
	return []string{CommonScript}
}

func (i *Invoker) timeout() time.Duration {
	if i.Timeout > 0 {
		return i.Timeout
	}
	return DefaultTimeout
}

// contextCause attaches the deadline to errors from a process killed by it.
func contextCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w (%w)", err, ctxErr)
	}
	return err
}
