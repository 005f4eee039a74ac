// Package readiness waits for a freshly booted instance to finish
// cloud-init by polling its logs for a marker line.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrProvisioningTimedOut is returned when the marker never appears before
// the schedule runs out.
var ErrProvisioningTimedOut = errors.New("provisioning timed out")

const (
	DefaultMarker         = "READYTORUN"
	DefaultLogGlob        = "/var/log/cloud-init*.log"
	DefaultSettleDelay    = 30 * time.Second
	DefaultAttemptTimeout = 30 * time.Second
)

// DefaultSchedule returns the delays between readiness checks:
// 1, 2, 4, eight times 8, five times 16, three times 32, then 64, 128,
// 256 and 512 seconds.
func DefaultSchedule() []time.Duration {
	secs := []int{1, 2, 4}
	secs = appendRepeated(secs, 8, 8)
	secs = appendRepeated(secs, 16, 5)
	secs = appendRepeated(secs, 32, 3)
	secs = append(secs, 64, 128, 256, 512)

	schedule := make([]time.Duration, len(secs))
	for i, s := range secs {
		schedule[i] = time.Duration(s) * time.Second
	}
	return schedule
}

func appendRepeated(s []int, v, n int) []int {
	for range n {
		s = append(s, v)
	}
	return s
}

// Runner is the part of a remote channel the poller needs.
type Runner interface {
	Run(ctx context.Context, host string, argv ...string) ([]byte, error)
}

// Poller checks a host for the readiness marker on a fixed schedule.
type Poller struct {
	Channel Runner
	// Schedule lists the delays slept after each failed check. The host is
	// checked once more after the final delay.
	Schedule       []time.Duration
	SettleDelay    time.Duration
	AttemptTimeout time.Duration
	Marker         string
	LogGlob        string

	// ObserveAttempts receives the number of checks made by each Wait.
	ObserveAttempts func(attempts int)
	// Sleep is used by Settle; nil means a context-aware timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

func (p *Poller) logger() *slog.Logger {
	if p != nil && p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Settle waits out the configured delay after instance creation so the
// cloud API and the guest network catch up.
func (p *Poller) Settle(ctx context.Context) error {
	if p.SettleDelay <= 0 {
		return ctx.Err()
	}
	p.logger().Debug("settling after create", "delay", p.SettleDelay)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return sleep(ctx, p.SettleDelay)
}

// Wait returns nil as soon as the marker is found on address. It returns
// ErrProvisioningTimedOut once the schedule is exhausted, or the context
// error if ctx ends first.
func (p *Poller) Wait(ctx context.Context, address string) error {
	if p.Channel == nil {
		return errors.New("readiness poller has no remote channel")
	}
	logger := p.logger().With("address", address)

	argv := p.checkCommand()
	attempts := 0
	var lastErr error

	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout())
		defer cancel()

		if _, err := p.Channel.Run(attemptCtx, address, argv...); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			logger.Debug("instance not ready", "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})

	if p.ObserveAttempts != nil {
		p.ObserveAttempts(attempts)
	}

	switch {
	case err == nil:
		logger.Info("instance ready", "attempts", attempts)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %q not found in %s on %s after %d attempts: %v",
			ErrProvisioningTimedOut, p.marker(), p.logGlob(), address, attempts, lastErr)
	}
}

// checkCommand greps the log glob for the marker. The glob is expanded by
// the remote shell; the marker is passed as a positional argument.
func (p *Poller) checkCommand() []string {
	return []string{"sh", "-c", `grep -q -- "$1" $2`, "readiness", p.marker(), p.logGlob()}
}

// backoff walks the schedule once and then stops.
func (p *Poller) backoff() retry.Backoff {
	schedule := p.Schedule
	if schedule == nil {
		schedule = DefaultSchedule()
	}
	i := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		if i >= len(schedule) {
			return 0, true
		}
		d := schedule[i]
		i++
		return d, false
	})
}

func (p *Poller) marker() string {
	if p.Marker != "" {
		return p.Marker
	}
	return DefaultMarker
}

func (p *Poller) logGlob() string {
	if p.LogGlob != "" {
		return p.LogGlob
	}
	return DefaultLogGlob
}

func (p *Poller) attemptTimeout() time.Duration {
	if p.AttemptTimeout > 0 {
		return p.AttemptTimeout
	}
	return DefaultAttemptTimeout
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
