// Package cloud defines how crate talks to a compute backend and the policy
// for choosing the address it connects to.
package cloud

import (
	"context"
	"errors"
	"strings"

	"github.com/cochaviz/crate/internal/models"
)

var (
	// ErrNoAddressFound is returned when an instance has no usable IPv4 address.
	ErrNoAddressFound = errors.New("no usable address found")
	// ErrInstanceNotActive is returned when a freshly created instance did not
	// reach a running state.
	ErrInstanceNotActive = errors.New("instance is not active")
	// ErrInstanceNotFound is returned by backends that can tell a missing
	// instance apart from other failures.
	ErrInstanceNotFound = errors.New("instance not found")
)

// Provider creates, inspects and destroys named instances. Create is not
// idempotent; callers guarantee at-most-once invocation per name.
type Provider interface {
	Create(ctx context.Context, spec models.InstanceSpec) (models.Instance, error)
	Status(ctx context.Context, name string) (string, error)
	PrimaryAddress(ctx context.Context, name string) (string, error)
	Destroy(ctx context.Context, name string) error
}

// IsActive reports whether a backend status string means the instance is up.
func IsActive(status string) bool {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "ACTIVE", "RUNNING":
		return true
	default:
		return false
	}
}
