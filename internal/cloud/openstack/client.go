// Package openstack drives OpenStack compute through the openstack CLI.
package openstack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cochaviz/crate/internal/cloud"
	"github.com/cochaviz/crate/internal/models"
)

var _ cloud.Provider = (*Client)(nil)

// Runner executes a command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct {
	Env []string
}

// Run executes name with args. Standard error is attached to the returned
// error when the command fails.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &CommandError{
			Args:   append([]string{name}, args...),
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return stdout.Bytes(), nil
}

// CommandError describes a failed CLI invocation.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Client implements cloud.Provider on top of the openstack CLI.
type Client struct {
	Binary        string
	KeyName       string
	SecurityGroup string
	Network       string
	// OwnerProperty is the server property carrying the owner tag.
	OwnerProperty string
	// WorkDir receives the temporary user-data files handed to the CLI.
	WorkDir string

	Runner Runner
	Logger *slog.Logger
}

func (c *Client) logger() *slog.Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) binary() string {
	if c.Binary != "" {
		return c.Binary
	}
	return "openstack"
}

func (c *Client) runner() Runner {
	if c.Runner != nil {
		return c.Runner
	}
	return ExecRunner{}
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	c.logger().Debug("running openstack command", "args", strings.Join(args, " "))
	out, err := c.runner().Run(ctx, c.binary(), args...)
	if err != nil && isNotFound(err) {
		return out, fmt.Errorf("%w: %v", cloud.ErrInstanceNotFound, err)
	}
	return out, err
}

type serverView struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Status    string          `json:"status"`
	Addresses json.RawMessage `json:"addresses"`
}

// Create boots a server and waits for the API to report it built.
func (c *Client) Create(ctx context.Context, spec models.InstanceSpec) (models.Instance, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return models.Instance{}, errors.New("instance name is required")
	}
	if spec.Image == "" || spec.Flavor == "" {
		return models.Instance{}, fmt.Errorf("instance %s: image and flavor are required", spec.Name)
	}

	userDataPath, cleanup, err := c.writeUserData(spec)
	if err != nil {
		return models.Instance{}, err
	}
	defer cleanup()

	args := c.createArgs(spec, userDataPath)
	logger := c.logger().With("instance", spec.Name, "image", spec.Image, "flavor", spec.Flavor)
	logger.Info("creating server")

	out, err := c.run(ctx, args...)
	if err != nil {
		return models.Instance{}, fmt.Errorf("create server %s: %w", spec.Name, err)
	}

	var view serverView
	if err := json.Unmarshal(out, &view); err != nil {
		return models.Instance{}, fmt.Errorf("decode create output for %s: %w", spec.Name, err)
	}
	logger.Info("server created", "id", view.ID, "status", view.Status)

	return models.Instance{
		ID:        view.ID,
		Name:      spec.Name,
		Status:    view.Status,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) createArgs(spec models.InstanceSpec, userDataPath string) []string {
	args := []string{
		"server", "create",
		"--image", spec.Image,
		"--flavor", spec.Flavor,
	}
	if c.KeyName != "" {
		args = append(args, "--key-name", c.KeyName)
	}
	if c.SecurityGroup != "" {
		args = append(args, "--security-group", c.SecurityGroup)
	}
	if c.Network != "" {
		args = append(args, "--network", c.Network)
	}
	if spec.OwnerTag != "" {
		property := c.OwnerProperty
		if property == "" {
			property = "ownedby"
		}
		args = append(args, "--property", property+"="+spec.OwnerTag)
	}
	if userDataPath != "" {
		args = append(args, "--user-data", userDataPath)
	}
	return append(args, "--wait", "-f", "json", spec.Name)
}

func (c *Client) writeUserData(spec models.InstanceSpec) (string, func(), error) {
	if len(spec.UserData) == 0 {
		return "", func() {}, nil
	}
	f, err := os.CreateTemp(c.WorkDir, "user-data-*.txt")
	if err != nil {
		return "", nil, fmt.Errorf("create user-data file: %w", err)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }
	if _, err := f.Write(spec.UserData); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write user-data file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close user-data file: %w", err)
	}
	return path, cleanup, nil
}

// Status returns the server status as reported by the API, e.g. ACTIVE.
func (c *Client) Status(ctx context.Context, name string) (string, error) {
	out, err := c.run(ctx, "server", "show", "-f", "value", "-c", "status", name)
	if err != nil {
		return "", fmt.Errorf("show status of %s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// PrimaryAddress returns the first IPv4 address of the server.
func (c *Client) PrimaryAddress(ctx context.Context, name string) (string, error) {
	out, err := c.run(ctx, "server", "show", "-f", "json", "-c", "addresses", name)
	if err != nil {
		return "", fmt.Errorf("show addresses of %s: %w", name, err)
	}

	var view serverView
	if err := json.Unmarshal(out, &view); err != nil {
		return "", fmt.Errorf("decode addresses of %s: %w", name, err)
	}
	networks, err := decodeAddresses(view.Addresses)
	if err != nil {
		return "", fmt.Errorf("decode addresses of %s: %w", name, err)
	}
	addr, err := cloud.SelectPrimary(networks)
	if err != nil {
		return "", fmt.Errorf("instance %s: %w", name, err)
	}
	return addr, nil
}

// Destroy deletes the server and waits for the deletion to finish.
func (c *Client) Destroy(ctx context.Context, name string) error {
	c.logger().Info("deleting server", "instance", name)
	if _, err := c.run(ctx, "server", "delete", "--wait", name); err != nil {
		return fmt.Errorf("delete server %s: %w", name, err)
	}
	return nil
}

// decodeAddresses accepts both renderings the CLI has used for the
// addresses column: the legacy "net=a, b; net2=c" string and a JSON object
// mapping network names to address lists. Object key order is preserved.
func decodeAddresses(raw json.RawMessage) ([]cloud.Network, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '"' {
		var field string
		if err := json.Unmarshal(raw, &field); err != nil {
			return nil, err
		}
		return cloud.ParseAddressField(field)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("unexpected addresses value %s", string(raw))
	}

	var networks []cloud.Network
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected network key %v", tok)
		}
		var addrs []string
		if err := dec.Decode(&addrs); err != nil {
			return nil, fmt.Errorf("network %s: %w", name, err)
		}
		networks = append(networks, cloud.Network{Name: name, Addresses: addrs})
	}
	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return networks, nil
}

func isNotFound(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	stderr := strings.ToLower(cmdErr.Stderr)
	return strings.Contains(stderr, "no server with a name or id") ||
		strings.Contains(stderr, "could not be found")
}
