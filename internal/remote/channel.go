// Package remote runs commands on provisioned hosts over ssh and owns the
// local ssh-agent those commands authenticate through.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
)

// ErrRemoteCommandFailed matches every *CommandError.
var ErrRemoteCommandFailed = errors.New("remote command failed")

// Channel executes commands on a remote host. Commands are argument arrays;
// implementations must deliver each element to the remote side unchanged.
type Channel interface {
	Run(ctx context.Context, host string, argv ...string) ([]byte, error)
	Interactive(ctx context.Context, host string, argv ...string) error
	Copy(ctx context.Context, host string, files ...string) error
}

// Environ supplies extra environment entries for ssh and scp, typically the
// agent session.
type Environ interface {
	Env() []string
}

// CommandError describes a failed copy or remote execution.
type CommandError struct {
	Op       string
	Host     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s on %s failed", e.Op, e.Host)
	if e.ExitCode >= 0 {
		msg += " with exit code " + strconv.Itoa(e.ExitCode)
	}
	if e.ExitCode == 255 {
		msg += " (connection error)"
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func (e *CommandError) Is(target error) bool { return target == ErrRemoteCommandFailed }

// SSH implements Channel with the OpenSSH client binaries.
type SSH struct {
	User           string
	IdentityFile   string
	ConnectTimeout time.Duration
	// Options are extra -o entries, e.g. "ServerAliveInterval=30".
	Options []string

	SSHBinary string
	SCPBinary string
	Agent     Environ

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func (s *SSH) logger() *slog.Logger {
	if s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *SSH) sshBinary() string {
	if s.SSHBinary != "" {
		return s.SSHBinary
	}
	return "ssh"
}

func (s *SSH) scpBinary() string {
	if s.SCPBinary != "" {
		return s.SCPBinary
	}
	return "scp"
}

func (s *SSH) commonOptions() []string {
	opts := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
	}
	if s.ConnectTimeout > 0 {
		secs := int(s.ConnectTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		opts = append(opts, "-o", "ConnectTimeout="+strconv.Itoa(secs))
	}
	for _, opt := range s.Options {
		opts = append(opts, "-o", opt)
	}
	if s.IdentityFile != "" {
		opts = append(opts, "-i", s.IdentityFile)
	}
	return opts
}

func (s *SSH) destination(host string) string {
	if s.User == "" {
		return host
	}
	return s.User + "@" + host
}

// sshArgs builds the ssh argument list. The remote command is rendered as
// a single quoted string since ssh hands it to the remote login shell.
func (s *SSH) sshArgs(host string, interactive bool, argv []string) []string {
	args := s.commonOptions()
	if interactive {
		args = append(args, "-tt", "-A")
	} else {
		args = append(args, "-o", "BatchMode=yes", "-T")
	}
	args = append(args, s.destination(host))
	if len(argv) > 0 {
		args = append(args, "--", shellescape.QuoteCommand(argv))
	}
	return args
}

func (s *SSH) scpArgs(host string, files []string) []string {
	args := append(s.commonOptions(), "-q", "-p")
	args = append(args, files...)
	return append(args, s.destination(host)+":")
}

func (s *SSH) command(ctx context.Context, name string, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	if s.Agent != nil {
		if env := s.Agent.Env(); len(env) > 0 {
			cmd.Env = append(os.Environ(), env...)
		}
	}
	return cmd
}

// Run executes argv on host and returns its standard output.
func (s *SSH) Run(ctx context.Context, host string, argv ...string) ([]byte, error) {
	args := s.sshArgs(host, false, argv)
	cmd := s.command(ctx, s.sshBinary(), args)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger().Debug("running remote command", "host", host, "argv", argv)
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), newCommandError("ssh", host, argv, strings.TrimSpace(stderr.String()), err)
	}
	return stdout.Bytes(), nil
}

// Interactive executes argv on host with a forced tty and agent forwarding,
// streaming the remote process through the channel's standard streams.
func (s *SSH) Interactive(ctx context.Context, host string, argv ...string) error {
	args := s.sshArgs(host, true, argv)
	cmd := s.command(ctx, s.sshBinary(), args)
	cmd.Stdin = s.Stdin
	cmd.Stdout = orDefault(s.Stdout, os.Stdout)
	cmd.Stderr = orDefault(s.Stderr, os.Stderr)

	s.logger().Info("running interactive remote command", "host", host, "argv", argv)
	if err := cmd.Run(); err != nil {
		return newCommandError("ssh", host, argv, "", err)
	}
	return nil
}

// Copy uploads files into the remote user's home directory.
func (s *SSH) Copy(ctx context.Context, host string, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	cmd := s.command(ctx, s.scpBinary(), s.scpArgs(host, files))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	s.logger().Debug("copying files", "host", host, "files", files)
	if err := cmd.Run(); err != nil {
		return newCommandError("scp", host, files, strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

func newCommandError(op, host string, args []string, stderr string, err error) *CommandError {
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &CommandError{
		Op:       op,
		Host:     host,
		Args:     args,
		ExitCode: code,
		Stderr:   stderr,
		Err:      err,
	}
}

func orDefault(w, fallback io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return fallback
}
