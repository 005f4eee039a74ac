package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/sys/unix"
)

const (
	envAuthSock = "SSH_AUTH_SOCK"
	envAgentPID = "SSH_AGENT_PID"
)

// AgentEnv identifies a running ssh-agent.
type AgentEnv struct {
	Socket string
	PID    int
}

func (e AgentEnv) valid() bool { return e.Socket != "" && e.PID > 0 }

// AgentSession owns the ssh-agent used for every remote connection. Its
// state lives in a session file so separate invocations share one agent.
type AgentSession struct {
	SessionFile string
	// Keys are added to a freshly started agent. With no keys, ssh-add
	// loads the user's default identities.
	Keys []string

	AgentBinary string
	AddBinary   string
	Logger      *slog.Logger

	mu  sync.Mutex
	env AgentEnv
}

func (a *AgentSession) logger() *slog.Logger {
	if a != nil && a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Start reuses the agent recorded in the session file when it still answers,
// otherwise it spawns a new one, records it and loads the keys.
func (a *AgentSession) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.SessionFile == "" {
		return errors.New("agent session file is not configured")
	}
	logger := a.logger().With("session", a.SessionFile)

	if env, err := readSessionFile(a.SessionFile); err == nil {
		if err := probeAgent(env.Socket); err == nil {
			logger.Debug("reusing ssh-agent", "pid", env.PID)
			a.env = env
			return nil
		}
		logger.Info("recorded ssh-agent is gone, starting a new one", "pid", env.PID)
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("ignoring unreadable agent session file", "error", err)
	}

	out, err := exec.CommandContext(ctx, binaryOr(a.AgentBinary, "ssh-agent"), "-s").Output()
	if err != nil {
		return fmt.Errorf("start ssh-agent: %w", err)
	}
	env, err := parseAgentOutput(out)
	if err != nil {
		return fmt.Errorf("start ssh-agent: %w", err)
	}
	if err := writeSessionFile(a.SessionFile, env); err != nil {
		return err
	}
	a.env = env
	logger.Info("started ssh-agent", "pid", env.PID)

	add := exec.CommandContext(ctx, binaryOr(a.AddBinary, "ssh-add"), a.Keys...)
	add.Env = append(os.Environ(), a.envLocked()...)
	if output, err := add.CombinedOutput(); err != nil {
		if len(a.Keys) > 0 {
			return fmt.Errorf("add keys to ssh-agent: %w (output: %s)", err, strings.TrimSpace(string(output)))
		}
		logger.Warn("ssh-add loaded no default identities", "output", strings.TrimSpace(string(output)))
	}
	return nil
}

// Env returns the environment entries pointing clients at the agent. It is
// empty before Start.
func (a *AgentSession) Env() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.envLocked()
}

func (a *AgentSession) envLocked() []string {
	if !a.env.valid() {
		return nil
	}
	return []string{
		envAuthSock + "=" + a.env.Socket,
		envAgentPID + "=" + strconv.Itoa(a.env.PID),
	}
}

// Stop terminates the recorded agent and removes the session file. Stopping
// a session that was never started, or stopping twice, is not an error.
func (a *AgentSession) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	env := a.env
	if !env.valid() && a.SessionFile != "" {
		if recorded, err := readSessionFile(a.SessionFile); err == nil {
			env = recorded
		}
	}
	a.env = AgentEnv{}

	var errs []error
	// A dead socket means the pid may already belong to something else.
	if env.valid() && probeAgent(env.Socket) == nil {
		a.logger().Info("stopping ssh-agent", "pid", env.PID)
		if err := unix.Kill(env.PID, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("stop ssh-agent %d: %w", env.PID, err))
		}
	}
	if a.SessionFile != "" {
		if err := os.Remove(a.SessionFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove agent session file: %w", err))
		}
	}
	return errors.Join(errs...)
}

// probeAgent asks the agent behind socket for its identities.
func probeAgent(socket string) error {
	if socket == "" {
		return errors.New("no agent socket")
	}
	conn, err := net.DialTimeout("unix", socket, 2*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = agent.NewClient(conn).List()
	return err
}

// parseAgentOutput reads the Bourne shell output of `ssh-agent -s`, e.g.
//
//	SSH_AUTH_SOCK=/tmp/ssh-XXXX/agent.1; export SSH_AUTH_SOCK;
//	SSH_AGENT_PID=2; export SSH_AGENT_PID;
func parseAgentOutput(out []byte) (AgentEnv, error) {
	var env AgentEnv
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		for _, stmt := range strings.Split(scanner.Text(), ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(stmt), "=")
			if !ok {
				continue
			}
			switch key {
			case envAuthSock:
				env.Socket = value
			case envAgentPID:
				pid, err := strconv.Atoi(value)
				if err != nil {
					return AgentEnv{}, fmt.Errorf("parse %s %q: %w", envAgentPID, value, err)
				}
				env.PID = pid
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return AgentEnv{}, err
	}
	if !env.valid() {
		return AgentEnv{}, fmt.Errorf("ssh-agent output is missing %s or %s", envAuthSock, envAgentPID)
	}
	return env, nil
}

func readSessionFile(path string) (AgentEnv, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return AgentEnv{}, err
	}
	pid, err := strconv.Atoi(values[envAgentPID])
	if err != nil {
		return AgentEnv{}, fmt.Errorf("parse %s in %s: %w", envAgentPID, path, err)
	}
	env := AgentEnv{Socket: values[envAuthSock], PID: pid}
	if !env.valid() {
		return AgentEnv{}, fmt.Errorf("agent session file %s is incomplete", path)
	}
	return env, nil
}

func writeSessionFile(path string, env AgentEnv) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create agent session directory: %w", err)
	}
	err := godotenv.Write(map[string]string{
		envAuthSock: env.Socket,
		envAgentPID: strconv.Itoa(env.PID),
	}, path)
	if err != nil {
		return fmt.Errorf("write agent session file: %w", err)
	}
	return os.Chmod(path, 0o600)
}

func binaryOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
