package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alessio/shellescape"
	"golang.org/x/crypto/ssh/agent"

	"github.com/cochaviz/crate/internal/logging"
)

// serveAgent runs an in-memory agent on a fresh unix socket. Socket paths
// have a short length limit, so it avoids t.TempDir.
func serveAgent(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "crate-agent")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	socket := filepath.Join(dir, "agent.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	keyring := agent.NewKeyring()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_ = agent.ServeAgent(keyring, conn)
			}()
		}
	}()
	return socket
}

// startSleeper provides a real pid for the session to terminate.
func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func fakeAgentBinary(t *testing.T, socket string, pid int, counter string) string {
	t.Helper()

	body := fmt.Sprintf("echo x >> %s\necho 'SSH_AUTH_SOCK=%s; export SSH_AUTH_SOCK;'\necho 'SSH_AGENT_PID=%d; export SSH_AGENT_PID;'\necho 'echo Agent pid %d;'\n",
		shellescape.Quote(counter), socket, pid, pid)
	return writeScript(t, "ssh-agent", body)
}

func countLines(t *testing.T, path string) int {
	t.Helper()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Count(string(data), "\n")
}

func TestParseAgentOutput(t *testing.T) {
	t.Parallel()

	out := "SSH_AUTH_SOCK=/tmp/ssh-abc/agent.41; export SSH_AUTH_SOCK;\nSSH_AGENT_PID=42; export SSH_AGENT_PID;\necho Agent pid 42;\n"
	env, err := parseAgentOutput([]byte(out))
	if err != nil {
		t.Fatalf("parseAgentOutput() error = %v", err)
	}
	if env.Socket != "/tmp/ssh-abc/agent.41" || env.PID != 42 {
		t.Fatalf("parseAgentOutput() = %+v", env)
	}

	if _, err := parseAgentOutput([]byte("echo Agent pid 42;\n")); err == nil {
		t.Fatal("parseAgentOutput() error = nil for output without variables")
	}
}

func TestAgentSessionLifecycle(t *testing.T) {
	t.Parallel()

	socket := serveAgent(t)
	sleeper := startSleeper(t)
	counter := filepath.Join(t.TempDir(), "spawned")
	sessionFile := filepath.Join(t.TempDir(), "crate", "ssh-agent.env")

	newSession := func() *AgentSession {
		return &AgentSession{
			SessionFile: sessionFile,
			AgentBinary: fakeAgentBinary(t, socket, sleeper.Process.Pid, counter),
			AddBinary:   writeScript(t, "ssh-add", "exit 0\n"),
			Logger:      logging.Discard(),
		}
	}

	first := newSession()
	if got := first.Env(); got != nil {
		t.Fatalf("Env() before Start = %v, want nil", got)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	wantEnv := []string{"SSH_AUTH_SOCK=" + socket, "SSH_AGENT_PID=" + strconv.Itoa(sleeper.Process.Pid)}
	if got := first.Env(); !slices.Equal(got, wantEnv) {
		t.Fatalf("Env() = %v, want %v", got, wantEnv)
	}
	info, err := os.Stat(sessionFile)
	if err != nil {
		t.Fatalf("session file not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("session file mode = %v, want 0600", info.Mode().Perm())
	}

	second := newSession()
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if n := countLines(t, counter); n != 1 {
		t.Fatalf("ssh-agent spawned %d times, want 1", n)
	}
	if !slices.Equal(second.Env(), wantEnv) {
		t.Fatalf("reused session Env() = %v", second.Env())
	}

	if err := second.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := os.Stat(sessionFile); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("session file still present: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- sleeper.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("agent process was not terminated")
	}

	if err := second.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestAgentSessionStopWithStaleFile(t *testing.T) {
	t.Parallel()

	sessionFile := filepath.Join(t.TempDir(), "ssh-agent.env")
	if err := writeSessionFile(sessionFile, AgentEnv{Socket: "/nonexistent/agent.sock", PID: 1}); err != nil {
		t.Fatalf("writeSessionFile() error = %v", err)
	}

	session := &AgentSession{SessionFile: sessionFile, Logger: logging.Discard()}
	if err := session.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := os.Stat(sessionFile); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale session file still present: %v", err)
	}
}

func TestAgentSessionAddFailureWithExplicitKeys(t *testing.T) {
	t.Parallel()

	socket := serveAgent(t)
	sleeper := startSleeper(t)
	session := &AgentSession{
		SessionFile: filepath.Join(t.TempDir(), "ssh-agent.env"),
		Keys:        []string{"/nonexistent/id_ed25519"},
		AgentBinary: fakeAgentBinary(t, socket, sleeper.Process.Pid, filepath.Join(t.TempDir(), "n")),
		AddBinary:   writeScript(t, "ssh-add", "echo 'no such identity' >&2\nexit 1\n"),
		Logger:      logging.Discard(),
	}
	if err := session.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil when ssh-add fails for configured keys")
	}
}
