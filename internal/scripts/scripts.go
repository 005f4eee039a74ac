// Package scripts locates the shell scripts copied to build agents and
// renders the cloud-init user-data they boot with. Scripts found in the
// configured directory win; a few defaults ship inside the binary.
package scripts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// SetupRepository is the script that turns an instance into the package
// repository host.
const SetupRepository = "setup-repository.sh"

//go:embed assets/setup-repository.sh
var embedded embed.FS

// ErrScriptNotFound is returned when a script is neither in the scripts
// directory nor embedded.
var ErrScriptNotFound = errors.New("script not found")

// Set resolves script names to local paths.
type Set struct {
	Dir string

	mu           sync.Mutex
	materialized map[string]string
	tempDir      string
}

// Path returns a local path for name.
func (s *Set) Path(name string) (string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid script name %q", name)
	}
	if s.Dir != "" {
		candidate := filepath.Join(s.Dir, name)
		info, err := os.Stat(candidate)
		switch {
		case err == nil && info.Mode().IsRegular():
			return filepath.Abs(candidate)
		case err == nil:
			return "", fmt.Errorf("script %s is not a regular file", candidate)
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat script %s: %w", candidate, err)
		}
	}
	return s.materialize(name)
}

// Paths resolves every name, failing on the first missing script.
func (s *Set) Paths(names ...string) ([]string, error) {
	paths := make([]string, 0, len(names))
	for _, name := range names {
		p, err := s.Path(name)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Cleanup removes scripts written out from the embedded copies.
func (s *Set) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tempDir == "" {
		return nil
	}
	err := os.RemoveAll(s.tempDir)
	s.tempDir = ""
	s.materialized = nil
	return err
}

func (s *Set) materialize(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.materialized[name]; ok {
		return p, nil
	}
	data, err := embedded.ReadFile("assets/" + name)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s (looked in %q)", ErrScriptNotFound, name, s.Dir)
	}
	if err != nil {
		return "", fmt.Errorf("read embedded script %s: %w", name, err)
	}

	if s.tempDir == "" {
		dir, err := os.MkdirTemp("", "crate-scripts-*")
		if err != nil {
			return "", fmt.Errorf("create script directory: %w", err)
		}
		s.tempDir = dir
	}
	path := filepath.Join(s.tempDir, name)
	if err := os.WriteFile(path, data, 0o755); err != nil {
		return "", fmt.Errorf("write script %s: %w", name, err)
	}
	if s.materialized == nil {
		s.materialized = make(map[string]string)
	}
	s.materialized[name] = path
	return path, nil
}

// UserDataParams describe the cloud-config instances boot with.
type UserDataParams struct {
	Marker         string
	AuthorizedKeys []string
}

type cloudConfig struct {
	SSHAuthorizedKeys []string   `yaml:"ssh_authorized_keys,omitempty"`
	PackageUpdate     bool       `yaml:"package_update"`
	Packages          []string   `yaml:"packages"`
	RunCmd            [][]string `yaml:"runcmd"`
}

// UserData renders the cloud-config instances boot with. Its last step logs
// the readiness marker. Commands are argv lists so cloud-init runs them
// without a shell.
func UserData(params UserDataParams) ([]byte, error) {
	if params.Marker == "" {
		return nil, errors.New("readiness marker is required")
	}
	doc := cloudConfig{
		SSHAuthorizedKeys: params.AuthorizedKeys,
		PackageUpdate:     true,
		Packages:          []string{"git", "rsync"},
		RunCmd:            [][]string{{"echo", params.Marker}},
	}

	var buf bytes.Buffer
	buf.WriteString("#cloud-config\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("render user-data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("render user-data: %w", err)
	}
	return buf.Bytes(), nil
}
