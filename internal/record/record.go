// Package record edits the local key/value configuration file that
// downstream tooling reads the repository host address from.
package record

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultKey is the key the repository address is recorded under.
const DefaultKey = "gitbuilder_host"

// Record is a YAML mapping file edited one top-level key at a time. Keys it
// does not touch, and their comments, are preserved.
type Record struct {
	Path   string
	Logger *slog.Logger
}

func (r *Record) logger() *slog.Logger {
	if r != nil && r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Get returns the scalar stored under key.
func (r *Record) Get(key string) (string, bool, error) {
	doc, err := r.load()
	if err != nil {
		return "", false, err
	}
	root, err := mappingRoot(doc, false)
	if err != nil || root == nil {
		return "", false, err
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == key {
			v := root.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return "", false, fmt.Errorf("%s: key %q is not a scalar", r.Path, key)
			}
			return v.Value, true, nil
		}
	}
	return "", false, nil
}

// Set stores value under key, creating the file when it does not exist.
func (r *Record) Set(key, value string) error {
	if key == "" {
		return errors.New("record key is required")
	}
	doc, err := r.load()
	if err != nil {
		return err
	}
	root, err := mappingRoot(doc, true)
	if err != nil {
		return err
	}

	updated := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == key {
			v := root.Content[i+1]
			comment := v.LineComment
			*v = yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value, LineComment: comment}
			updated = true
			break
		}
	}
	if !updated {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
		)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode %s: %w", r.Path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode %s: %w", r.Path, err)
	}
	if err := writeAtomic(r.Path, buf.Bytes()); err != nil {
		return err
	}
	r.logger().Info("updated configuration record", "path", r.Path, "key", key, "value", value)
	return nil
}

func (r *Record) load() (*yaml.Node, error) {
	if r.Path == "" {
		return nil, errors.New("record path is not configured")
	}
	data, err := os.ReadFile(r.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return &yaml.Node{Kind: yaml.DocumentNode}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.Path, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.Path, err)
	}
	if doc.Kind == 0 {
		doc.Kind = yaml.DocumentNode
	}
	return &doc, nil
}

// mappingRoot returns the top-level mapping of doc, adding an empty one when
// create is set and the document is empty.
func mappingRoot(doc *yaml.Node, create bool) (*yaml.Node, error) {
	if len(doc.Content) == 0 {
		if !create {
			return nil, nil
		}
		doc.Content = []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("configuration record is not a YAML mapping")
	}
	return root, nil
}

func writeAtomic(path string, data []byte) error {
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
