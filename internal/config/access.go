package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GetPath reads a value by dot-separated path, e.g. "pipeline.workers", from
// the resolved configuration.
func (c *Config) GetPath(path string) (any, error) {
	tree, err := c.tree()
	if err != nil {
		return nil, err
	}
	var current any = tree
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}
		next, ok := m[part]
		if !ok {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = next
	}
	return current, nil
}

// tree renders the configuration as generic maps with every known key
// present, so unset fields still resolve.
func (c *Config) tree() (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// SetPath changes one scalar in the root config file. Only keys the
// configuration knows about can be set. Without persist only the in-memory
// YAML tree changes. With persist the file is replaced, a .checksums entry
// for it is refreshed, and both are restored if the result does not load.
func (c *Config) SetPath(path, value string, persist bool) error {
	if path == "" || strings.Contains(path, "..") {
		return fmt.Errorf("invalid path %q", path)
	}
	if err := c.settable(path); err != nil {
		return err
	}

	file := c.rootFile()
	if file == "" {
		return fmt.Errorf("no configuration file loaded")
	}
	doc := c.SourceFiles[file]
	if doc == nil || doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return fmt.Errorf("configuration file %s is empty", file)
	}

	node, err := mappingPath(doc.Content[0], strings.Split(path, "."))
	if err != nil {
		return fmt.Errorf("path %q: %w", path, err)
	}
	*node = yaml.Node{Kind: yaml.ScalarNode, Tag: guessTag(value), Value: value}

	if !persist {
		return nil
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return replaceValidated(file, out)
}

// settable reports whether path names a scalar the configuration defines.
func (c *Config) settable(path string) error {
	v, err := Defaults().GetPath(path)
	if err != nil {
		return fmt.Errorf("unknown setting: %w", err)
	}
	switch v.(type) {
	case map[string]any:
		return fmt.Errorf("%q is a section, not a value", path)
	case []any:
		return fmt.Errorf("%q is a list; edit the file directly", path)
	}
	return nil
}

// mappingPath walks keys from a mapping node, creating missing mappings, and
// returns the value node for the last key.
func mappingPath(node *yaml.Node, keys []string) (*yaml.Node, error) {
	for _, key := range keys {
		if node.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%q is not inside a mapping", key)
		}
		var next *yaml.Node
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == key {
				next = node.Content[i+1]
				break
			}
		}
		if next == nil {
			next = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, next)
		}
		node = next
	}
	return node, nil
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	digits := strings.TrimPrefix(v, "-")
	if digits == "" {
		return "!!str"
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "!!str"
		}
	}
	return "!!int"
}

func (c *Config) rootFile() string {
	if c.Path != "" {
		return c.Path
	}
	for f := range c.SourceFiles {
		if filepath.Base(f) == "config.yaml" {
			return f
		}
	}
	return ""
}

// replaceValidated swaps file's content for data and reloads. On failure the
// previous file and manifest are put back.
func replaceValidated(file string, data []byte) error {
	original, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(file); err == nil {
		mode = info.Mode().Perm()
	}

	dir := filepath.Dir(file)
	manifest, err := LoadChecksums(dir)
	switch {
	case errors.Is(err, ErrNoChecksums):
		manifest = nil
	case err != nil:
		return err
	}
	var manifestBefore []byte
	if manifest != nil {
		manifestBefore, _ = os.ReadFile(filepath.Join(dir, checksumFile))
	}

	if err := writeAtomic(file, data, mode); err != nil {
		return fmt.Errorf("persist config change: %w", err)
	}
	if manifest != nil {
		if _, tracked := manifest.Hashes[filepath.Base(file)]; tracked {
			if err := rehash(dir, manifest, file); err != nil {
				_ = writeAtomic(file, original, mode)
				return err
			}
		}
	}

	if _, err := Load(file); err != nil {
		var restoreErr error
		if rerr := writeAtomic(file, original, mode); rerr != nil {
			restoreErr = rerr
		}
		if manifestBefore != nil {
			if rerr := writeAtomic(filepath.Join(dir, checksumFile), manifestBefore, 0o600); rerr != nil && restoreErr == nil {
				restoreErr = rerr
			}
		}
		if restoreErr != nil {
			return fmt.Errorf("validation failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

func rehash(dir string, manifest *ChecksumManifest, file string) error {
	hash, err := ComputeBlake3Hash(file)
	if err != nil {
		return fmt.Errorf("rehash %s: %w", file, err)
	}
	manifest.Hashes[filepath.Base(file)] = hash
	manifest.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	out, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal checksums: %w", err)
	}
	return writeAtomic(filepath.Join(dir, checksumFile), out, 0o600)
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
