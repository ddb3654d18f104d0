package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/tilepack/internal/archive"
)

const envConfigPath = "TILEPACK_CONFIG"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file (or a directory holding config.yaml),
// layered over Defaults. Files listed under include are applied after the
// file that names them, so they win on conflicts.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	cfg.Path = absPath
	cfg.SourceFiles = make(map[string]*yaml.Node)

	visited := make(map[string]bool)
	if err := loadInto(cfg, absPath, visited); err != nil {
		return nil, err
	}
	cfg.Include = nil

	paths := make([]string, 0, len(visited))
	for p := range visited {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if err := verifyAllConfigHashes(paths); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover returns the config file to use. Priority order: explicit path,
// $TILEPACK_CONFIG, ~/.config/tilepack/config.yaml, /etc/tilepack/config.yaml,
// ./config.yaml. An empty result with a nil error means none was found.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	var candidates []string
	if p := os.Getenv(envConfigPath); p != "" {
		candidates = append(candidates, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "tilepack", "config.yaml"))
	}
	candidates = append(candidates, "/etc/tilepack/config.yaml", "./config.yaml")

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", nil
}

// LoadOrDefault discovers and loads a config file, falling back to Defaults
// when none exists. It returns the path that was loaded, if any.
func LoadOrDefault(explicit string) (*Config, string, error) {
	path, err := Discover(explicit)
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		cfg := Defaults()
		if err := validate(cfg); err != nil {
			return nil, "", fmt.Errorf("invalid default configuration: %w", err)
		}
		return cfg, "", nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// AllConfigFiles returns the absolute paths of configPath and every file it
// includes, sorted.
func AllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	scratch := Defaults()
	scratch.SourceFiles = make(map[string]*yaml.Node)
	visited := make(map[string]bool)
	if err := loadInto(scratch, absPath, visited); err != nil {
		return nil, err
	}
	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// RequireConverter reports whether a converter command is configured.
func (c *Config) RequireConverter() error {
	if len(c.Converter.Command) == 0 {
		return fmt.Errorf("converter.command is required (e.g. [\"mapeo-convert\", \"{input}\", \"{output}\"])")
	}
	return nil
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadInto decodes path over cfg, then its includes in order.
func loadInto(cfg *Config, path string, visited map[string]bool) error {
	if visited[path] {
		return fmt.Errorf("circular include detected: %s", path)
	}
	visited[path] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	interpolated := []byte(interpolateEnv(string(data)))

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err == nil {
		cfg.SourceFiles[path] = &node
	}

	cfg.Include = nil
	if err := yaml.Unmarshal(interpolated, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	includes := cfg.Include

	baseDir := filepath.Dir(path)
	for i, inc := range includes {
		resolved := inc
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(baseDir, resolved)
		}
		abs, err := filepath.Abs(resolved)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, inc, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s\n"+
				"Hint: Check the path is correct and the file exists", i, abs, path)
		}
		if err := loadInto(cfg, abs, visited); err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, inc, err)
		}
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	// An empty state.path disables history.
	if err := unresolved("state.path", cfg.State.Path); err != nil {
		return err
	}

	if cfg.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if err := unresolved("workspace.root", cfg.Workspace.Root); err != nil {
		return err
	}
	if cfg.Workspace.Retention < 0 {
		return fmt.Errorf("workspace.retention must not be negative")
	}
	if cfg.Workspace.SweepInterval < 0 {
		return fmt.Errorf("workspace.sweep_interval must not be negative")
	}

	for i, arg := range cfg.Converter.Command {
		if err := unresolved(fmt.Sprintf("converter.command[%d]", i), arg); err != nil {
			return err
		}
	}
	if cfg.Converter.Timeout < 0 {
		return fmt.Errorf("converter.timeout must not be negative")
	}
	if cfg.Converter.GracePeriod < 0 {
		return fmt.Errorf("converter.grace_period must not be negative")
	}

	if err := plainName("archive.name", cfg.Archive.Name); err != nil {
		return err
	}
	if err := plainName("archive.inner_root", cfg.Archive.InnerRoot); err != nil {
		return err
	}
	if _, err := archive.ParseMethod(cfg.Archive.Method); err != nil {
		return fmt.Errorf("archive.method: %w", err)
	}

	if cfg.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1")
	}
	if cfg.Pipeline.QueueSize < 0 {
		return fmt.Errorf("pipeline.queue_size must not be negative")
	}

	if err := unresolved("install.target_dir", cfg.Install.TargetDir); err != nil {
		return err
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled is true")
		}
		if cfg.API.UploadDir == "" {
			return fmt.Errorf("api.upload_dir is required when api.enabled is true")
		}
		if cfg.API.MaxUploadBytes <= 0 {
			return fmt.Errorf("api.max_upload_bytes must be positive")
		}
		if cfg.API.RateLimit < 0 {
			return fmt.Errorf("api.rate_limit must not be negative")
		}
		if cfg.API.RateLimit > 0 && cfg.API.RateBurst < 1 {
			return fmt.Errorf("api.rate_burst must be at least 1 when api.rate_limit is set")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
	}

	return nil
}

func plainName(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	if v == "." || v == ".." || strings.ContainsAny(v, `/\`) {
		return fmt.Errorf("%s must be a plain name, got %q", field, v)
	}
	return nil
}
