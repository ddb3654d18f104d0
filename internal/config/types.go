package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete tilepack configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Converter ConverterConfig `yaml:"converter"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Install   InstallConfig   `yaml:"install"`
	API       APIConfig       `yaml:"api,omitempty"`
	Include   []string        `yaml:"include,omitempty"`

	// Path is the absolute path of the root file, empty for pure defaults.
	Path string `yaml:"-"`

	// SourceFiles holds the parsed YAML tree of every loaded file, keyed by
	// absolute path, so SetPath can write changes back.
	SourceFiles map[string]*yaml.Node `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig locates the SQLite history database.
type StateConfig struct {
	Path string `yaml:"path"`
}

// WorkspaceConfig defines the scratch root and how long finished jobs stay.
type WorkspaceConfig struct {
	Root          string        `yaml:"root"`
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ConverterConfig describes the external converter command. Command is an
// argv; {input} and {output} are substituted per job.
type ConverterConfig struct {
	Command     []string      `yaml:"command"`
	Timeout     time.Duration `yaml:"timeout"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// ArchiveConfig controls the packaged artifact.
type ArchiveConfig struct {
	Name      string `yaml:"name"`
	InnerRoot string `yaml:"inner_root"`
	Method    string `yaml:"method"`
}

// PipelineConfig sizes the worker pool.
type PipelineConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// InstallConfig overrides the platform default install target.
type InstallConfig struct {
	TargetDir string `yaml:"target_dir"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Listen         string        `yaml:"listen"`
	UploadDir      string        `yaml:"upload_dir"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	Auth           APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings. An empty APIKey leaves
// the API open.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "tilepack",
			LogLevel: "info",
		},
		State: StateConfig{
			Path: "./data/history.db",
		},
		Workspace: WorkspaceConfig{
			Root:          "./data/workspaces",
			Retention:     time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Converter: ConverterConfig{
			GracePeriod: 5 * time.Second,
		},
		Archive: ArchiveConfig{
			Name:      "mapeo-asar-background-map.zip",
			InnerRoot: "default",
			Method:    "store",
		},
		Pipeline: PipelineConfig{
			Workers:   2,
			QueueSize: 16,
		},
		API: APIConfig{
			Enabled:        false,
			Listen:         "127.0.0.1:1313",
			UploadDir:      "./data/uploads",
			MaxUploadBytes: 512 << 20,
			RateLimit:      1,
			RateBurst:      5,
		},
	}
}
