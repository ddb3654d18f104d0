// Package doctor runs preflight checks against a loaded tilepack
// configuration and the host it will run on.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/tilepack/internal/config"
	"github.com/mattjoyce/tilepack/internal/convert"
	"github.com/mattjoyce/tilepack/internal/install"
	"github.com/mattjoyce/tilepack/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a configuration against the local machine.
type Doctor struct {
	cfg        *config.Config
	lookPath   func(string) (string, error)
	checkLocal func(string) error
	targetDir  func() (string, error)
}

// Option configures a Doctor.
type Option func(*Doctor)

// WithLookPath overrides exec.LookPath.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(d *Doctor) { d.lookPath = fn }
}

// WithLocalCheck overrides storage.CheckLocal.
func WithLocalCheck(fn func(string) error) Option {
	return func(d *Doctor) { d.checkLocal = fn }
}

// WithDefaultTarget overrides install.DefaultTargetDir.
func WithDefaultTarget(fn func() (string, error)) Option {
	return func(d *Doctor) { d.targetDir = fn }
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config, opts ...Option) *Doctor {
	d := &Doctor{
		cfg:        cfg,
		lookPath:   exec.LookPath,
		checkLocal: storage.CheckLocal,
		targetDir:  install.DefaultTargetDir,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateConverter(r)
	d.validateWorkspace(r)
	d.validateState(r)
	d.validateInstallTarget(r)
	d.validateAPIConfig(r)
	d.warnRetention(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateConverter checks the external converter can be started.
func (d *Doctor) validateConverter(r *Result) {
	argv := d.cfg.Converter.Command
	if len(argv) == 0 {
		d.addError(r, "converter", "converter.command", "no converter command configured; jobs cannot run")
		return
	}
	if _, err := d.lookPath(argv[0]); err != nil {
		d.addError(r, "converter", "converter.command[0]",
			fmt.Sprintf("converter %q not found: %v", argv[0], err))
	}

	rest := strings.Join(argv[1:], " ")
	hasIn := strings.Contains(rest, convert.InputPlaceholder)
	hasOut := strings.Contains(rest, convert.OutputPlaceholder)
	if hasIn != hasOut {
		d.addWarning(r, "converter", "converter.command",
			fmt.Sprintf("only one of %s and %s appears; the other path will not be passed",
				convert.InputPlaceholder, convert.OutputPlaceholder))
	}
	if d.cfg.Converter.Timeout == 0 {
		d.addWarning(r, "converter", "converter.timeout", "no conversion timeout; a hung converter holds a worker forever")
	}
}

// validateWorkspace checks the scratch root is writable and local.
func (d *Doctor) validateWorkspace(r *Result) {
	root := d.cfg.Workspace.Root
	if err := probeWritable(root); err != nil {
		d.addError(r, "workspace", "workspace.root", err.Error())
		return
	}
	if err := d.checkLocal(root); err != nil {
		d.addWarning(r, "workspace", "workspace.root", err.Error())
	}
}

// validateState checks the history database location.
func (d *Doctor) validateState(r *Result) {
	p := d.cfg.State.Path
	if p == "" {
		d.addWarning(r, "state", "state.path", "history disabled; job and install history will not be kept")
		return
	}
	if err := probeWritable(filepath.Dir(p)); err != nil {
		d.addError(r, "state", "state.path", err.Error())
		return
	}
	if err := d.checkLocal(filepath.Dir(p)); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
}

// validateInstallTarget checks the install target's parent can be created.
func (d *Doctor) validateInstallTarget(r *Result) {
	target := d.cfg.Install.TargetDir
	if target == "" {
		var err error
		target, err = d.targetDir()
		if err != nil {
			d.addWarning(r, "install", "install.target_dir", fmt.Sprintf("no default install target: %v", err))
			return
		}
	}

	anc, err := nearestExisting(filepath.Dir(target))
	if err != nil {
		d.addError(r, "install", "install.target_dir", err.Error())
		return
	}
	if err := probeWritable(anc); err != nil {
		d.addError(r, "install", "install.target_dir",
			fmt.Sprintf("cannot create %s: %v", filepath.Dir(target), err))
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	if api.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
		return
	}
	if api.Auth.APIKey == "" {
		if isLoopback(api.Listen) {
			d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
		} else {
			d.addWarning(r, "api", "api.auth",
				fmt.Sprintf("API listens on %s without authentication; anyone on the network can submit jobs", api.Listen))
		}
	}
	if err := probeWritable(api.UploadDir); err != nil {
		d.addError(r, "api", "api.upload_dir", err.Error())
	}
}

// warnRetention flags settings that let finished jobs pile up.
func (d *Doctor) warnRetention(r *Result) {
	if d.cfg.Workspace.Retention == 0 {
		d.addWarning(r, "workspace", "workspace.retention", "retention is 0; finished jobs and workspaces are never evicted")
	} else if d.cfg.Workspace.SweepInterval == 0 {
		d.addWarning(r, "workspace", "workspace.sweep_interval", "sweep_interval is 0; eviction only runs at startup")
	}
}

// probeWritable creates dir if needed and checks a file can be written in it.
func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".tilepack-probe-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func nearestExisting(p string) (string, error) {
	cur := filepath.Clean(p)
	for {
		info, err := os.Stat(cur)
		if err == nil {
			if !info.IsDir() {
				return "", fmt.Errorf("%s exists and is not a directory", cur)
			}
			return cur, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("no existing ancestor for %s", p)
		}
		cur = parent
	}
}

func isLoopback(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
