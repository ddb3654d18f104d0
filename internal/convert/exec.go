package convert

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/tilepack/internal/jobs"
	"github.com/mattjoyce/tilepack/internal/log"
)

const (
	// maxStderrBytes caps the converter output kept for error reports. The
	// newest bytes win.
	maxStderrBytes = 64 * 1024

	// DefaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	InputPlaceholder  = "{input}"
	OutputPlaceholder = "{output}"
)

// ExecConverter runs an external command such as
// ["mbtiles-to-asar", "{input}", "{output}"]. When the context ends the
// process gets SIGTERM, then SIGKILL after the grace period.
type ExecConverter struct {
	argv   []string
	grace  time.Duration
	logger *slog.Logger
}

var _ Converter = (*ExecConverter)(nil)

// NewExecConverter validates argv. If neither placeholder appears, input and
// output are appended as the last two arguments.
func NewExecConverter(argv []string, grace time.Duration) (*ExecConverter, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("converter command is empty")
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	cmd := append([]string(nil), argv...)
	joined := strings.Join(cmd[1:], " ")
	if !strings.Contains(joined, InputPlaceholder) && !strings.Contains(joined, OutputPlaceholder) {
		cmd = append(cmd, InputPlaceholder, OutputPlaceholder)
	}

	return &ExecConverter{
		argv:   cmd,
		grace:  grace,
		logger: log.WithComponent("convert.exec"),
	}, nil
}

// Args returns the argv that would run for the given paths.
func (c *ExecConverter) Args(inputPath, outputDir string) []string {
	r := strings.NewReplacer(InputPlaceholder, inputPath, OutputPlaceholder, outputDir)
	out := make([]string, len(c.argv))
	for i, a := range c.argv {
		out[i] = r.Replace(a)
	}
	return out
}

func (c *ExecConverter) Convert(ctx context.Context, inputPath, outputDir string) error {
	args := c.Args(inputPath, outputDir)

	// Don't use CommandContext - termination is managed below.
	cmd := exec.Command(args[0], args[1:]...)

	stderr := &tailBuffer{max: maxStderrBytes}
	cmd.Stdout = stderr
	cmd.Stderr = stderr
	// Grandchildren holding the pipes open must not block Wait forever.
	cmd.WaitDelay = c.grace

	c.logger.Debug("spawning converter", "argv", args)

	if err := cmd.Start(); err != nil {
		return &jobs.ConversionError{Source: inputPath, Err: fmt.Errorf("start converter: %w", err)}
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		c.logger.Warn("converter interrupted, sending SIGTERM", "reason", ctx.Err())
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			c.logger.Error("failed to send SIGTERM", "error", err)
		}

		grace := time.NewTimer(c.grace)
		defer grace.Stop()

		select {
		case <-waitErr:
			c.logger.Info("converter exited after SIGTERM")
		case <-grace.C:
			c.logger.Warn("converter did not exit after SIGTERM, sending SIGKILL")
			if err := cmd.Process.Kill(); err != nil {
				c.logger.Error("failed to send SIGKILL", "error", err)
			}
			<-waitErr
		}

		return &jobs.ConversionError{Source: inputPath, Stderr: truncateStderr(stderr.String()), Err: ctx.Err()}

	case err := <-waitErr:
		if err != nil {
			return &jobs.ConversionError{
				Source: inputPath,
				Stderr: truncateStderr(stderr.String()),
				Err:    fmt.Errorf("converter exited: %w", err),
			}
		}
		return nil
	}
}

// truncateStderr trims whitespace and keeps the last maxStderrBytes.
func truncateStderr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrBytes {
		return s[len(s)-maxStderrBytes:]
	}
	return s
}

// tailBuffer is an io.Writer that retains only the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if n >= b.max {
		b.buf = append(b.buf[:0], p[n-b.max:]...)
		return n, nil
	}
	if over := len(b.buf) + n - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
