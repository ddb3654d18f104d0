// Package convert invokes the external mbtiles conversion collaborator.
//
// The conversion algorithm itself is not implemented here. A Converter is
// handed a readable source file and a destination directory that does not
// exist yet; it must create that directory and fill it with the converted
// package. Failures are never retried: conversion is deterministic, so a bad
// input fails the same way twice.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattjoyce/tilepack/internal/jobs"
	"github.com/mattjoyce/tilepack/internal/log"
)

// Converter is the external conversion collaborator.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputDir string) error
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, inputPath, outputDir string) error

func (f ConverterFunc) Convert(ctx context.Context, inputPath, outputDir string) error {
	return f(ctx, inputPath, outputDir)
}

// Runner validates inputs around a Converter and normalizes its failures into
// *jobs.ConversionError.
type Runner struct {
	converter Converter
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout bounds each conversion. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithLogger overrides the runner logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func NewRunner(c Converter, opts ...Option) *Runner {
	r := &Runner{
		converter: c,
		logger:    log.WithComponent("convert"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run converts sourceFile into destinationDir. Every failure is returned as
// *jobs.ConversionError.
func (r *Runner) Run(ctx context.Context, sourceFile, destinationDir string) (err error) {
	fail := func(cause error) error {
		var ce *jobs.ConversionError
		if errors.As(cause, &ce) {
			return ce
		}
		return &jobs.ConversionError{Source: sourceFile, Err: cause}
	}

	if err := checkReadable(sourceFile); err != nil {
		return fail(err)
	}
	if _, err := os.Lstat(destinationDir); err == nil {
		return fail(fmt.Errorf("destination %s already exists", destinationDir))
	} else if !os.IsNotExist(err) {
		return fail(fmt.Errorf("stat destination: %w", err))
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	// Runs after the recover below, so panics also clear partial output.
	defer func() {
		if err != nil {
			if rerr := os.RemoveAll(destinationDir); rerr != nil {
				r.logger.Warn("cannot remove partial output", "destination", destinationDir, "error", rerr)
			}
		}
	}()

	defer func() {
		if p := recover(); p != nil {
			err = fail(fmt.Errorf("converter panicked: %v", p))
		}
	}()

	start := time.Now()
	r.logger.Debug("conversion starting", "source", sourceFile, "destination", destinationDir, "timeout", r.timeout)

	if cerr := r.converter.Convert(ctx, sourceFile, destinationDir); cerr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			timedOut := &jobs.ConversionError{
				Source: sourceFile,
				Err:    fmt.Errorf("conversion timed out after %v: %w", r.timeout, context.DeadlineExceeded),
			}
			var inner *jobs.ConversionError
			if errors.As(cerr, &inner) {
				timedOut.Stderr = inner.Stderr
			}
			return timedOut
		}
		return fail(cerr)
	}

	info, serr := os.Stat(destinationDir)
	if serr != nil {
		return fail(fmt.Errorf("converter did not create %s: %w", destinationDir, serr))
	}
	if !info.IsDir() {
		return fail(fmt.Errorf("converter output %s is not a directory", destinationDir))
	}

	r.logger.Debug("conversion finished", "source", sourceFile, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func checkReadable(path string) error {
	if path == "" {
		return fmt.Errorf("source file path is empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("source %s is not a regular file", path)
	}
	return nil
}
