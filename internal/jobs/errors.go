package jobs

import "fmt"

// InputError is a missing or invalid file or path supplied by the caller.
type InputError struct {
	Msg string
	Err error
}

func (e *InputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *InputError) Unwrap() error { return e.Err }

// ConversionError is a failure reported by the external converter.
type ConversionError struct {
	Source string
	Stderr string
	Err    error
}

func (e *ConversionError) Error() string {
	msg := fmt.Sprintf("convert %s: %v", e.Source, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ConversionError) Unwrap() error { return e.Err }

// ArchiveError is an I/O failure while packaging converted output.
type ArchiveError struct {
	Path string
	Err  error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive %s: %v", e.Path, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// InstallError is a failure while replacing an install target.
// BackupDir is set when the previous content was already moved aside.
type InstallError struct {
	Step      string
	TargetDir string
	BackupDir string
	Err       error
}

func (e *InstallError) Error() string {
	msg := fmt.Sprintf("install %s (%s): %v", e.TargetDir, e.Step, e.Err)
	if e.BackupDir != "" {
		msg += fmt.Sprintf(" (previous content kept at %s)", e.BackupDir)
	}
	return msg
}

func (e *InstallError) Unwrap() error { return e.Err }
