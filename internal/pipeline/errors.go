package pipeline

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// fatalError aborts the entire pass. Per-video and per-segment
// failures are recorded in the store and the pass continues; a fatal
// error (store unreachable, disk full, missing binary) typically
// affects every video, so skipping past it would only hide the
// problem.
type fatalError struct {
	cause error
}

func (e *fatalError) Error() string {
	return "fatal pipeline error: " + e.cause.Error()
}

func (e *fatalError) Unwrap() error { return e.cause }

func fatal(err error) error {
	if err == nil {
		return nil
	}

	return &fatalError{cause: err}
}

// IsFatal reports whether the error should terminate the run with a
// non-zero exit, as opposed to an expected per-video outcome.
func IsFatal(err error) bool {
	var fatalErr *fatalError
	return errors.As(err, &fatalErr)
}

// isLocalResourceFailure detects environmental failures (missing
// splitter/fetcher binary, permissions, disk full) which will recur
// for every video in the pass.
func isLocalResourceFailure(err error) bool {
	return errors.Is(err, exec.ErrNotFound) ||
		errors.Is(err, os.ErrPermission) ||
		errors.Is(err, syscall.ENOSPC)
}
