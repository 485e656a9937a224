package engine

import (
	"context"
	"errors"
)

// ErrCancelled is returned from Run when the session was aborted, either via
// Cancel or through the caller's context.
var ErrCancelled = errors.New("measurement session cancelled")

// runError maps sampler-level context errors to the public error surface.
// Individual request failures never reach this point; samplers degrade and
// continue, so anything else coming out of a sampler is a programming error
// and passes through unchanged.
func runError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return ErrCancelled
	}
	return err
}
