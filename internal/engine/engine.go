// Package engine defines the diarization engine contract the workflow
// consumes. Backends implement Engine; the service never depends on how a
// backend produces its speaker turns.
package engine

import (
	"context"
	"fmt"

	"voxsplit/internal/audio"
)

// ErrorKind classifies an engine failure for retry decisions.
type ErrorKind string

const (
	// KindTransient covers failures worth retrying (timeouts, busy backend).
	KindTransient ErrorKind = "transient"
	// KindUnsupported covers input the backend rejects; never retried.
	KindUnsupported ErrorKind = "unsupported"
	// KindInternal covers backend faults that are not input-dependent.
	KindInternal ErrorKind = "internal"
)

// Error is the typed failure an engine backend returns.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine %s: %s", e.Kind, e.Message)
}

// NewError builds a typed engine error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Turn is one contiguous speaker-attributed span of the input signal.
// Turns arrive as a finite sequence ordered by the backend; ordering is
// preserved because speaker labels are assigned by first appearance.
type Turn struct {
	Speaker    string  `json:"speaker"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Duration returns the turn length in seconds.
func (t Turn) Duration() float64 { return t.End - t.Start }

// Engine is the interface diarization backends must implement.
type Engine interface {
	// Diarize maps a waveform to speaker-labeled turns. It is invoked once
	// per task attempt and must return a finite sequence.
	Diarize(ctx context.Context, w *audio.Waveform) ([]Turn, error)

	// IsAvailable reports whether the backend is reachable.
	IsAvailable(ctx context.Context) bool
}
