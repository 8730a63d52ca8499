// Package downloaders holds what the header and body downloaders share: the
// error taxonomy of a run and its lifecycle state.
package downloaders

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrNetworkFailure is a timeout or disconnect. It is retried against
	// another peer and only surfaces once retries are exhausted.
	ErrNetworkFailure = errors.New("network failure")

	// ErrMalformedResponse is a response that is structurally wrong for the
	// request: empty, too long, or carrying unexpected numbers.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrValidationFailure is a well-formed response whose linkage or content
	// commitments do not check out.
	ErrValidationFailure = errors.New("validation failure")

	// ErrBufferFull is returned by a reassembly buffer at capacity. It is a
	// backpressure signal and never terminates a run.
	ErrBufferFull = errors.New("reassembly buffer full")

	// ErrExhaustedRetries terminates a run when a range failed max_retries
	// times.
	ErrExhaustedRetries = errors.New("exhausted retries")

	// ErrNoTarget terminates a header run whose target could not be resolved.
	ErrNoTarget = errors.New("sync target could not be resolved")

	// ErrInconsistentTarget terminates a header run whose target does not
	// descend from the local head. No peer is blamed and no retry is spent.
	ErrInconsistentTarget = errors.New("target does not extend local head")

	// ErrSuperseded ends a header run replaced by a new target.
	ErrSuperseded = errors.New("run superseded by a new target")
)

// Range is an inclusive span of block numbers.
type Range struct {
	From, To uint64
}

func (r Range) String() string {
	if r.From == r.To {
		return fmt.Sprintf("[%d]", r.From)
	}
	return fmt.Sprintf("[%d..%d]", r.From, r.To)
}

// Len returns the number of blocks in the range.
func (r Range) Len() uint64 {
	if r.To < r.From {
		return r.From - r.To + 1
	}
	return r.To - r.From + 1
}

// RangeError is the terminal error of a run. It identifies the failing range
// and wraps both ErrExhaustedRetries and the last failure cause.
type RangeError struct {
	Range    Range
	Attempts int
	Cause    error
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range %v failed after %d attempts: %v", e.Range, e.Attempts, e.Cause)
}

// Unwrap exposes ErrExhaustedRetries and the cause to errors.Is/As.
func (e *RangeError) Unwrap() []error {
	return []error{ErrExhaustedRetries, e.Cause}
}

// State is the lifecycle of a downloader run.
type State int32

const (
	Idle State = iota
	Syncing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Syncing:
		return "syncing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// AtomicState is a State safe for concurrent reads.
type AtomicState struct {
	v atomic.Int32
}

// Load returns the current state.
func (s *AtomicState) Load() State { return State(s.v.Load()) }

// Store sets the state.
func (s *AtomicState) Store(state State) { s.v.Store(int32(state)) }
