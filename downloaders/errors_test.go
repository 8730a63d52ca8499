package downloaders

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangeError(t *testing.T) {
	err := fmt.Errorf("bodies: %w", &RangeError{
		Range:    Range{From: 101, To: 101},
		Attempts: 3,
		Cause:    fmt.Errorf("peer p1: %w", ErrValidationFailure),
	})

	assert.ErrorIs(t, err, ErrExhaustedRetries)
	assert.ErrorIs(t, err, ErrValidationFailure)
	assert.NotErrorIs(t, err, ErrNetworkFailure)

	var rangeErr *RangeError
	assert.True(t, errors.As(err, &rangeErr))
	assert.Equal(t, Range{From: 101, To: 101}, rangeErr.Range)
	assert.Contains(t, err.Error(), "[101]")
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestRange(t *testing.T) {
	assert.EqualValues(t, 5, Range{From: 105, To: 101}.Len())
	assert.EqualValues(t, 1, Range{From: 7, To: 7}.Len())
	assert.Equal(t, "[1..4]", Range{From: 1, To: 4}.String())
}

func TestAtomicState(t *testing.T) {
	var s AtomicState
	assert.Equal(t, Idle, s.Load())
	s.Store(Failed)
	assert.Equal(t, Failed, s.Load())
	assert.Equal(t, "failed", s.Load().String())
}
