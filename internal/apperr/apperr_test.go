package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefinedErrorsKeepKind(t *testing.T) {
	assert.ErrorIs(t, ErrInvalidState, ErrValidation)
	assert.ErrorIs(t, ErrForbidden, ErrValidation)
	assert.ErrorIs(t, ErrInsufficientFunds, ErrValidation)
	assert.ErrorIs(t, Validationf("amount %d", -1), ErrValidation)
	assert.NotErrorIs(t, ErrDuplicate, ErrConflict)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "conflict", err: fmt.Errorf("match: %w", ErrConflict), want: true},
		{name: "store unavailable", err: ErrStoreUnavailable, want: true},
		{name: "validation", err: ErrValidation, want: false},
		{name: "not found", err: ErrNotFound, want: false},
		{name: "duplicate", err: ErrDuplicate, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetry_StopsOnTerminalError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, 0, func() error {
		calls++
		return ErrNotFound
	})

	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesConflictUpToLimit(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return ErrConflict
	})

	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 3, calls)
}

func TestRetry_SucceedsAfterConflict(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, 0, func() error {
		calls++
		if calls < 2 {
			return ErrStoreUnavailable
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 5, time.Second, func() error {
		return ErrConflict
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrConflict)
}
