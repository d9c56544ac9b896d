package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTransient = errors.New("transient")

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 4, time.Millisecond, nil, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnFinalError(t *testing.T) {
	final := errors.New("final")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func(err error) bool {
		return errors.Is(err, errTransient)
	}, func() error {
		calls++
		return final
	})
	assert.ErrorIs(t, err, final)
	assert.Equal(t, 1, calls)
}

func TestDoReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, nil, func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, 3, time.Millisecond, nil, func() error { return errTransient })
	assert.ErrorIs(t, err, context.Canceled)
}
