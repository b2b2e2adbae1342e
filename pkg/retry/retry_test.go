package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithBaseDelay(time.Millisecond))

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	cause := errors.New("still down")
	attempts := 0
	err := Do(context.Background(), func() error {
		attempts++
		return cause
	}, WithMaxAttempts(3), WithBaseDelay(time.Millisecond))

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, attempts)
}

func TestDo_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, func() error {
		return errors.New("transient")
	}, WithBaseDelay(time.Hour))

	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoff(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	assert.Equal(t, time.Second, calculateBackoff(0, base, max))
	assert.Equal(t, 2*time.Second, calculateBackoff(1, base, max))
	assert.Equal(t, 8*time.Second, calculateBackoff(3, base, max))
	assert.Equal(t, max, calculateBackoff(10, base, max))
}
