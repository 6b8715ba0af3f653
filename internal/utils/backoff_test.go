package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffRetriesUntilSuccess(t *testing.T) {
	b := NewBackoff(time.Millisecond, 3).WithoutSleep()
	calls := 0
	err := b.Do(context.Background(), func(i int) error {
		calls++
		if i < 2 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestBackoffStopsAfterMaxRetries(t *testing.T) {
	b := NewBackoff(time.Millisecond, 2).WithoutSleep()
	calls := 0
	err := b.Do(context.Background(), func(int) error {
		calls++
		return errors.New("still failing")
	})
	assert.EqualError(t, err, "still failing")
	assert.Equal(t, 3, calls)
}

func TestBackoffPermanentErrorIsNotRetried(t *testing.T) {
	b := NewBackoff(time.Millisecond, 5).WithoutSleep()
	calls := 0
	sentinel := errors.New("bad request")
	err := b.Do(context.Background(), func(int) error {
		calls++
		return &Permanent{Err: sentinel}
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestBackoffHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewBackoff(time.Hour, 5)
	calls := 0
	err := b.Do(ctx, func(int) error {
		calls++
		return errors.New("down")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
