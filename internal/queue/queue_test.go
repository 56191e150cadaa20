package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testPayload struct {
	Value string `json:"value"`
}

func TestBackoffDelayIsExponential(t *testing.T) {
	base := 3 * time.Second
	assert.Equal(t, 3*time.Second, backoffDelay(base, 1))
	assert.Equal(t, 6*time.Second, backoffDelay(base, 2))
	assert.Equal(t, 12*time.Second, backoffDelay(base, 3))
}

func TestMemoryQueueDeliversJob(t *testing.T) {
	q := NewMemoryQueue(3, time.Millisecond, zap.NewNop())

	require.NoError(t, q.Enqueue(context.Background(), testPayload{Value: "hello"}))

	done := make(chan string, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		_ = q.Run(ctx, 2, func(_ context.Context, payload []byte) error {
			done <- string(payload)
			return nil
		})
	}()

	select {
	case got := <-done:
		assert.JSONEq(t, `{"value":"hello"}`, got)
	case <-ctx.Done():
		t.Fatal("job was not delivered")
	}
}

func TestMemoryQueueRetriesThenSucceeds(t *testing.T) {
	q := NewMemoryQueue(3, time.Millisecond, zap.NewNop())
	require.NoError(t, q.Enqueue(context.Background(), testPayload{Value: "flaky"}))

	var attempts atomic.Int32
	done := make(chan struct{}, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		_ = q.Run(ctx, 1, func(_ context.Context, _ []byte) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient failure")
			}
			done <- struct{}{}
			return nil
		})
	}()

	select {
	case <-done:
		assert.Equal(t, int32(3), attempts.Load())
	case <-ctx.Done():
		t.Fatal("job never succeeded")
	}

	dead, err := q.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestMemoryQueueBuriesAfterMaxAttempts(t *testing.T) {
	q := NewMemoryQueue(3, time.Millisecond, zap.NewNop())
	require.NoError(t, q.Enqueue(context.Background(), testPayload{Value: "doomed"}))

	var attempts atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		_ = q.Run(ctx, 1, func(_ context.Context, _ []byte) error {
			attempts.Add(1)
			return errors.New("permanent failure")
		})
	}()

	require.Eventually(t, func() bool {
		dead, err := q.DeadLetters(context.Background(), 10)
		return err == nil && len(dead) == 1
	}, 4*time.Second, 10*time.Millisecond, "job should end up in dead letters")

	dead, err := q.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	// 死信保留完整载荷和失败原因，供人工排查重放
	assert.JSONEq(t, `{"value":"doomed"}`, string(dead[0].Payload))
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Equal(t, "permanent failure", dead[0].LastError)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestMemoryQueueAckedJobIsNotRedelivered(t *testing.T) {
	q := NewMemoryQueue(3, time.Millisecond, zap.NewNop())
	require.NoError(t, q.Enqueue(context.Background(), testPayload{Value: "once"}))

	var count atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_ = q.Run(ctx, 1, func(_ context.Context, _ []byte) error {
		count.Add(1)
		return nil
	})

	assert.Equal(t, int32(1), count.Load())
}
