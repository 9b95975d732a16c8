package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunsEveryJob(t *testing.T) {
	q := NewQueue(10, 3)

	var ran atomic.Int32
	for range 10 {
		require.True(t, q.Enqueue(Job{Run: func() error {
			ran.Add(1)
			return nil
		}}))
	}

	q.Start()
	q.Stop()
	assert.Equal(t, int32(10), ran.Load())
}

func TestFullQueue(t *testing.T) {
	q := NewQueue(1, 1)
	assert.True(t, q.Enqueue(Job{Run: func() error { return nil }}))
	assert.False(t, q.Enqueue(Job{Run: func() error { return nil }}))
	assert.Equal(t, 1, q.Len())
}

func TestOnFail(t *testing.T) {
	q := NewQueue(1, 1)
	q.Start()

	var mu sync.Mutex
	var got error
	boom := errors.New("boom")
	require.True(t, q.Enqueue(Job{
		Run: func() error { return boom },
		OnFail: func(err error) {
			mu.Lock()
			got = err
			mu.Unlock()
		},
	}))

	q.Stop()
	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, got, boom)
}

func TestEnqueueAfterStop(t *testing.T) {
	q := NewQueue(1, 1)
	q.Start()
	q.Stop()
	q.Stop()

	assert.False(t, q.Enqueue(Job{Run: func() error { return nil }}))
}
