package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func closeRunner(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
}

func TestRunsJobWithPayload(t *testing.T) {
	r := NewRunner(nil)
	defer closeRunner(t, r)

	var got struct{ TaskID string }
	r.Register("echo", func(ctx context.Context, payload json.RawMessage) error {
		return json.Unmarshal(payload, &got)
	}, Options{})

	h, err := r.Enqueue(context.Background(), "j1", "echo", map[string]string{"TaskID": "t1"}, Options{})
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, 1, h.Attempts())
}

func TestRetriesWithBackoffUntilSuccess(t *testing.T) {
	r := NewRunner(nil)
	defer closeRunner(t, r)

	var calls int32
	r.Register("flaky", func(ctx context.Context, _ json.RawMessage) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, Options{Retry: Retry{Attempts: 5, Backoff: time.Millisecond}})

	h, err := r.Enqueue(context.Background(), "j1", "flaky", nil, Options{})
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, 3, h.Attempts())
}

func TestGivesUpAfterAttempts(t *testing.T) {
	r := NewRunner(nil)
	defer closeRunner(t, r)

	r.Register("broken", func(ctx context.Context, _ json.RawMessage) error {
		return errors.New("nope")
	}, Options{})

	h, err := r.Enqueue(context.Background(), "j1", "broken", nil, Options{Retry: Retry{Attempts: 2, Backoff: time.Millisecond}})
	require.NoError(t, err)
	require.EqualError(t, h.Wait(context.Background()), "nope")
	assert.Equal(t, 2, h.Attempts())
}

func TestCoalescesQueuedJobIDs(t *testing.T) {
	r := NewRunner(nil)
	defer closeRunner(t, r)

	release := make(chan struct{})
	holding := make(chan struct{})
	var calls int32
	r.Register("slow", func(ctx context.Context, payload json.RawMessage) error {
		if string(payload) == `"blocker"` {
			close(holding)
			<-release
			return nil
		}
		atomic.AddInt32(&calls, 1)
		return nil
	}, Options{ConcurrencyLimit: 1})

	blocker, err := r.Enqueue(context.Background(), "blocker", "slow", "blocker", Options{})
	require.NoError(t, err)
	<-holding

	h1, err := r.Enqueue(context.Background(), "same", "slow", "work", Options{})
	require.NoError(t, err)
	h2, err := r.Enqueue(context.Background(), "same", "slow", "work", Options{})
	require.NoError(t, err)
	assert.Same(t, h1, h2)

	close(release)
	require.NoError(t, blocker.Wait(context.Background()))
	require.NoError(t, h1.Wait(context.Background()))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRunningJobIDQueuesFollowUp(t *testing.T) {
	r := NewRunner(nil)
	defer closeRunner(t, r)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var running, overlap, calls int32
	r.Register("slow", func(ctx context.Context, _ json.RawMessage) error {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		defer atomic.AddInt32(&running, -1)
		if atomic.AddInt32(&calls, 1) == 1 {
			started <- struct{}{}
			<-release
		}
		return nil
	}, Options{ConcurrencyLimit: 2})

	h1, err := r.Enqueue(context.Background(), "same", "slow", nil, Options{})
	require.NoError(t, err)
	<-started

	h2, err := r.Enqueue(context.Background(), "same", "slow", nil, Options{})
	require.NoError(t, err)
	assert.NotSame(t, h1, h2, "a job already running must not absorb new work")
	h3, err := r.Enqueue(context.Background(), "same", "slow", nil, Options{})
	require.NoError(t, err)
	assert.Same(t, h2, h3)

	close(release)
	require.NoError(t, h1.Wait(context.Background()))
	require.NoError(t, h2.Wait(context.Background()))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Zero(t, atomic.LoadInt32(&overlap), "same-id jobs must not overlap")
	assert.Zero(t, r.Pending())
}

func TestConcurrencyLimitPerKind(t *testing.T) {
	r := NewRunner(nil)
	defer closeRunner(t, r)

	var running, peak int32
	var mu sync.Mutex
	r.Register(KindSendNotifications, func(ctx context.Context, _ json.RawMessage) error {
		n := atomic.AddInt32(&running, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}, Options{ConcurrencyLimit: 5})

	var handles []*Handle
	for i := 0; i < 20; i++ {
		h, err := r.Enqueue(context.Background(), string(rune('a'+i)), KindSendNotifications, i, Options{})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.NoError(t, h.Wait(context.Background()))
	}
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int32(5))
	assert.Greater(t, peak, int32(1))
}

func TestMaxDurationCancelsAttempt(t *testing.T) {
	r := NewRunner(nil)
	defer closeRunner(t, r)

	r.Register("hang", func(ctx context.Context, _ json.RawMessage) error {
		<-ctx.Done()
		return ctx.Err()
	}, Options{MaxDuration: 10 * time.Millisecond})

	h, err := r.Enqueue(context.Background(), "j1", "hang", nil, Options{})
	require.NoError(t, err)
	require.ErrorIs(t, h.Wait(context.Background()), context.DeadlineExceeded)
}

func TestPanicBecomesError(t *testing.T) {
	r := NewRunner(nil)
	defer closeRunner(t, r)

	r.Register("panic", func(ctx context.Context, _ json.RawMessage) error {
		panic("boom")
	}, Options{})
	h, err := r.Enqueue(context.Background(), "j1", "panic", nil, Options{})
	require.NoError(t, err)
	require.ErrorContains(t, h.Wait(context.Background()), "boom")
}

func TestEnqueueErrors(t *testing.T) {
	r := NewRunner(nil)
	_, err := r.Enqueue(context.Background(), "j1", "missing", nil, Options{})
	require.ErrorIs(t, err, ErrUnknownKind)

	r.Register("noop", func(context.Context, json.RawMessage) error { return nil }, Options{})
	closeRunner(t, r)
	_, err = r.Enqueue(context.Background(), "j1", "noop", nil, Options{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseCancelsWhenDeadlinePasses(t *testing.T) {
	r := NewRunner(nil)
	r.Register("hang", func(ctx context.Context, _ json.RawMessage) error {
		<-ctx.Done()
		return ctx.Err()
	}, Options{})
	_, err := r.Enqueue(context.Background(), "j1", "hang", nil, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)
	assert.Equal(t, 0, r.Pending())
}
