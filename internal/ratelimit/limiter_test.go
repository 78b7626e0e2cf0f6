package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/logger"
)

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestUpdateFromHeaders(t *testing.T) {
	now := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)
	l := New(time.Second, logger.Discard(), WithClock(func() time.Time { return now }))

	assert.False(t, l.Snapshot().Known)

	l.Update(header(HeaderLimit, "200", HeaderRemaining, "17", HeaderReset, strconv.FormatInt(now.Add(30*time.Second).Unix(), 10)))
	s := l.Snapshot()
	assert.True(t, s.Known)
	assert.Equal(t, 200, s.Limit)
	assert.Equal(t, 17, s.Remaining)
	assert.Equal(t, now.Add(30*time.Second).Unix(), s.ResetAt.Unix())

	l.Update(header(HeaderRemaining, "16", HeaderReset, "12"))
	s = l.Snapshot()
	assert.Equal(t, 16, s.Remaining)
	assert.Equal(t, now.Add(12*time.Second), s.ResetAt)

	l.Update(http.Header{"Content-Type": []string{"application/json"}})
	assert.Equal(t, 16, l.Snapshot().Remaining, "unrelated headers leave the state alone")

	l.Update(header(HeaderRemaining, "garbage"))
	assert.Equal(t, 16, l.Snapshot().Remaining)
}

func TestRetryAfterExhaustsBudget(t *testing.T) {
	now := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)
	l := New(time.Second, logger.Discard(), WithClock(func() time.Time { return now }))

	l.Update(header(HeaderRemaining, "50", HeaderRetryAfter, "3"))
	s := l.Snapshot()
	assert.Equal(t, 0, s.Remaining)
	assert.Equal(t, now.Add(3*time.Second), s.ResetAt)

	l.Update(header(HeaderRetryAfter, now.Add(10*time.Second).Format(http.TimeFormat)))
	assert.Equal(t, now.Add(10*time.Second), l.Snapshot().ResetAt)
}

func TestAcquireReservesBudget(t *testing.T) {
	l := New(time.Second, logger.Discard(), WithJitter(0))
	l.Update(header(HeaderRemaining, "2", HeaderReset, "60"))

	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Acquire(context.Background()))
	assert.Equal(t, 0, l.Snapshot().Remaining)
}

func TestAcquireWaitsForReset(t *testing.T) {
	l := New(time.Second, logger.Discard(), WithJitter(0))
	l.Update(header(HeaderRemaining, "0", HeaderReset, "0.08"))

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	// The window has rolled over, so the next call goes straight through.
	start = time.Now()
	require.NoError(t, l.Acquire(context.Background()))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, l.Snapshot().Known)
}

func TestAcquireWaitIsBounded(t *testing.T) {
	l := New(50*time.Millisecond, logger.Discard(), WithJitter(0))
	l.Update(header(HeaderRemaining, "0", HeaderReset, "3600"))

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquireHonoursCancellation(t *testing.T) {
	l := New(time.Minute, logger.Discard(), WithJitter(0))
	l.Update(header(HeaderRemaining, "0", HeaderReset, "30"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)
}

func TestConcurrentUpdatesAndAcquires(t *testing.T) {
	l := New(time.Second, logger.Discard(), WithJitter(0))
	l.Update(header(HeaderRemaining, "1000", HeaderReset, "60"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = l.Acquire(context.Background())
				if j%10 == 0 {
					l.Update(header(HeaderLimit, "1000"))
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 600, l.Snapshot().Remaining)
}

func TestWaitersRecheckAfterWaking(t *testing.T) {
	l := New(300*time.Millisecond, logger.Discard(), WithJitter(0))
	l.Update(header(HeaderRemaining, "0", HeaderReset, "0.1"))

	var wg sync.WaitGroup
	waited := make([]time.Duration, 2)
	start := time.Now()
	for i := range waited {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Acquire(context.Background()))
			waited[i] = time.Since(start)
		}(i)
	}

	// A response lands while both wait: the new window has a single call left.
	time.Sleep(30 * time.Millisecond)
	l.Update(header(HeaderRemaining, "1", HeaderReset, "60"))
	wg.Wait()

	fast, slow := waited[0], waited[1]
	if fast > slow {
		fast, slow = slow, fast
	}
	assert.Less(t, fast, 250*time.Millisecond)
	assert.GreaterOrEqual(t, slow, 250*time.Millisecond, "second waiter must not share the last call")
}
