package nats

import (
	"context"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martechdevs/livechat/internal/model"
	"github.com/martechdevs/livechat/pkg/logger"
)

// startTestNATS starts an embedded NATS server with JetStream and connects a client to it.
func startTestNATS(t *testing.T) *Client {
	t.Helper()
	opts := &natsserver.Options{
		Port:               -1,
		JetStream:          true,
		JetStreamMaxMemory: 64 << 20,
		JetStreamMaxStore:  64 << 20,
		StoreDir:           t.TempDir(),
		NoLog:              true,
		NoSigs:             true,
	}
	ns, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("test NATS server failed to start")
	}

	client, err := Connect(context.Background(), Config{URL: ns.ClientURL()}, logger.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Conn().Close()
		ns.Shutdown()
	})
	return client
}

func TestStateStore_PendingRevisionGuard(t *testing.T) {
	client := startTestNATS(t)
	ctx := context.Background()

	state, err := NewStateStore(ctx, client, time.Minute)
	require.NoError(t, err)

	got, err := state.GetPending(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, state.PutPending(ctx, "conv-1", model.PendingResponse{
		PendingUntil:   now.Add(3 * time.Second),
		FirstPendingAt: now,
		LastMessageID:  1,
	}))

	first, err := state.GetPending(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, int64(1), first.LastMessageID)
	assert.True(t, first.FirstPendingAt.Equal(now))

	// A newer message lands before the clear.
	require.NoError(t, state.PutPending(ctx, "conv-1", model.PendingResponse{
		PendingUntil:   now.Add(4 * time.Second),
		FirstPendingAt: now,
		LastMessageID:  2,
	}))

	cleared, err := state.ClearPending(ctx, "conv-1", first.Revision)
	require.NoError(t, err)
	assert.False(t, cleared)

	latest, err := state.GetPending(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(2), latest.LastMessageID)

	cleared, err = state.ClearPending(ctx, "conv-1", latest.Revision)
	require.NoError(t, err)
	assert.True(t, cleared)

	got, err = state.GetPending(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Pending state can be recreated after a clear.
	require.NoError(t, state.PutPending(ctx, "conv-1", model.PendingResponse{LastMessageID: 3}))
	got, err = state.GetPending(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.LastMessageID)
}

func TestStateStore_LockIsExclusive(t *testing.T) {
	client := startTestNATS(t)
	ctx := context.Background()

	state, err := NewStateStore(ctx, client, time.Minute)
	require.NoError(t, err)

	release, ok, err := state.AcquireLock(ctx, "conv-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = state.AcquireLock(ctx, "conv-1")
	require.NoError(t, err)
	assert.False(t, ok, "second acquisition must fail while the lock is held")

	other, ok, err := state.AcquireLock(ctx, "conv-2")
	require.NoError(t, err)
	assert.True(t, ok, "locks are scoped per conversation")
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))

	again, ok, err := state.AcquireLock(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, again(ctx))
}

func TestStateStore_LockExpiresAfterTTL(t *testing.T) {
	client := startTestNATS(t)
	ctx := context.Background()

	state, err := NewStateStore(ctx, client, 2*time.Second)
	require.NoError(t, err)

	// A worker that dies never releases its lock.
	_, ok, err := state.AcquireLock(ctx, "conv-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = state.AcquireLock(ctx, "conv-1")
	require.NoError(t, err)
	require.False(t, ok)

	var release func(context.Context) error
	require.Eventually(t, func() bool {
		r, ok, err := state.AcquireLock(ctx, "conv-1")
		if err != nil || !ok {
			return false
		}
		release = r
		return true
	}, 10*time.Second, 250*time.Millisecond, "lock must expire after the bucket TTL")
	require.NoError(t, release(ctx))
}

func TestStateStore_ConcurrentLockHasOneWinner(t *testing.T) {
	client := startTestNATS(t)
	ctx := context.Background()

	state, err := NewStateStore(ctx, client, time.Minute)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := state.AcquireLock(ctx, "conv-1")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestJobQueue_DelayedDelivery(t *testing.T) {
	client := startTestNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queue, err := NewJobQueue(ctx, client, JobQueueConfig{AckWait: 5 * time.Second})
	require.NoError(t, err)

	receiver, err := queue.Receive(ctx)
	require.NoError(t, err)
	defer receiver.Stop()

	start := time.Now()
	require.NoError(t, queue.Schedule(ctx, "conv-1", 400*time.Millisecond))

	d, err := receiver.Next()
	require.NoError(t, err)
	assert.Equal(t, "conv-1", d.Job.ConversationID)
	assert.Equal(t, 1, d.Job.Attempt)
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	require.NoError(t, d.Ack())

	require.NoError(t, queue.Enqueue(ctx, Job{ConversationID: "conv-2", Attempt: 3}, 0))
	d, err = receiver.Next()
	require.NoError(t, err)
	assert.Equal(t, "conv-2", d.Job.ConversationID)
	assert.Equal(t, 3, d.Job.Attempt)
	require.NoError(t, d.Term())
}

func TestJobQueue_ReceiverStopsWithContext(t *testing.T) {
	client := startTestNATS(t)
	ctx, cancel := context.WithCancel(context.Background())

	queue, err := NewJobQueue(ctx, client, JobQueueConfig{})
	require.NoError(t, err)

	receiver, err := queue.Receive(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := receiver.Next()
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not stop")
	}
}

func TestBroadcaster_FanOut(t *testing.T) {
	client := startTestNATS(t)
	ctx := context.Background()

	b := NewBroadcaster(client)

	type delivery struct {
		conversationID string
		payload        string
	}
	got := make(chan delivery, 4)
	unsubscribe, err := b.Subscribe(func(conversationID string, payload []byte) {
		got <- delivery{conversationID, string(payload)}
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, client.Conn().Flush())
	require.NoError(t, b.Publish(ctx, "conv-1", []byte(`{"type":"message"}`)))

	select {
	case d := <-got:
		assert.Equal(t, "conv-1", d.conversationID)
		assert.JSONEq(t, `{"type":"message"}`, d.payload)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not received")
	}
}
