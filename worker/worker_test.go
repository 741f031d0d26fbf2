package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averlon/anchorwatch/lib/msg"
)

// delivery builds a TaskDelivery recording how it was settled.
type settled struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func delivery(t msg.Task, s *settled) msg.TaskDelivery {
	return msg.TaskDelivery{
		Task: t,
		Ack: func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.acked = true
			return nil
		},
		Nack: func(requeue bool) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.nacked = true
			s.requeue = requeue
			return nil
		},
	}
}

func TestProcessAcksOnSuccess(t *testing.T) {
	db := newFakeDB()
	mb := &fakeBroker{}
	w := newTestWorker(t, db, &fakeChain{}, mb)

	w.handlers["noop"] = func(ctx context.Context, tk msg.Task) error { return nil }

	var s settled
	w.process(0, delivery(msg.Task{ID: "t1", Kind: "noop", MaxRetries: 3}, &s))

	assert.True(t, s.acked)
	assert.Empty(t, mb.tasks())
	assert.Empty(t, db.dls)
}

func TestProcessRequeuesTransientFailure(t *testing.T) {
	db := newFakeDB()
	mb := &fakeBroker{}
	w := newTestWorker(t, db, &fakeChain{}, mb)

	w.handlers["boom"] = func(ctx context.Context, tk msg.Task) error { return errors.New("transient") }

	var s settled
	w.process(0, delivery(msg.Task{ID: "t1", Kind: "boom", MaxRetries: 3}, &s))

	assert.True(t, s.acked, "the original delivery is acked once the retry is queued")

	sent := mb.tasks()
	require.Len(t, sent, 1)
	assert.Equal(t, 1, sent[0].Retries)
	assert.False(t, sent[0].NotBefore.IsZero(), "the retry carries a backoff delay")
	assert.Empty(t, db.dls)
}

func TestProcessDeadLettersWhenRetriesExhausted(t *testing.T) {
	db := newFakeDB()
	mb := &fakeBroker{}
	w := newTestWorker(t, db, &fakeChain{}, mb)

	w.handlers["boom"] = func(ctx context.Context, tk msg.Task) error { return errors.New("still broken") }

	// last allowed attempt
	var s settled
	w.process(0, delivery(msg.Task{ID: "t1", Kind: "boom", Retries: 2, MaxRetries: 3}, &s))

	assert.True(t, s.acked)
	assert.Empty(t, mb.tasks(), "a dead-lettered task is never re-queued")

	require.Len(t, db.dls, 1)
	assert.Equal(t, "t1", db.dls[0].TaskID)
	assert.Equal(t, "boom", db.dls[0].Kind)
	assert.Equal(t, 2, db.dls[0].Retries)
}

func TestProcessPermanentFailureSkipsRetries(t *testing.T) {
	db := newFakeDB()
	mb := &fakeBroker{}
	w := newTestWorker(t, db, &fakeChain{}, mb)

	w.handlers["perm"] = func(ctx context.Context, tk msg.Task) error {
		return fmt.Errorf("%w: no such transaction", ErrPermanent)
	}

	var s settled
	w.process(0, delivery(msg.Task{ID: "t1", Kind: "perm", MaxRetries: 5}, &s))

	assert.True(t, s.acked)
	assert.Empty(t, mb.tasks())
	require.Len(t, db.dls, 1)
}

func TestProcessNacksWhenRequeueFails(t *testing.T) {
	db := newFakeDB()
	mb := &fakeBroker{sendErr: msg.ErrBrokerUnavailable}
	w := newTestWorker(t, db, &fakeChain{}, mb)

	w.handlers["boom"] = func(ctx context.Context, tk msg.Task) error { return errors.New("transient") }

	var s settled
	w.process(0, delivery(msg.Task{ID: "t1", Kind: "boom", MaxRetries: 3}, &s))

	assert.False(t, s.acked)
	assert.True(t, s.nacked)
	assert.True(t, s.requeue, "the delivery goes back to the queue when the retry cannot be published")
}

func TestExecuteEnforcesTimeout(t *testing.T) {
	w := newTestWorker(t, newFakeDB(), &fakeChain{}, &fakeBroker{})
	w.taskTimeout = 20 * time.Millisecond

	w.handlers["slow"] = func(ctx context.Context, tk msg.Task) error {
		time.Sleep(200 * time.Millisecond) // ignores its context
		return nil
	}

	start := time.Now()
	err := w.execute(msg.Task{ID: "t1", Kind: "slow"})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 150*time.Millisecond,
		"execute must return when the limit expires, not when the handler does")
}

func TestProcessRetriesTimedOutTask(t *testing.T) {
	db := newFakeDB()
	mb := &fakeBroker{}
	w := newTestWorker(t, db, &fakeChain{}, mb)
	w.taskTimeout = 20 * time.Millisecond

	w.handlers["slow"] = func(ctx context.Context, tk msg.Task) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}

	var s settled
	w.process(0, delivery(msg.Task{ID: "t1", Kind: "slow", MaxRetries: 3}, &s))

	assert.True(t, s.acked, "the timed out attempt is settled and retried")

	sent := mb.tasks()
	require.Len(t, sent, 1)
	assert.Equal(t, 1, sent[0].Retries)
	assert.Empty(t, db.dls, "a timeout is transient, not a dead letter")
}

func TestExecuteRecoversPanic(t *testing.T) {
	w := newTestWorker(t, newFakeDB(), &fakeChain{}, &fakeBroker{})

	w.handlers["panics"] = func(ctx context.Context, tk msg.Task) error { panic("boom") }

	err := w.execute(msg.Task{ID: "t1", Kind: "panics"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestExecuteUnknownKind(t *testing.T) {
	w := newTestWorker(t, newFakeDB(), &fakeChain{}, &fakeBroker{})

	err := w.execute(msg.Task{ID: "t1", Kind: "no_such_task"})
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestProcessDropsInvalidTask(t *testing.T) {
	db := newFakeDB()
	mb := &fakeBroker{}
	w := newTestWorker(t, db, &fakeChain{}, mb)

	var s settled
	w.process(0, delivery(msg.Task{Kind: "noop"}, &s)) // no id

	assert.True(t, s.acked, "poison messages are dropped, not redelivered")
	assert.Empty(t, mb.tasks())
	assert.Empty(t, db.dls)
}
