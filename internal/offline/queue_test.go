package offline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStorage struct {
	actions []*Action
}

func (m *memStorage) Append(ctx context.Context, action *Action) error {
	for _, a := range m.actions {
		if a.LocalID == action.LocalID {
			return nil
		}
	}
	cp := *action
	m.actions = append(m.actions, &cp)
	return nil
}

func (m *memStorage) List(ctx context.Context) ([]*Action, error) {
	out := make([]*Action, 0, len(m.actions))
	for _, a := range m.actions {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStorage) Delete(ctx context.Context, localID string) error {
	for i, a := range m.actions {
		if a.LocalID == localID {
			m.actions = append(m.actions[:i], m.actions[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memStorage) MarkAttempt(ctx context.Context, localID string) error {
	for _, a := range m.actions {
		if a.LocalID == localID {
			a.Attempts++
		}
	}
	return nil
}

// scriptedExecutor answers per LocalID and records execution order.
type scriptedExecutor struct {
	applied  map[string]bool
	execErr  map[string]error
	executed []string
}

func (e *scriptedExecutor) AlreadyApplied(ctx context.Context, action *Action) (bool, error) {
	return e.applied[action.LocalID], nil
}

func (e *scriptedExecutor) Execute(ctx context.Context, action *Action) error {
	e.executed = append(e.executed, action.LocalID)
	return e.execErr[action.LocalID]
}

func newTestQueue(storage Storage, executor Executor, maxAttempts int) *Queue {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewQueue(storage, executor, maxAttempts, nil, logger)
}

func action(localID string) *Action {
	return &Action{
		LocalID:         localID,
		Endpoint:        EndpointActivate,
		Payload:         json.RawMessage(`{"userId":"u1"}`),
		ClientTimestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestEnqueueDeduplicatesByLocalID(t *testing.T) {
	storage := &memStorage{}
	q := newTestQueue(storage, &scriptedExecutor{}, 3)

	require.NoError(t, q.Enqueue(context.Background(), action("a1")))
	require.NoError(t, q.Enqueue(context.Background(), action("a1")))

	queued, err := q.Peek(context.Background())
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestEnqueueRequiresLocalID(t *testing.T) {
	q := newTestQueue(&memStorage{}, &scriptedExecutor{}, 3)
	err := q.Enqueue(context.Background(), &Action{Endpoint: EndpointActivate})
	assert.Error(t, err)
}

func TestDrainAppliesInOrder(t *testing.T) {
	storage := &memStorage{}
	exec := &scriptedExecutor{applied: map[string]bool{}, execErr: map[string]error{}}
	q := newTestQueue(storage, exec, 3)

	require.NoError(t, q.Enqueue(context.Background(), action("a1")))
	require.NoError(t, q.Enqueue(context.Background(), action("a2")))

	outcomes, err := q.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, OutcomeApplied, outcomes[0].Kind)
	assert.Equal(t, OutcomeApplied, outcomes[1].Kind)
	assert.Equal(t, []string{"a1", "a2"}, exec.executed)

	queued, _ := q.Peek(context.Background())
	assert.Empty(t, queued)
}

func TestDrainSkipsAlreadyApplied(t *testing.T) {
	storage := &memStorage{}
	exec := &scriptedExecutor{
		applied: map[string]bool{"a1": true},
		execErr: map[string]error{},
	}
	q := newTestQueue(storage, exec, 3)

	require.NoError(t, q.Enqueue(context.Background(), action("a1")))

	outcomes, err := q.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeSkipped, outcomes[0].Kind)
	assert.Empty(t, exec.executed, "an already-applied action must not hit the network")

	queued, _ := q.Peek(context.Background())
	assert.Empty(t, queued)
}

func TestDrainStopsOnTransientError(t *testing.T) {
	storage := &memStorage{}
	exec := &scriptedExecutor{
		applied: map[string]bool{},
		execErr: map[string]error{"a1": errors.New("no route to host")},
	}
	q := newTestQueue(storage, exec, 3)

	require.NoError(t, q.Enqueue(context.Background(), action("a1")))
	require.NoError(t, q.Enqueue(context.Background(), action("a2")))

	outcomes, err := q.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeRetryLater, outcomes[0].Kind)
	assert.Equal(t, []string{"a1"}, exec.executed, "a2 must wait for the next drain")

	queued, _ := q.Peek(context.Background())
	assert.Len(t, queued, 2, "nothing is lost on a transient failure")
}

func TestDrainDiscardsPermanentAfterMaxAttempts(t *testing.T) {
	storage := &memStorage{}
	exec := &scriptedExecutor{
		applied: map[string]bool{},
		execErr: map[string]error{"a1": Permanent{Err: errors.New("package gone")}},
	}
	q := newTestQueue(storage, exec, 2)

	require.NoError(t, q.Enqueue(context.Background(), action("a1")))
	require.NoError(t, q.Enqueue(context.Background(), action("a2")))

	outcomes, err := q.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, OutcomeRetryLater, outcomes[0].Kind, "first permanent failure counts an attempt")
	assert.Equal(t, OutcomeApplied, outcomes[1].Kind, "a permanent failure does not block the rest")

	outcomes, err = q.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeDiscarded, outcomes[0].Kind)
	assert.Error(t, outcomes[0].Err)

	queued, _ := q.Peek(context.Background())
	assert.Empty(t, queued)
}

func TestSQLiteStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	storage, err := NewSQLiteStorage(ctx, t.TempDir()+"/queue.db")
	require.NoError(t, err)
	defer storage.Close()

	a := action("a1")
	require.NoError(t, storage.Append(ctx, a))
	require.NoError(t, storage.Append(ctx, a), "duplicate append is a no-op")

	actions, err := storage.List(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "a1", actions[0].LocalID)
	assert.Equal(t, EndpointActivate, actions[0].Endpoint)
	assert.JSONEq(t, `{"userId":"u1"}`, string(actions[0].Payload))

	require.NoError(t, storage.MarkAttempt(ctx, "a1"))
	actions, err = storage.List(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, 1, actions[0].Attempts)

	require.NoError(t, storage.Delete(ctx, "a1"))
	actions, err = storage.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, actions)
}
