// Package offline buffers intents attempted without connectivity and
// replays them in order once it returns. The queue is never authoritative:
// before replaying, each action is checked against the server state and
// dropped when its effect already landed.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"taskium/internal/metrics"
)

// Action is one deferred intent. LocalID is the client-side idempotency
// key; ClientTimestamp is when the user acted, forwarded to the server so
// the effect is attributed correctly.
type Action struct {
	LocalID         string
	Endpoint        string
	Payload         json.RawMessage
	ClientTimestamp time.Time
	Attempts        int
}

// Storage is the durable key-value backing; it must survive restarts.
type Storage interface {
	Append(ctx context.Context, action *Action) error
	List(ctx context.Context) ([]*Action, error) // oldest first
	Delete(ctx context.Context, localID string) error
	MarkAttempt(ctx context.Context, localID string) error
}

// Executor replays one action against the authoritative server.
type Executor interface {
	// AlreadyApplied reports whether the action's effect is visible in
	// authoritative state, letting the drain skip the network call.
	AlreadyApplied(ctx context.Context, action *Action) (bool, error)
	// Execute performs the action. A Permanent error discards the action
	// after maxAttempts; any other error is transient and stops the drain.
	Execute(ctx context.Context, action *Action) error
}

// Permanent wraps an error that retrying can never fix (for example a
// deleted package). The drain counts attempts for these instead of
// stopping.
type Permanent struct{ Err error }

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

type OutcomeKind string

const (
	OutcomeApplied    OutcomeKind = "applied"
	OutcomeSkipped    OutcomeKind = "skipped"
	OutcomeDiscarded  OutcomeKind = "discarded"
	OutcomeRetryLater OutcomeKind = "retry_later"
)

// Outcome reports what happened to one queued action during a drain.
type Outcome struct {
	LocalID string
	Kind    OutcomeKind
	Err     error
}

type Queue struct {
	Storage     Storage
	Executor    Executor
	MaxAttempts int
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

func NewQueue(storage Storage, executor Executor, maxAttempts int, m *metrics.Metrics, logger *slog.Logger) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{
		Storage:     storage,
		Executor:    executor,
		MaxAttempts: maxAttempts,
		Metrics:     m,
		Logger:      logger.With("component", "offline"),
	}
}

// Enqueue stores the action. At most one entry exists per LocalID; a
// duplicate enqueue is a no-op.
func (q *Queue) Enqueue(ctx context.Context, action *Action) error {
	if action.LocalID == "" {
		return errors.New("action has no local id")
	}
	if action.ClientTimestamp.IsZero() {
		action.ClientTimestamp = time.Now().UTC()
	}
	return q.Storage.Append(ctx, action)
}

// Peek returns the queued actions oldest first without consuming them.
func (q *Queue) Peek(ctx context.Context) ([]*Action, error) {
	return q.Storage.List(ctx)
}

// Drain replays queued actions strictly oldest first. It stops on the
// first transient failure, leaving the rest queued for the next
// reconnect; permanently failing actions are retried up to MaxAttempts
// and then discarded with the failure surfaced in the outcomes. Finite
// and restartable: a rerun continues where this one stopped.
func (q *Queue) Drain(ctx context.Context) ([]Outcome, error) {
	actions, err := q.Storage.List(ctx)
	if err != nil {
		return nil, err
	}

	var outcomes []Outcome
	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		applied, err := q.Executor.AlreadyApplied(ctx, action)
		if err != nil {
			outcomes = append(outcomes, Outcome{LocalID: action.LocalID, Kind: OutcomeRetryLater, Err: err})
			return outcomes, nil
		}
		if applied {
			if err := q.Storage.Delete(ctx, action.LocalID); err != nil {
				return outcomes, err
			}
			q.count(OutcomeSkipped)
			outcomes = append(outcomes, Outcome{LocalID: action.LocalID, Kind: OutcomeSkipped})
			continue
		}

		execErr := q.Executor.Execute(ctx, action)
		if execErr == nil {
			if err := q.Storage.Delete(ctx, action.LocalID); err != nil {
				return outcomes, err
			}
			q.count(OutcomeApplied)
			outcomes = append(outcomes, Outcome{LocalID: action.LocalID, Kind: OutcomeApplied})
			continue
		}

		var perm Permanent
		if errors.As(execErr, &perm) {
			if action.Attempts+1 >= q.MaxAttempts {
				if err := q.Storage.Delete(ctx, action.LocalID); err != nil {
					return outcomes, err
				}
				q.count(OutcomeDiscarded)
				q.Logger.Warn("offline action discarded",
					"local_id", action.LocalID, "endpoint", action.Endpoint, "err", execErr)
				outcomes = append(outcomes, Outcome{LocalID: action.LocalID, Kind: OutcomeDiscarded, Err: execErr})
				continue
			}
			if err := q.Storage.MarkAttempt(ctx, action.LocalID); err != nil {
				return outcomes, err
			}
			q.count(OutcomeRetryLater)
			outcomes = append(outcomes, Outcome{LocalID: action.LocalID, Kind: OutcomeRetryLater, Err: execErr})
			continue
		}

		// Transient: connectivity is still flaky, stop here and keep the
		// rest queued.
		q.count(OutcomeRetryLater)
		outcomes = append(outcomes, Outcome{LocalID: action.LocalID, Kind: OutcomeRetryLater, Err: execErr})
		return outcomes, nil
	}
	return outcomes, nil
}

func (q *Queue) count(kind OutcomeKind) {
	if q.Metrics != nil {
		q.Metrics.OfflineReplays.WithLabelValues(string(kind)).Inc()
	}
}
