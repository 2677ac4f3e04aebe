package offline

import (
	"context"
	"encoding/json"
	"fmt"

	"taskium/internal/mining"
	"taskium/internal/models"
)

// EndpointActivate is the only mutating intent the client queues today;
// purchases deliberately never queue because a payment approval cannot be
// replayed on the user's behalf.
const EndpointActivate = "mining/activate"

type activatePayload struct {
	UserID string `json:"userId"`
}

// MiningExecutor replays queued actions against the mining service with
// source offline-sync, forwarding the client timestamp so the activation
// is attributed to when the user acted.
type MiningExecutor struct {
	Mining *mining.Service
}

func (e *MiningExecutor) AlreadyApplied(ctx context.Context, action *Action) (bool, error) {
	if action.Endpoint != EndpointActivate {
		return false, nil
	}
	payload, err := decodeActivate(action)
	if err != nil {
		return false, nil // let Execute surface the permanent error
	}

	state, err := e.Mining.State(ctx, payload.UserID)
	if err != nil {
		return false, err
	}
	if state == nil || state.LastActivationAt == nil || !state.MiningActive {
		return false, nil
	}
	// An activation at or after the queued moment already covers this
	// intent.
	return !state.LastActivationAt.Before(action.ClientTimestamp), nil
}

func (e *MiningExecutor) Execute(ctx context.Context, action *Action) error {
	if action.Endpoint != EndpointActivate {
		return Permanent{Err: fmt.Errorf("unknown endpoint %q", action.Endpoint)}
	}
	payload, err := decodeActivate(action)
	if err != nil {
		return Permanent{Err: err}
	}

	ts := action.ClientTimestamp
	if _, err := e.Mining.Activate(ctx, payload.UserID, models.SourceOfflineSync, &ts); err != nil {
		if err == mining.ErrMissingUserID {
			return Permanent{Err: err}
		}
		return err
	}
	return nil
}

func decodeActivate(action *Action) (*activatePayload, error) {
	var p activatePayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("payload has no user id")
	}
	return &p, nil
}
