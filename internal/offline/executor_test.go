package offline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskium/internal/mining"
	"taskium/internal/models"
)

// miningStore is the minimal in-memory mining.Store the executor tests
// need: one user, dedupe on the (user, entry time, source) triple.
type miningStore struct {
	state   *models.RewardState
	history []models.MiningHistoryEntry
}

func (s *miningStore) GetRewardState(ctx context.Context, userID string) (*models.RewardState, error) {
	if s.state == nil {
		return nil, nil
	}
	cp := *s.state
	return &cp, nil
}

func (s *miningStore) DeactivateRewardState(ctx context.Context, userID string) error {
	if s.state != nil {
		s.state.MiningActive = false
	}
	return nil
}

func (s *miningStore) ListActiveRewardStates(ctx context.Context) ([]*models.RewardState, error) {
	if s.state != nil && s.state.MiningActive {
		cp := *s.state
		return []*models.RewardState{&cp}, nil
	}
	return nil, nil
}

func (s *miningStore) ListHistory(ctx context.Context, userID string, limit int) ([]models.MiningHistoryEntry, error) {
	return s.history, nil
}

func (s *miningStore) ApplyReward(ctx context.Context, entry *models.MiningHistoryEntry, eventID string, state *models.RewardState) (bool, error) {
	for _, e := range s.history {
		if e.EntryTime.Equal(entry.EntryTime) && e.Source == entry.Source {
			return false, nil
		}
	}
	s.history = append(s.history, *entry)
	if state != nil {
		cp := *state
		s.state = &cp
	}
	return true, nil
}

func newExecutorFixture(now time.Time) (*MiningExecutor, *miningStore) {
	store := &miningStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := mining.NewService(store, mining.Settings{
		HourlyReward:       decimal.NewFromInt(1),
		ActivationWindow:   24 * time.Hour,
		StreakWindow:       48 * time.Hour,
		StreakBonusPercent: 5,
		MaxStreakDays:      10,
	}, nil, logger)
	svc.Now = func() time.Time { return now }
	return &MiningExecutor{Mining: svc}, store
}

func TestExecutorReplaysActivation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exec, store := newExecutorFixture(now)

	a := action("a1")
	a.ClientTimestamp = now.Add(-2 * time.Hour)

	applied, err := exec.AlreadyApplied(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, exec.Execute(context.Background(), a))

	require.Len(t, store.history, 1)
	assert.Equal(t, models.SourceOfflineSync, store.history[0].Source)
	assert.Equal(t, a.ClientTimestamp, store.history[0].EntryTime)

	applied, err = exec.AlreadyApplied(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, applied, "the replayed activation now covers the intent")
}

func TestExecutorDetectsNewerActivation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exec, _ := newExecutorFixture(now)

	// The user activated online after queueing the offline intent.
	_, err := exec.Mining.Activate(context.Background(), "u1", models.SourceManual, nil)
	require.NoError(t, err)

	a := action("a1")
	a.ClientTimestamp = now.Add(-2 * time.Hour)
	applied, err := exec.AlreadyApplied(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestExecutorRejectsUnknownEndpoint(t *testing.T) {
	exec, _ := newExecutorFixture(time.Now().UTC())

	a := action("a1")
	a.Endpoint = "payments/create"
	err := exec.Execute(context.Background(), a)

	var perm Permanent
	assert.True(t, errors.As(err, &perm), "unknown endpoints fail permanently")
}

func TestExecutorRejectsMalformedPayload(t *testing.T) {
	exec, _ := newExecutorFixture(time.Now().UTC())

	a := action("a1")
	a.Payload = json.RawMessage(`{"userId":""}`)
	err := exec.Execute(context.Background(), a)

	var perm Permanent
	assert.True(t, errors.As(err, &perm))
}
