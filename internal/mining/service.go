// Package mining owns the per-user activation and streak state machine.
// Activation, hourly accrual and offline replays all funnel through the
// same ledger-backed write path, so repeating any of them is a no-op.
package mining

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"taskium/internal/keylock"
	"taskium/internal/metrics"
	"taskium/internal/models"
)

// Settings are the tunable reward constants. Defaults mirror the platform
// settings screen; nothing here is hard-coded into the state machine.
type Settings struct {
	HourlyReward       decimal.Decimal
	ActivationWindow   time.Duration
	StreakWindow       time.Duration
	StreakBonusPercent int
	MaxStreakDays      int
	RandomBonusPercent int
	RandomBonusMax     decimal.Decimal
}

type Store interface {
	GetRewardState(ctx context.Context, userID string) (*models.RewardState, error)
	DeactivateRewardState(ctx context.Context, userID string) error
	ListActiveRewardStates(ctx context.Context) ([]*models.RewardState, error)
	ListHistory(ctx context.Context, userID string, limit int) ([]models.MiningHistoryEntry, error)
	ApplyReward(ctx context.Context, entry *models.MiningHistoryEntry, eventID string, state *models.RewardState) (bool, error)
}

type Service struct {
	Store    Store
	Settings Settings
	Locks    *keylock.KeyLock
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// Now and Rand are swappable for tests.
	Now  func() time.Time
	Rand func() float64
}

func NewService(store Store, settings Settings, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		Store:    store,
		Settings: settings,
		Locks:    keylock.New(),
		Metrics:  m,
		Logger:   logger.With("component", "mining"),
		Now:      time.Now,
		Rand:     rand.Float64,
	}
}

// ActivationResult is the authoritative view returned to the client.
// AlreadyActive is a success outcome, not an error: client retries and
// offline replays are expected to hit it.
type ActivationResult struct {
	State         *models.RewardState
	AlreadyActive bool
	StreakExpired bool
}

// Activate starts (or confirms) a mining session for the user. clientTime,
// when supplied by an offline replay, attributes the activation to when
// the user acted rather than when connectivity returned.
func (s *Service) Activate(ctx context.Context, userID string, source models.RewardSource, clientTime *time.Time) (*ActivationResult, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if !source.Valid() {
		source = models.SourceManual
	}

	s.Locks.Lock(userID)
	defer s.Locks.Unlock(userID)

	now := s.Now().UTC()

	state, err := s.Store.GetRewardState(ctx, userID)
	if err != nil {
		return nil, err
	}
	if state.ActiveAt(now, s.Settings.ActivationWindow) {
		s.count(source, "already_active")
		return &ActivationResult{State: state, AlreadyActive: true}, nil
	}

	effectiveAt := now
	if clientTime != nil {
		ct := clientTime.UTC()
		if !ct.After(now) && now.Sub(ct) < s.Settings.ActivationWindow {
			effectiveAt = ct
		}
	}

	// Continuation is judged against the window recorded by the previous
	// activation. Hourly accruals never move it.
	streakDay := 1
	streakExpired := false
	if state != nil && state.StreakWindowEndsAt != nil {
		if effectiveAt.Before(*state.StreakWindowEndsAt) {
			streakDay = state.StreakDay + 1
			if streakDay > s.Settings.MaxStreakDays {
				streakDay = s.Settings.MaxStreakDays
			}
		} else if state.StreakDay > 0 {
			streakExpired = true
		}
	}

	amount := s.Settings.HourlyReward
	bonusType := models.BonusNone
	bonus := s.streakBonus(streakDay)
	if bonus.IsPositive() {
		bonusType = models.BonusStreak
	}
	if s.Settings.RandomBonusPercent > 0 && s.Rand()*100 < float64(s.Settings.RandomBonusPercent) {
		bonusType = models.BonusRandom
		bonus = bonus.Add(s.Settings.RandomBonusMax.Mul(decimal.NewFromFloat(s.Rand())).Round(4))
	}

	windowEnd := effectiveAt.Add(s.Settings.StreakWindow)
	newState := &models.RewardState{
		UserID:             userID,
		MiningActive:       true,
		LastActivationAt:   &effectiveAt,
		StreakDay:          streakDay,
		StreakWindowEndsAt: &windowEnd,
		HourlyRate:         s.Settings.HourlyReward,
	}

	entry := &models.MiningHistoryEntry{
		UserID:      userID,
		Amount:      amount,
		EntryTime:   effectiveAt,
		StreakDay:   streakDay,
		BonusType:   bonusType,
		BonusAmount: bonus,
		Source:      source,
	}

	applied, err := s.Store.ApplyReward(ctx, entry, rewardEventID(userID, effectiveAt, source), newState)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Same logical event already recorded; hand back whatever the
		// ledger made authoritative.
		current, err := s.Store.GetRewardState(ctx, userID)
		if err != nil {
			return nil, err
		}
		s.count(source, "duplicate")
		return &ActivationResult{State: current, AlreadyActive: true}, nil
	}

	s.count(source, "activated")
	s.Logger.Info("mining activated",
		"user", userID, "streak_day", streakDay, "source", string(source))

	return &ActivationResult{State: newState, StreakExpired: streakExpired}, nil
}

// AccrueHourly credits one hourly reward to every active session and
// expires sessions that crossed the activation window. The ledger key is
// the truncated hour, so running it twice in the same hour credits once.
func (s *Service) AccrueHourly(ctx context.Context, now time.Time) error {
	now = now.UTC()
	states, err := s.Store.ListActiveRewardStates(ctx)
	if err != nil {
		return err
	}

	hour := now.Truncate(time.Hour)
	for _, st := range states {
		if !st.ActiveAt(now, s.Settings.ActivationWindow) {
			if err := s.Store.DeactivateRewardState(ctx, st.UserID); err != nil {
				s.Logger.Error("deactivate failed", "user", st.UserID, "err", err)
			} else {
				s.Logger.Info("mining expired", "user", st.UserID)
			}
			continue
		}

		// The activation itself credited the activation hour.
		activationHour := st.LastActivationAt.UTC().Truncate(time.Hour)
		if !hour.After(activationHour) {
			continue
		}

		bonus := s.streakBonus(st.StreakDay)
		bonusType := models.BonusNone
		if bonus.IsPositive() {
			bonusType = models.BonusStreak
		}
		entry := &models.MiningHistoryEntry{
			UserID:      st.UserID,
			Amount:      st.HourlyRate,
			EntryTime:   hour,
			StreakDay:   st.StreakDay,
			BonusType:   bonusType,
			BonusAmount: bonus,
			Source:      models.SourceAutomatic,
		}
		applied, err := s.Store.ApplyReward(ctx, entry, rewardEventID(st.UserID, hour, models.SourceAutomatic), nil)
		if err != nil {
			s.Logger.Error("accrual failed", "user", st.UserID, "err", err)
			continue
		}
		if applied && s.Metrics != nil {
			s.Metrics.AccrualCredits.Inc()
		}
	}
	return nil
}

// History returns the newest-first accrual/activation records.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]models.MiningHistoryEntry, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	return s.Store.ListHistory(ctx, userID, limit)
}

// State returns the current reward state, nil when the user never mined.
func (s *Service) State(ctx context.Context, userID string) (*models.RewardState, error) {
	return s.Store.GetRewardState(ctx, userID)
}

// streakBonus is hourlyReward * bonusPercent/100 * day beyond the base,
// i.e. the bonus part of the 1 + pct/100*day multiplier.
func (s *Service) streakBonus(day int) decimal.Decimal {
	if day < 1 || s.Settings.StreakBonusPercent <= 0 {
		return decimal.Zero
	}
	if day > s.Settings.MaxStreakDays {
		day = s.Settings.MaxStreakDays
	}
	pct := decimal.NewFromInt(int64(s.Settings.StreakBonusPercent * day))
	return s.Settings.HourlyReward.Mul(pct).Div(decimal.NewFromInt(100)).Round(4)
}

func (s *Service) count(source models.RewardSource, outcome string) {
	if s.Metrics != nil {
		s.Metrics.Activations.WithLabelValues(string(source), outcome).Inc()
	}
}

func rewardEventID(userID string, at time.Time, source models.RewardSource) string {
	return fmt.Sprintf("mine:%s:%s:%s", userID, at.UTC().Format(time.RFC3339), source)
}
