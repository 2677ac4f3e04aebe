package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"taskium/internal/models"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

func (s *Store) NextDepositIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := s.Pool.QueryRow(ctx, "SELECT nextval('deposit_index_seq')").Scan(&idx)
	return idx, err
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := s.Pool.QueryRow(ctx, `SELECT id, created_at FROM users WHERE id=$1`, id)
	var u models.User
	if err := row.Scan(&u.ID, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// Balance aggregates the ledger instead of reading a mutable counter, so a
// replayed write can never change the outcome twice.
func (s *Store) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger WHERE user_id=$1
	`, userID)
	var balance decimal.Decimal
	if err := row.Scan(&balance); err != nil {
		return decimal.Zero, fmt.Errorf("balance: %w", err)
	}
	return balance, nil
}

func (s *Store) GetRewardState(ctx context.Context, userID string) (*models.RewardState, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT user_id, mining_active, last_activation_at, streak_day,
			streak_window_ends_at, hourly_rate, updated_at
		FROM reward_states WHERE user_id=$1
	`, userID)

	var st models.RewardState
	if err := row.Scan(
		&st.UserID,
		&st.MiningActive,
		&st.LastActivationAt,
		&st.StreakDay,
		&st.StreakWindowEndsAt,
		&st.HourlyRate,
		&st.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

func (s *Store) DeactivateRewardState(ctx context.Context, userID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE reward_states SET mining_active=false, updated_at=now()
		WHERE user_id=$1 AND mining_active=true
	`, userID)
	return err
}

func (s *Store) ListActiveRewardStates(ctx context.Context) ([]*models.RewardState, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT user_id, mining_active, last_activation_at, streak_day,
			streak_window_ends_at, hourly_rate, updated_at
		FROM reward_states WHERE mining_active=true
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*models.RewardState
	for rows.Next() {
		var st models.RewardState
		if err := rows.Scan(
			&st.UserID,
			&st.MiningActive,
			&st.LastActivationAt,
			&st.StreakDay,
			&st.StreakWindowEndsAt,
			&st.HourlyRate,
			&st.UpdatedAt,
		); err != nil {
			return nil, err
		}
		states = append(states, &st)
	}
	return states, rows.Err()
}

func (s *Store) ListHistory(ctx context.Context, userID string, limit int) ([]models.MiningHistoryEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT user_id, amount, entry_time, streak_day, bonus_type,
			bonus_amount, source, created_at
		FROM mining_history
		WHERE user_id=$1
		ORDER BY entry_time DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.MiningHistoryEntry
	for rows.Next() {
		var e models.MiningHistoryEntry
		if err := rows.Scan(
			&e.UserID,
			&e.Amount,
			&e.EntryTime,
			&e.StreakDay,
			&e.BonusType,
			&e.BonusAmount,
			&e.Source,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ApplyReward writes a history entry, its ledger row and the new reward
// state in one transaction. The history dedupe key makes a replay of the
// same logical event report applied=false without touching the ledger.
func (s *Store) ApplyReward(ctx context.Context, entry *models.MiningHistoryEntry, eventID string, state *models.RewardState) (bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
	`, entry.UserID); err != nil {
		return false, err
	}

	res, err := tx.Exec(ctx, `
		INSERT INTO mining_history (
			user_id, amount, entry_time, streak_day, bonus_type,
			bonus_amount, source
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (user_id, entry_time, source) DO NOTHING
	`,
		entry.UserID,
		entry.Amount,
		entry.EntryTime,
		entry.StreakDay,
		entry.BonusType,
		entry.BonusAmount,
		entry.Source,
	)
	if err != nil {
		return false, err
	}
	if res.RowsAffected() == 0 {
		return false, nil
	}

	if err := appendLedger(ctx, tx, &models.LedgerEntry{
		EventID: eventID,
		UserID:  entry.UserID,
		Amount:  entry.Amount.Add(entry.BonusAmount),
		Kind:    models.LedgerMining,
	}); err != nil {
		return false, err
	}

	if state != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO reward_states (
				user_id, mining_active, last_activation_at, streak_day,
				streak_window_ends_at, hourly_rate, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,now())
			ON CONFLICT (user_id) DO UPDATE SET
				mining_active=EXCLUDED.mining_active,
				last_activation_at=EXCLUDED.last_activation_at,
				streak_day=EXCLUDED.streak_day,
				streak_window_ends_at=EXCLUDED.streak_window_ends_at,
				hourly_rate=EXCLUDED.hourly_rate,
				updated_at=now()
		`,
			state.UserID,
			state.MiningActive,
			state.LastActivationAt,
			state.StreakDay,
			state.StreakWindowEndsAt,
			state.HourlyRate,
		); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) GetPackage(ctx context.Context, id string) (*models.TokenPackage, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, token_amount, price_usd, discount_percentage,
			paypal_modifier, bnb_modifier, flutterwave_modifier,
			active, offer_end_date
		FROM token_packages WHERE id=$1
	`, id)

	var p models.TokenPackage
	if err := row.Scan(
		&p.ID,
		&p.TokenAmount,
		&p.PriceUSD,
		&p.DiscountPercentage,
		&p.PayPalModifier,
		&p.BNBModifier,
		&p.FlutterwaveModifier,
		&p.Active,
		&p.OfferEndDate,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListActivePackages(ctx context.Context) ([]models.TokenPackage, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, token_amount, price_usd, discount_percentage,
			paypal_modifier, bnb_modifier, flutterwave_modifier,
			active, offer_end_date
		FROM token_packages
		WHERE active=true
		ORDER BY price_usd
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packages []models.TokenPackage
	for rows.Next() {
		var p models.TokenPackage
		if err := rows.Scan(
			&p.ID,
			&p.TokenAmount,
			&p.PriceUSD,
			&p.DiscountPercentage,
			&p.PayPalModifier,
			&p.BNBModifier,
			&p.FlutterwaveModifier,
			&p.Active,
			&p.OfferEndDate,
		); err != nil {
			return nil, err
		}
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

func (s *Store) CreateOrder(ctx context.Context, order *models.PaymentOrder) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
	`, order.UserID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO payment_orders (
			order_id, user_id, package_id, provider, amount_charged,
			token_amount, status, external_ref, deposit_address,
			captured_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		order.OrderID,
		order.UserID,
		order.PackageID,
		order.Provider,
		order.AmountCharged,
		order.TokenAmount,
		order.Status,
		order.ExternalRef,
		order.DepositAddress,
		order.CapturedAt,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT order_id, user_id, package_id, provider, amount_charged,
			token_amount, status, external_ref, deposit_address,
			created_at, captured_at, updated_at
		FROM payment_orders WHERE order_id=$1
	`, orderID)

	var o models.PaymentOrder
	if err := row.Scan(
		&o.OrderID,
		&o.UserID,
		&o.PackageID,
		&o.Provider,
		&o.AmountCharged,
		&o.TokenAmount,
		&o.Status,
		&o.ExternalRef,
		&o.DepositAddress,
		&o.CreatedAt,
		&o.CapturedAt,
		&o.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// TransitionOrder performs a guarded status change. The WHERE clause keeps
// transitions monotonic even when two writers race: only one of them sees
// RowsAffected > 0.
func (s *Store) TransitionOrder(ctx context.Context, orderID string, from []models.OrderStatus, to models.OrderStatus) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE payment_orders
		SET status=$2, updated_at=now()
		WHERE order_id=$1 AND status=ANY($3)
	`, orderID, to, statusStrings(from))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Store) MarkOrderPending(ctx context.Context, orderID, externalRef string, depositAddress *string) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE payment_orders
		SET status=$2, external_ref=$3, deposit_address=$4, updated_at=now()
		WHERE order_id=$1 AND status='created'
	`, orderID, models.OrderPending, externalRef, depositAddress)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Store) MarkOrderCaptured(ctx context.Context, orderID string, capturedAt time.Time) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE payment_orders
		SET status=$2, captured_at=$3, updated_at=now()
		WHERE order_id=$1 AND status IN ('created','pending_confirmation','verified')
	`, orderID, models.OrderCaptured, capturedAt)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// CreditOrder appends the purchase ledger row and flips the order to
// credited in one transaction. Safe to re-run: a second call finds the
// order already credited and reports applied=false.
func (s *Store) CreditOrder(ctx context.Context, order *models.PaymentOrder) (bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	res, err := tx.Exec(ctx, `
		UPDATE payment_orders
		SET status=$2, updated_at=now()
		WHERE order_id=$1 AND status='captured'
	`, order.OrderID, models.OrderCredited)
	if err != nil {
		return false, err
	}
	if res.RowsAffected() == 0 {
		return false, nil
	}

	if err := appendLedger(ctx, tx, &models.LedgerEntry{
		EventID: "order:" + order.OrderID,
		UserID:  order.UserID,
		Amount:  decimal.NewFromInt(order.TokenAmount),
		Kind:    models.LedgerPurchase,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListOrdersInStatus(ctx context.Context, statuses ...models.OrderStatus) ([]*models.PaymentOrder, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT order_id, user_id, package_id, provider, amount_charged,
			token_amount, status, external_ref, deposit_address,
			created_at, captured_at, updated_at
		FROM payment_orders
		WHERE status=ANY($1)
		ORDER BY created_at
	`, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.PaymentOrder
	for rows.Next() {
		var o models.PaymentOrder
		if err := rows.Scan(
			&o.OrderID,
			&o.UserID,
			&o.PackageID,
			&o.Provider,
			&o.AmountCharged,
			&o.TokenAmount,
			&o.Status,
			&o.ExternalRef,
			&o.DepositAddress,
			&o.CreatedAt,
			&o.CapturedAt,
			&o.UpdatedAt,
		); err != nil {
			return nil, err
		}
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

// appendLedger records one applied balance effect. Duplicate EventIDs are
// absorbed here, which is what makes every credit path replay-safe.
func appendLedger(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger (event_id, user_id, amount, kind)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (event_id) DO NOTHING
	`, e.EventID, e.UserID, e.Amount, e.Kind)
	return err
}

func statusStrings(statuses []models.OrderStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}
