// Package postgres persists the reward ledger, balances and streak state in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"example.com/rewards/internal/domain"
	"example.com/rewards/internal/events"
	"example.com/rewards/internal/outbox"
)

// Repository implements the ledger, balance and streak stores. Settle and Fail
// write the status change, the balance delta and the outbox event in one
// transaction.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ domain.LedgerStore  = (*Repository)(nil)
	_ domain.BalanceStore = (*Repository)(nil)
	_ domain.StreakStore  = (*Repository)(nil)
)

const entryColumns = `entry_id, user_id, activity_type, activity_id, xp, token_amount::text, COALESCE(item_grant, ''),
        status, external_ref, attempts, failure_reason, xp_applied, tokens_applied, streak_length, created_at, updated_at, settled_at`

// Get retrieves a ledger entry by id.
func (r *Repository) Get(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE entry_id = $1`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// PutIfAbsent inserts entry unless its id is already taken.
func (r *Repository) PutIfAbsent(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, bool, error) {
	if entry.ID == "" {
		return domain.LedgerEntry{}, false, errors.New("ledger entry id is required")
	}
	if entry.Status == "" {
		entry.Status = domain.LedgerStatusPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = entry.CreatedAt
	}

	const stmt = `INSERT INTO ledger_entries (entry_id, user_id, activity_type, activity_id, xp, token_amount, item_grant,
            status, attempts, streak_length, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6::numeric,$7,$8,$9,$10,$11,$12)
        ON CONFLICT DO NOTHING
        RETURNING ` + entryColumns

	row := r.pool.QueryRow(ctx, stmt,
		entry.ID,
		entry.UserID,
		string(entry.ActivityType),
		entry.ActivityID,
		entry.Bundle.XP,
		entry.Bundle.TokenAmount.String(),
		nullIfEmpty(entry.Bundle.ItemGrant),
		string(entry.Status),
		entry.Attempts,
		entry.StreakLength,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	stored, err := scanEntry(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerEntry{}, false, err
	}

	existing, err := r.Get(ctx, entry.ID)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	if existing == nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("ledger entry %s conflicts with an entry under another id", entry.ID)
	}
	return *existing, false, nil
}

// UpdateStatus performs a compare-and-set on the entry status, and on
// updated_at when fields.ExpectUpdatedAt is set.
func (r *Repository) UpdateStatus(ctx context.Context, id string, from, to domain.LedgerStatus, fields domain.StatusFields) error {
	const stmt = `UPDATE ledger_entries
           SET status = $3,
               external_ref = COALESCE($4, external_ref),
               failure_reason = COALESCE($5, failure_reason),
               attempts = COALESCE($6, attempts),
               updated_at = $7
         WHERE entry_id = $1 AND status = $2
           AND ($8::timestamptz IS NULL OR updated_at = $8)`

	tag, err := r.pool.Exec(ctx, stmt, id, string(from), string(to), fields.ExternalRef, fields.FailureReason, fields.Attempts, fields.UpdatedAt, fields.ExpectUpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return domain.ErrEntryNotFound
	}
	if current.Status == from && fields.ExpectUpdatedAt != nil {
		return fmt.Errorf("%s was updated at %s, not %s: %w", id,
			current.UpdatedAt.Format(time.RFC3339Nano), fields.ExpectUpdatedAt.Format(time.RFC3339Nano), domain.ErrStatusConflict)
	}
	return fmt.Errorf("%s is %s, not %s: %w", id, current.Status, from, domain.ErrStatusConflict)
}

// ListPending returns pending entries last touched at or before updatedBefore, oldest first.
func (r *Repository) ListPending(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
        WHERE status = 'pending' AND updated_at <= $1
        ORDER BY updated_at, entry_id
        LIMIT $2`, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows, limit)
}

// ListByUser pages a user's entries newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.LedgerEntry, *domain.Cursor, error) {
	if limit <= 0 {
		limit = 50
	}
	args := []any{userID, limit + 1}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE user_id = $1`
	if cursor != nil {
		query += ` AND (created_at, entry_id) < ($3, $4)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += ` ORDER BY created_at DESC, entry_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	results, err := collectEntries(rows, limit+1)
	if err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(results) > limit {
		results = results[:limit]
		last := results[len(results)-1]
		next = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return results, next, nil
}

// ListUserIDs returns every user with a ledger entry or a stored balance.
func (r *Repository) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id FROM ledger_entries UNION SELECT user_id FROM user_balances ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// GetBalance returns the stored aggregate, or a zero balance for unknown users.
func (r *Repository) GetBalance(ctx context.Context, userID string) (domain.UserBalance, error) {
	balance, err := scanBalance(r.pool.QueryRow(ctx, `SELECT user_id, xp_total, token_total::text, streak_count, last_streak_grant_date, updated_at
        FROM user_balances WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UserBalance{UserID: userID, TokenTotal: decimal.Zero}, nil
	}
	return balance, err
}

// Settle marks a pending entry settled and applies whatever part of its bundle
// has not been applied yet.
func (r *Repository) Settle(ctx context.Context, in domain.SettleInput) (domain.LedgerEntry, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	defer tx.Rollback(ctx)

	entry, err := lockPending(ctx, tx, in.EntryID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	xp, tokens := entry.Delta(true, true)
	if err := applyBalance(ctx, tx, entry, xp, tokens, in.SettledAt); err != nil {
		return domain.LedgerEntry{}, err
	}

	const stmt = `UPDATE ledger_entries
           SET status = 'settled', xp_applied = TRUE, tokens_applied = TRUE,
               external_ref = $2, attempts = $3, failure_reason = NULL,
               updated_at = $4, settled_at = $4
         WHERE entry_id = $1`
	if _, err := tx.Exec(ctx, stmt, entry.ID, in.ExternalRef, in.Attempts, in.SettledAt); err != nil {
		return domain.LedgerEntry{}, err
	}

	settledAt := in.SettledAt
	entry.Status = domain.LedgerStatusSettled
	entry.XPApplied = true
	entry.TokensApplied = true
	entry.ExternalRef = in.ExternalRef
	entry.Attempts = in.Attempts
	entry.FailureReason = nil
	entry.UpdatedAt = settledAt
	entry.SettledAt = &settledAt

	evt := events.RewardSettled{
		EntryID:      entry.ID,
		UserID:       entry.UserID,
		ActivityType: string(entry.ActivityType),
		ActivityID:   entry.ActivityID,
		XP:           entry.Bundle.XP,
		TokenAmount:  entry.Bundle.TokenAmount.StringFixed(2),
		ItemGrant:    entry.Bundle.ItemGrant,
		SettledAt:    settledAt,
	}
	if in.ExternalRef != nil {
		evt.ExternalRef = *in.ExternalRef
	}
	if err := outbox.Enqueue(ctx, tx, outbox.Event{
		UserID:      entry.UserID,
		AggregateID: entry.ID,
		EventType:   events.TypeRewardSettled,
		Payload:     evt,
	}); err != nil {
		return domain.LedgerEntry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

// Fail marks a pending entry failed, applying its XP first when in.GrantXP is set.
func (r *Repository) Fail(ctx context.Context, in domain.FailInput) (domain.LedgerEntry, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	defer tx.Rollback(ctx)

	entry, err := lockPending(ctx, tx, in.EntryID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	if in.GrantXP {
		xp, _ := entry.Delta(true, false)
		if err := applyBalance(ctx, tx, entry, xp, decimal.Zero, in.FailedAt); err != nil {
			return domain.LedgerEntry{}, err
		}
		entry.XPApplied = true
	}

	const stmt = `UPDATE ledger_entries
           SET status = 'failed', xp_applied = $2, failure_reason = $3, attempts = $4, updated_at = $5
         WHERE entry_id = $1`
	if _, err := tx.Exec(ctx, stmt, entry.ID, entry.XPApplied, in.Reason, in.Attempts, in.FailedAt); err != nil {
		return domain.LedgerEntry{}, err
	}

	reason := in.Reason
	entry.Status = domain.LedgerStatusFailed
	entry.FailureReason = &reason
	entry.Attempts = in.Attempts
	entry.UpdatedAt = in.FailedAt

	var granted int64
	if entry.XPApplied {
		granted = entry.Bundle.XP
	}
	if err := outbox.Enqueue(ctx, tx, outbox.Event{
		UserID:      entry.UserID,
		AggregateID: entry.ID,
		EventType:   events.TypeRewardFailed,
		Payload: events.RewardFailed{
			EntryID:      entry.ID,
			UserID:       entry.UserID,
			ActivityType: string(entry.ActivityType),
			ActivityID:   entry.ActivityID,
			XPGranted:    granted,
			Reason:       reason,
			FailedAt:     in.FailedAt,
		},
	}); err != nil {
		return domain.LedgerEntry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

// RepairBalance rebuilds the aggregate from the ledger in one transaction.
// The balance row is locked first; Settle and Fail take the same row lock
// before their ledger update commits, so the sums read here include every
// delta already applied and none that is about to be.
func (r *Repository) RepairBalance(ctx context.Context, userID string, at time.Time) (domain.UserBalance, domain.UserBalance, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.UserBalance{}, domain.UserBalance{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO user_balances (user_id, updated_at) VALUES ($1, $2)
        ON CONFLICT (user_id) DO NOTHING`, userID, at); err != nil {
		return domain.UserBalance{}, domain.UserBalance{}, err
	}
	before, err := scanBalance(tx.QueryRow(ctx, `SELECT user_id, xp_total, token_total::text, streak_count, last_streak_grant_date, updated_at
        FROM user_balances WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return domain.UserBalance{}, domain.UserBalance{}, err
	}

	after := domain.UserBalance{UserID: userID, UpdatedAt: at}
	var tokens string
	if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(xp) FILTER (WHERE xp_applied), 0)::bigint,
               COALESCE(SUM(token_amount) FILTER (WHERE tokens_applied), 0)::text
          FROM ledger_entries WHERE user_id = $1`, userID).Scan(&after.XPTotal, &tokens); err != nil {
		return domain.UserBalance{}, domain.UserBalance{}, err
	}
	if after.TokenTotal, err = decimal.NewFromString(tokens); err != nil {
		return domain.UserBalance{}, domain.UserBalance{}, fmt.Errorf("parse token sum: %w", err)
	}

	var granted time.Time
	err = tx.QueryRow(ctx, `SELECT streak_length, created_at FROM ledger_entries
        WHERE user_id = $1 AND activity_type = $2 AND xp_applied AND streak_length > 0
        ORDER BY created_at DESC LIMIT 1`, userID, string(domain.ActivityStreak)).Scan(&after.StreakCount, &granted)
	switch {
	case err == nil:
		after.LastStreakGrantDate = &granted
	case !errors.Is(err, pgx.ErrNoRows):
		return domain.UserBalance{}, domain.UserBalance{}, err
	}

	const stmt = `UPDATE user_balances
           SET xp_total = $2, token_total = $3::numeric, streak_count = $4,
               last_streak_grant_date = $5, updated_at = $6
         WHERE user_id = $1`
	if _, err := tx.Exec(ctx, stmt, userID, after.XPTotal, after.TokenTotal.String(), after.StreakCount, after.LastStreakGrantDate, at); err != nil {
		return domain.UserBalance{}, domain.UserBalance{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.UserBalance{}, domain.UserBalance{}, err
	}
	return before, after, nil
}

// GetStreak returns nil, nil for users without streak history.
func (r *Repository) GetStreak(ctx context.Context, userID string) (*domain.StreakState, error) {
	row := r.pool.QueryRow(ctx, `SELECT user_id, last_granted_at, current_streak_length, timezone
        FROM streak_states WHERE user_id = $1`, userID)

	var state domain.StreakState
	if err := row.Scan(&state.UserID, &state.LastGrantedAt, &state.CurrentStreakLength, &state.Timezone); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// SaveStreak upserts the streak state.
func (r *Repository) SaveStreak(ctx context.Context, state domain.StreakState) error {
	const stmt = `INSERT INTO streak_states (user_id, last_granted_at, current_streak_length, timezone)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (user_id) DO UPDATE
           SET last_granted_at = EXCLUDED.last_granted_at,
               current_streak_length = EXCLUDED.current_streak_length,
               timezone = EXCLUDED.timezone`

	_, err := r.pool.Exec(ctx, stmt, state.UserID, state.LastGrantedAt, state.CurrentStreakLength, state.Timezone)
	return err
}

func lockPending(ctx context.Context, tx pgx.Tx, id string) (domain.LedgerEntry, error) {
	row := tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE entry_id = $1 FOR UPDATE`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LedgerEntry{}, domain.ErrEntryNotFound
		}
		return domain.LedgerEntry{}, err
	}
	if entry.Status != domain.LedgerStatusPending {
		return domain.LedgerEntry{}, fmt.Errorf("%s is %s: %w", id, entry.Status, domain.ErrStatusConflict)
	}
	return entry, nil
}

// applyBalance adds a delta to the user's aggregate. Streak entries also move
// the streak count and last grant date.
func applyBalance(ctx context.Context, tx pgx.Tx, entry domain.LedgerEntry, xp int64, tokens decimal.Decimal, at time.Time) error {
	isStreak := entry.ActivityType == domain.ActivityStreak && entry.StreakLength > 0
	var grantDate *time.Time
	streakCount := 0
	if isStreak {
		granted := entry.CreatedAt
		grantDate = &granted
		streakCount = entry.StreakLength
	}

	const stmt = `INSERT INTO user_balances (user_id, xp_total, token_total, streak_count, last_streak_grant_date, updated_at)
        VALUES ($1,$2,$3::numeric,$4,$5,$6)
        ON CONFLICT (user_id) DO UPDATE
           SET xp_total = user_balances.xp_total + EXCLUDED.xp_total,
               token_total = user_balances.token_total + EXCLUDED.token_total,
               streak_count = CASE WHEN $7::boolean THEN EXCLUDED.streak_count ELSE user_balances.streak_count END,
               last_streak_grant_date = CASE WHEN $7::boolean THEN EXCLUDED.last_streak_grant_date ELSE user_balances.last_streak_grant_date END,
               updated_at = EXCLUDED.updated_at`

	_, err := tx.Exec(ctx, stmt, entry.UserID, xp, tokens.String(), streakCount, grantDate, at, isStreak)
	return err
}

func scanBalance(row pgx.Row) (domain.UserBalance, error) {
	var (
		balance domain.UserBalance
		tokens  string
	)
	if err := row.Scan(&balance.UserID, &balance.XPTotal, &tokens, &balance.StreakCount, &balance.LastStreakGrantDate, &balance.UpdatedAt); err != nil {
		return domain.UserBalance{}, err
	}
	total, err := decimal.NewFromString(tokens)
	if err != nil {
		return domain.UserBalance{}, fmt.Errorf("parse token_total: %w", err)
	}
	balance.TokenTotal = total
	return balance, nil
}

func scanEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var (
		entry        domain.LedgerEntry
		activityType string
		status       string
		tokens       string
	)
	if err := row.Scan(
		&entry.ID,
		&entry.UserID,
		&activityType,
		&entry.ActivityID,
		&entry.Bundle.XP,
		&tokens,
		&entry.Bundle.ItemGrant,
		&status,
		&entry.ExternalRef,
		&entry.Attempts,
		&entry.FailureReason,
		&entry.XPApplied,
		&entry.TokensApplied,
		&entry.StreakLength,
		&entry.CreatedAt,
		&entry.UpdatedAt,
		&entry.SettledAt,
	); err != nil {
		return domain.LedgerEntry{}, err
	}
	amount, err := decimal.NewFromString(tokens)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("parse token_amount: %w", err)
	}
	entry.ActivityType = domain.ActivityType(activityType)
	entry.Status = domain.LedgerStatus(status)
	entry.Bundle.TokenAmount = amount
	return entry, nil
}

func collectEntries(rows pgx.Rows, capacity int) ([]domain.LedgerEntry, error) {
	defer rows.Close()
	if capacity < 0 {
		capacity = 0
	}
	results := make([]domain.LedgerEntry, 0, capacity)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
