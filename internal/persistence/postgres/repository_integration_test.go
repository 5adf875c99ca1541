//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap/zaptest"

	"example.com/rewards/internal/disbursement"
	"example.com/rewards/internal/domain"
	"example.com/rewards/internal/events"
	"example.com/rewards/internal/streak"
)

func TestPutIfAbsentCreatesOnce(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepository(t, ctx)

	entry := newEntry(uuid.NewString(), domain.ActivityQuiz, "quiz-1", 95, "0.05")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := repo.PutIfAbsent(ctx, entry)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, created)

	stored, err := repo.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, domain.LedgerStatusPending, stored.Status)
	require.True(t, decimal.RequireFromString("0.05").Equal(stored.Bundle.TokenAmount))

	missing, err := repo.Get(ctx, uuid.NewString())
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestUpdateStatusIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepository(t, ctx)

	entry := newEntry(uuid.NewString(), domain.ActivityGame, "game-1", 40, "0.08")
	_, _, err := repo.PutIfAbsent(ctx, entry)
	require.NoError(t, err)

	attempts := 2
	require.NoError(t, repo.UpdateStatus(ctx, entry.ID, domain.LedgerStatusPending, domain.LedgerStatusPending, domain.StatusFields{
		Attempts:  &attempts,
		UpdatedAt: time.Now().UTC(),
	}))

	err = repo.UpdateStatus(ctx, entry.ID, domain.LedgerStatusFailed, domain.LedgerStatusPending, domain.StatusFields{UpdatedAt: time.Now().UTC()})
	require.ErrorIs(t, err, domain.ErrStatusConflict)

	err = repo.UpdateStatus(ctx, uuid.NewString(), domain.LedgerStatusPending, domain.LedgerStatusSettled, domain.StatusFields{UpdatedAt: time.Now().UTC()})
	require.ErrorIs(t, err, domain.ErrEntryNotFound)

	stored, err := repo.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, 2, stored.Attempts)
}

func TestUpdateStatusRejectsStaleObservation(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepository(t, ctx)

	entry := newEntry(uuid.NewString(), domain.ActivityQuiz, "quiz-1", 95, "0.05")
	_, _, err := repo.PutIfAbsent(ctx, entry)
	require.NoError(t, err)
	stale, err := repo.Get(ctx, entry.ID)
	require.NoError(t, err)

	claimedAt := time.Now().UTC().Add(time.Minute).Truncate(time.Microsecond)
	require.NoError(t, repo.UpdateStatus(ctx, entry.ID, domain.LedgerStatusPending, domain.LedgerStatusPending, domain.StatusFields{
		UpdatedAt:       claimedAt,
		ExpectUpdatedAt: &stale.UpdatedAt,
	}))

	err = repo.UpdateStatus(ctx, entry.ID, domain.LedgerStatusPending, domain.LedgerStatusPending, domain.StatusFields{
		UpdatedAt:       claimedAt.Add(time.Second),
		ExpectUpdatedAt: &stale.UpdatedAt,
	})
	require.ErrorIs(t, err, domain.ErrStatusConflict)

	stored, err := repo.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, claimedAt.Equal(stored.UpdatedAt))
}

func TestRepairBalanceDoesNotLoseConcurrentSettlements(t *testing.T) {
	ctx := context.Background()
	repo, pool := setupRepository(t, ctx)

	userID := uuid.NewString()
	const entries = 20
	ids := make([]string, 0, entries)
	for i := 0; i < entries; i++ {
		entry := newEntry(userID, domain.ActivityQuiz, fmt.Sprintf("quiz-%d", i), 95, "0.05")
		_, _, err := repo.PutIfAbsent(ctx, entry)
		require.NoError(t, err)
		ids = append(ids, entry.ID)
	}

	_, err := pool.Exec(ctx, `INSERT INTO user_balances (user_id, xp_total, token_total) VALUES ($1, 9999, 42)`, userID)
	require.NoError(t, err)

	done := make(chan struct{})
	var repairs sync.WaitGroup
	repairs.Add(1)
	go func() {
		defer repairs.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if _, _, err := repo.RepairBalance(ctx, userID, time.Now().UTC()); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	_, rebuilt, err := repo.RepairBalance(ctx, userID, time.Now().UTC())
	require.NoError(t, err)
	require.Zero(t, rebuilt.XPTotal)

	var settles sync.WaitGroup
	for _, id := range ids {
		settles.Add(1)
		go func(id string) {
			defer settles.Done()
			if _, err := repo.Settle(ctx, domain.SettleInput{EntryID: id, Attempts: 1, SettledAt: time.Now().UTC()}); err != nil {
				t.Error(err)
			}
		}(id)
	}
	settles.Wait()
	close(done)
	repairs.Wait()

	balance, err := repo.GetBalance(ctx, userID)
	require.NoError(t, err)
	require.EqualValues(t, 95*entries, balance.XPTotal)
	require.True(t, decimal.RequireFromString("1.00").Equal(balance.TokenTotal), "token total %s", balance.TokenTotal)
}

func TestSettleAppliesBalanceAndOutboxOnce(t *testing.T) {
	ctx := context.Background()
	repo, pool := setupRepository(t, ctx)

	userID := uuid.NewString()
	entry := newEntry(userID, domain.ActivityQuiz, "quiz-1", 95, "0.05")
	_, _, err := repo.PutIfAbsent(ctx, entry)
	require.NoError(t, err)

	ref := "tx-1"
	settled, err := repo.Settle(ctx, domain.SettleInput{EntryID: entry.ID, ExternalRef: &ref, Attempts: 1, SettledAt: time.Now().UTC()})
	require.NoError(t, err)
	require.Equal(t, domain.LedgerStatusSettled, settled.Status)

	_, err = repo.Settle(ctx, domain.SettleInput{EntryID: entry.ID, ExternalRef: &ref, Attempts: 1, SettledAt: time.Now().UTC()})
	require.ErrorIs(t, err, domain.ErrStatusConflict)

	balance, err := repo.GetBalance(ctx, userID)
	require.NoError(t, err)
	require.EqualValues(t, 95, balance.XPTotal)
	require.True(t, decimal.RequireFromString("0.05").Equal(balance.TokenTotal))

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE aggregate_id = $1 AND event_type = $2 AND topic = $3`,
		entry.ID, events.TypeRewardSettled, events.TopicRewardSettled,
	).Scan(&count))
	require.Equal(t, 1, count)
}

func TestFailGrantsXPThenReopenedEntrySettlesTokens(t *testing.T) {
	ctx := context.Background()
	repo, pool := setupRepository(t, ctx)

	userID := uuid.NewString()
	entry := newEntry(userID, domain.ActivityGame, "game-1", 40, "0.08")
	_, _, err := repo.PutIfAbsent(ctx, entry)
	require.NoError(t, err)

	failed, err := repo.Fail(ctx, domain.FailInput{EntryID: entry.ID, Reason: "account frozen", Attempts: 1, GrantXP: true, FailedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.True(t, failed.XPApplied)
	require.False(t, failed.TokensApplied)

	balance, err := repo.GetBalance(ctx, userID)
	require.NoError(t, err)
	require.EqualValues(t, 40, balance.XPTotal)
	require.True(t, balance.TokenTotal.IsZero())

	require.NoError(t, repo.UpdateStatus(ctx, entry.ID, domain.LedgerStatusFailed, domain.LedgerStatusPending, domain.StatusFields{UpdatedAt: time.Now().UTC()}))
	_, err = repo.Settle(ctx, domain.SettleInput{EntryID: entry.ID, Attempts: 2, SettledAt: time.Now().UTC()})
	require.NoError(t, err)

	balance, err = repo.GetBalance(ctx, userID)
	require.NoError(t, err)
	require.EqualValues(t, 40, balance.XPTotal)
	require.True(t, decimal.RequireFromString("0.08").Equal(balance.TokenTotal))

	var types []string
	rows, err := pool.Query(ctx, `SELECT event_type FROM outbox WHERE aggregate_id = $1 ORDER BY event_id`, entry.ID)
	require.NoError(t, err)
	for rows.Next() {
		var eventType string
		require.NoError(t, rows.Scan(&eventType))
		types = append(types, eventType)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []string{events.TypeRewardFailed, events.TypeRewardSettled}, types)
}

func TestListByUserPagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepository(t, ctx)

	userID := uuid.NewString()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		entry := newEntry(userID, domain.ActivityQuiz, fmt.Sprintf("quiz-%d", i), 50, "0")
		entry.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		entry.UpdatedAt = entry.CreatedAt
		_, _, err := repo.PutIfAbsent(ctx, entry)
		require.NoError(t, err)
	}

	first, next, err := repo.ListByUser(ctx, userID, nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NotNil(t, next)
	require.Equal(t, "quiz-4", first[0].ActivityID)

	var all []domain.LedgerEntry
	all = append(all, first...)
	for next != nil {
		var page []domain.LedgerEntry
		page, next, err = repo.ListByUser(ctx, userID, next, 2)
		require.NoError(t, err)
		all = append(all, page...)
	}
	require.Len(t, all, 5)
	require.Equal(t, "quiz-0", all[4].ActivityID)

	pending, err := repo.ListPending(ctx, base.Add(90*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	ids, err := repo.ListUserIDs(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, userID)
}

func TestStreakStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepository(t, ctx)

	userID := uuid.NewString()
	missing, err := repo.GetStreak(ctx, userID)
	require.NoError(t, err)
	require.Nil(t, missing)

	granted := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SaveStreak(ctx, domain.StreakState{UserID: userID, LastGrantedAt: granted, CurrentStreakLength: 3, Timezone: "Asia/Tokyo"}))
	require.NoError(t, repo.SaveStreak(ctx, domain.StreakState{UserID: userID, LastGrantedAt: granted.Add(24 * time.Hour), CurrentStreakLength: 4, Timezone: "Asia/Tokyo"}))

	state, err := repo.GetStreak(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, 4, state.CurrentStreakLength)
	require.Equal(t, "Asia/Tokyo", state.Timezone)
	require.True(t, granted.Add(24*time.Hour).Equal(state.LastGrantedAt))
}

func TestCoordinatorSettlesOnceOverPostgres(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepository(t, ctx)

	transfer := &countingTransfer{}
	coord := disbursement.NewCoordinator(disbursement.Deps{
		Ledger:   repo,
		Balances: repo,
		Gate:     streak.NewGate(repo),
		Transfer: transfer,
	}, disbursement.WithLogger(zaptest.NewLogger(t)))

	userID := uuid.NewString()
	result := domain.ActivityResult{
		UserID:       userID,
		ActivityType: domain.ActivityQuiz,
		ActivityID:   "quiz-1",
		Difficulty:   domain.DifficultyMedium,
		Metrics:      map[string]float64{"correctCount": 9, "totalCount": 10},
		OccurredAt:   time.Now().UTC(),
	}

	var wg sync.WaitGroup
	outcomes := make(chan domain.OutcomeKind, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := coord.Submit(ctx, result)
			if err != nil {
				t.Error(err)
				return
			}
			outcomes <- outcome.Kind
		}()
	}
	wg.Wait()
	close(outcomes)

	settled := 0
	for kind := range outcomes {
		if kind == domain.OutcomeSettled {
			settled++
		}
	}
	require.Equal(t, 1, settled)
	require.Equal(t, 1, transfer.Calls())

	balance, err := coord.QueryBalance(ctx, userID)
	require.NoError(t, err)
	require.EqualValues(t, 95, balance.XPTotal)
	require.True(t, decimal.RequireFromString("0.05").Equal(balance.TokenTotal))
}

type countingTransfer struct {
	mu    sync.Mutex
	calls int
}

func (c *countingTransfer) Transfer(context.Context, string, decimal.Decimal, string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return fmt.Sprintf("tx-%d", c.calls), nil
}

func (c *countingTransfer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newEntry(userID string, activityType domain.ActivityType, activityID string, xp int64, tokens string) domain.LedgerEntry {
	now := time.Now().UTC()
	return domain.LedgerEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		ActivityType: activityType,
		ActivityID:   activityID,
		Bundle:       domain.RewardBundle{XP: xp, TokenAmount: decimal.RequireFromString(tokens)},
		Status:       domain.LedgerStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func setupRepository(t *testing.T, ctx context.Context) (*Repository, *pgxpool.Pool) {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("rewards"),
		postgrescontainer.WithUsername("rewards"),
		postgrescontainer.WithPassword("rewards"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	runMigrations(t, ctx, pool)
	return NewRepository(pool), pool
}

func runMigrations(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()

	files, err := filepath.Glob(filepath.Join(resolvePath(t, "../../../db/postgres/migrations"), "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	sort.Strings(files)

	for _, file := range files {
		contents, readErr := os.ReadFile(file)
		require.NoError(t, readErr)
		_, execErr := pool.Exec(ctx, string(contents))
		require.NoErrorf(t, execErr, "execute migration %s", file)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
