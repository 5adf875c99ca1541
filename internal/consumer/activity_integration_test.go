//go:build integration

package consumer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap/zaptest"

	"example.com/rewards/internal/disbursement"
	"example.com/rewards/internal/events"
	"example.com/rewards/internal/persistence/postgres"
	"example.com/rewards/internal/streak"
)

type countingTransfer struct{ calls atomic.Int32 }

func (c *countingTransfer) Transfer(context.Context, string, decimal.Decimal, string) (string, error) {
	c.calls.Add(1)
	return "tx-" + uuid.NewString(), nil
}

// stopAfter cancels the run once n messages have been handled.
type stopAfter struct {
	next   Handler
	n      int32
	seen   atomic.Int32
	cancel context.CancelFunc
}

func (s *stopAfter) Handle(ctx context.Context, msg Message) error {
	err := s.next.Handle(ctx, msg)
	if s.seen.Add(1) >= s.n {
		s.cancel()
	}
	return err
}

func TestRedeliveredActivityIsRewardedOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	pool := setupPostgres(t, ctx)
	brokers := setupKafka(t, ctx, events.TopicActivityCompleted)

	repo := postgres.NewRepository(pool)
	transfer := &countingTransfer{}
	logger := zaptest.NewLogger(t)
	coord := disbursement.NewCoordinator(disbursement.Deps{
		Ledger:   repo,
		Balances: repo,
		Gate:     streak.NewGate(repo),
		Transfer: transfer,
	}, disbursement.WithLogger(logger))

	userID := uuid.NewString()
	payload, err := json.Marshal(events.ActivityCompleted{
		UserID:       userID,
		ActivityType: "game",
		ActivityID:   "game-42",
		Difficulty:   "easy",
		Metrics:      map[string]float64{"score": 800, "maxScore": 1000},
		OccurredAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	record := kafka.Message{
		Key:   []byte(userID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(events.TypeActivityCompleted)},
			{Key: "user_id", Value: []byte(userID)},
		},
	}

	writer := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: events.TopicActivityCompleted, RequiredAcks: kafka.RequireAll}
	// The upstream producer retried, so the record is on the log twice.
	require.NoError(t, writer.WriteMessages(ctx, record, record))
	require.NoError(t, writer.Close())

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     "rewards-it-" + uuid.NewString(),
		Topic:       events.TopicActivityCompleted,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     250 * time.Millisecond,
	})
	defer reader.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	handler := &stopAfter{next: NewActivityHandler(coord, logger), n: 2, cancel: stop}

	err = NewProcessor(reader, handler, WithLogger(logger)).Run(runCtx)
	require.ErrorIs(t, err, context.Canceled)

	require.EqualValues(t, 2, handler.seen.Load())
	require.EqualValues(t, 1, transfer.calls.Load())

	var entries int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE user_id = $1 AND status = 'settled'`, userID).Scan(&entries))
	require.Equal(t, 1, entries)

	balance, err := coord.QueryBalance(ctx, userID)
	require.NoError(t, err)
	require.Positive(t, balance.XPTotal)
	require.True(t, balance.TokenTotal.IsPositive())
}

func setupKafka(t *testing.T, ctx context.Context, topic string) []string {
	t.Helper()

	kc, err := kafkacontainer.RunContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kc.Terminate(context.Background()) })

	brokers, err := kc.Brokers(ctx)
	require.NoError(t, err)

	conn, err := kafka.Dial("tcp", brokers[0])
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))
	return brokers
}

func setupPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("rewards"),
		postgrescontainer.WithUsername("rewards"),
		postgrescontainer.WithPassword("rewards"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	var pool *pgxpool.Pool
	require.Eventually(t, func() bool {
		p, err := pgxpool.New(ctx, connStr)
		if err != nil {
			return false
		}
		if p.Ping(ctx) != nil {
			p.Close()
			return false
		}
		pool = p
		return true
	}, 30*time.Second, 500*time.Millisecond)
	t.Cleanup(pool.Close)

	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	files, err := filepath.Glob(filepath.Join(filepath.Dir(file), "../../db/postgres/migrations", "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	sort.Strings(files)
	for _, f := range files {
		sql, err := os.ReadFile(f)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, string(sql))
		require.NoErrorf(t, err, "apply %s", f)
	}
	return pool
}
