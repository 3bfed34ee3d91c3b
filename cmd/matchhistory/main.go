// cmd/matchhistory is an asynchronous consumer that pops match records from
// the Redis journal and persists them to PostgreSQL in batches.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ppy/osu-server-spectator/internal/cache"
	"github.com/ppy/osu-server-spectator/internal/database"
	"github.com/ppy/osu-server-spectator/internal/multiplayer"
)

// HistoryService reads match records off the Redis queue, accumulates them in
// an in-memory batch, and flushes the batch to the database either when it
// reaches batchSize or on every flushDelay tick.
type HistoryService struct {
	logger      *logrus.Logger
	redisClient *redis.Client
	batchSize   int
	flushDelay  time.Duration

	batchMu sync.Mutex
	batch   []multiplayer.MatchRecord

	// insert is swappable for tests.
	insert func(ctx context.Context, recs []multiplayer.MatchRecord) error

	ctx      context.Context
	cancelFn context.CancelFunc
}

// NewHistoryService constructs a HistoryService from environment variables or
// defaults.
func NewHistoryService(logger *logrus.Logger) *HistoryService {
	batchSize := getEnvInt("MATCH_HISTORY_BATCH_SIZE", 20)
	flushMs := getEnvInt("MATCH_HISTORY_FLUSH_MS", 500)

	rdb := redis.NewClient(&redis.Options{
		Addr: getEnv("REDIS_ADDR", "localhost:6379"),
		DB:   getEnvInt("REDIS_DB", 0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	hs := &HistoryService{
		logger:      logger,
		redisClient: rdb,
		batchSize:   batchSize,
		flushDelay:  time.Duration(flushMs) * time.Millisecond,
		batch:       make([]multiplayer.MatchRecord, 0, batchSize),
		ctx:         ctx,
		cancelFn:    cancel,
	}
	return hs
}

// Run connects to the database and blocks consuming the queue until Stop is
// called.
func (hs *HistoryService) Run() error {
	db, err := database.Connect(hs.ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	pool := db.Pool()
	if hs.insert == nil {
		hs.insert = func(ctx context.Context, recs []multiplayer.MatchRecord) error {
			return insertRecordsTx(ctx, pool, recs)
		}
	}

	hs.logger.Info("match history consumer started")
	hs.readRedisLoop()
	hs.flushBatch()
	hs.logger.Info("match history consumer shutting down")
	return nil
}

// Stop cancels the consume loop. Any batched records are flushed before Run
// returns.
func (hs *HistoryService) Stop() {
	hs.cancelFn()
}

// readRedisLoop continuously uses BLPop to retrieve records from the Redis
// queue, flushing the accumulated batch on every flushDelay tick.
func (hs *HistoryService) readRedisLoop() {
	ticker := time.NewTicker(hs.flushDelay)
	defer ticker.Stop()

	queueName := getEnv("MATCH_QUEUE_NAME", cache.DefaultQueueName)

	for {
		select {
		case <-hs.ctx.Done():
			return

		case <-ticker.C:
			hs.flushBatch()

		default:
			// BLPop with a short timeout so context cancellation is handled.
			res, err := hs.redisClient.BLPop(hs.ctx, 3*time.Second, queueName).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || hs.ctx.Err() != nil {
					continue
				}
				hs.logger.WithError(err).Error("BLPop failed")
				continue
			}
			if len(res) < 2 {
				continue
			}

			// res[0] is the queue name and res[1] the payload.
			var record multiplayer.MatchRecord
			if err := json.Unmarshal([]byte(res[1]), &record); err != nil {
				hs.logger.WithError(err).Warn("invalid match record, skipping")
				continue
			}
			hs.appendToBatch(record)
		}
	}
}

// appendToBatch adds a record to the in-memory batch and flushes if the
// threshold is reached.
func (hs *HistoryService) appendToBatch(record multiplayer.MatchRecord) {
	hs.batchMu.Lock()
	hs.batch = append(hs.batch, record)
	full := len(hs.batch) >= hs.batchSize
	hs.batchMu.Unlock()

	if full {
		hs.flushBatch()
	}
}

// flushBatch writes the current batch to the database in a single
// transaction.
func (hs *HistoryService) flushBatch() {
	hs.batchMu.Lock()
	if len(hs.batch) == 0 {
		hs.batchMu.Unlock()
		return
	}
	batchCopy := make([]multiplayer.MatchRecord, len(hs.batch))
	copy(batchCopy, hs.batch)
	hs.batch = hs.batch[:0]
	hs.batchMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := hs.insert(ctx, batchCopy); err != nil {
		hs.logger.WithError(err).Error("failed to flush match records")
		return
	}
	hs.logger.WithField("count", len(batchCopy)).Info("flushed match records")
}

// insertRecordsTx inserts a batch of match records inside one transaction.
func insertRecordsTx(ctx context.Context, pool *pgxpool.Pool, recs []multiplayer.MatchRecord) error {
	return pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			INSERT INTO multiplayer_match_history (room_id, playlist_item_id, user_ids, finished_at)
			VALUES ($1, $2, $3, $4)
		`
		for _, rec := range recs {
			userIDs, err := json.Marshal(rec.UserIDs)
			if err != nil {
				return err
			}
			var itemID *int64
			if rec.PlaylistItemID != 0 {
				itemID = &rec.PlaylistItemID
			}
			if _, err := tx.Exec(ctx, q, rec.RoomID, itemID, userIDs, rec.FinishedAt); err != nil {
				return fmt.Errorf("failed to insert match record for room %d: %w", rec.RoomID, err)
			}
		}
		return nil
	})
}

func main() {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil {
		logger.SetLevel(level)
	}

	hs := NewHistoryService(logger)

	errc := make(chan error, 1)
	go func() {
		errc <- hs.Run()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil {
			logger.WithError(err).Fatal("match history consumer failed")
		}
	case sig := <-sigs:
		logger.WithField("signal", sig.String()).Info("shutting down")
		hs.Stop()
		if err := <-errc; err != nil {
			logger.WithError(err).Error("shutdown error")
		}
	}
}

// getEnv retrieves an environment variable's value or returns a default.
func getEnv(key, defVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defVal
}

// getEnvInt retrieves an integer value from an environment variable or
// returns a default value.
func getEnvInt(key string, defVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defVal
	}
	return i
}
