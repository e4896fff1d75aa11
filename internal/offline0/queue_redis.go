package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig configures a queue shared between several offline0
// instances.
type RedisQueueConfig struct {
	// URL is a redis:// connection URL.
	URL string
	// Key prefixes the three keys the queue uses.
	Key string
	// PageSize bounds how many ids Pending reads per round trip.
	PageSize int64
}

// redisQueue keeps ids in a sorted set scored by sequence and the actions as
// JSON in a hash, so FIFO order survives restarts and instances.
type redisQueue struct {
	client   *redis.Client
	seqKey   string
	orderKey string
	dataKey  string
	pageSize int64
}

func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (Queue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	key := cfg.Key
	if key == "" {
		key = "offline0:queue"
	}
	page := cfg.PageSize
	if page <= 0 {
		page = 100
	}
	slog.Info("redis queue connected", "key", key)
	return &redisQueue{
		client:   client,
		seqKey:   key + ":seq",
		orderKey: key + ":order",
		dataKey:  key + ":actions",
		pageSize: page,
	}, nil
}

func (q *redisQueue) Enqueue(ctx context.Context, a OfflineAction) (OfflineAction, error) {
	seq, err := q.client.Incr(ctx, q.seqKey).Uint64()
	if err != nil {
		return OfflineAction{}, fmt.Errorf("allocate sequence: %w", err)
	}
	a.ID = uuid.NewString()
	a.Seq = seq
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return OfflineAction{}, err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.dataKey, a.ID, data)
	pipe.ZAdd(ctx, q.orderKey, redis.Z{Score: float64(seq), Member: a.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return OfflineAction{}, fmt.Errorf("persist offline action: %w", err)
	}
	return a, nil
}

func (q *redisQueue) Pending(ctx context.Context) iter.Seq2[OfflineAction, error] {
	return func(yield func(OfflineAction, error) bool) {
		// Page by score so removals during iteration do not shift the window.
		start := "-inf"
		for {
			zs, err := q.client.ZRangeArgsWithScores(ctx, redis.ZRangeArgs{
				Key:     q.orderKey,
				Start:   start,
				Stop:    "+inf",
				ByScore: true,
				Count:   q.pageSize,
			}).Result()
			if err != nil {
				yield(OfflineAction{}, err)
				return
			}
			if len(zs) == 0 {
				return
			}
			ids := make([]string, 0, len(zs))
			for _, z := range zs {
				if id, ok := z.Member.(string); ok {
					ids = append(ids, id)
				}
			}
			vals, err := q.client.HMGet(ctx, q.dataKey, ids...).Result()
			if err != nil {
				yield(OfflineAction{}, err)
				return
			}
			for i, v := range vals {
				s, ok := v.(string)
				if !ok {
					// removed between ZRANGE and HMGET
					continue
				}
				var a OfflineAction
				if err := json.Unmarshal([]byte(s), &a); err != nil {
					if !yield(OfflineAction{}, fmt.Errorf("decode %s: %w", ids[i], err)) {
						return
					}
					continue
				}
				if !yield(a, nil) {
					return
				}
			}
			if int64(len(zs)) < q.pageSize {
				return
			}
			start = fmt.Sprintf("(%d", uint64(zs[len(zs)-1].Score))
		}
	}
}

func (q *redisQueue) Remove(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.orderKey, id)
	pipe.HDel(ctx, q.dataKey, id)
	_, err := pipe.Exec(ctx)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (q *redisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.orderKey).Result()
	return int(n), err
}

func (q *redisQueue) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}
