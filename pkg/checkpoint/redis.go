package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/catalog"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const backendRedis = "redis"

// DefaultRedisKey is the hash holding the checkpoint, one field per page.
const DefaultRedisKey = "catalog:checkpoint:cards"

// redisMetaField holds the checkpoint's page size next to the page fields.
const redisMetaField = "_meta"

type redisMeta struct {
	PageSize int `json:"page_size"`
}

// RedisStore keeps the checkpoint in a Redis hash keyed by page number.
// HSET is atomic per field, so concurrent appends need no client-side lock.
type RedisStore struct {
	redis    *redis.Client
	key      string
	pageSize int
	ttl      time.Duration
	logger   zerolog.Logger
}

// NewRedisStore creates a Redis-backed checkpoint for pages of pageSize
// stored under key. A positive ttl refreshes the key's expiry on every append
// so abandoned checkpoints eventually disappear.
func NewRedisStore(redisClient *redis.Client, key string, pageSize int, ttl time.Duration) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{
		redis:    redisClient,
		key:      key,
		pageSize: pageSize,
		ttl:      ttl,
		logger:   logging.NewLogger("checkpoint").With().Str("backend", backendRedis).Logger(),
	}
}

// Key returns the Redis key of the checkpoint hash.
func (s *RedisStore) Key() string {
	return s.key
}

// PageSize implements Store.
func (s *RedisStore) PageSize() int {
	return s.pageSize
}

// Load implements Store. Fields that are not a page number or whose value
// does not decode are skipped, so those pages are refetched. A hash without
// metadata or written at another page size is deleted and reported empty.
func (s *RedisStore) Load(ctx context.Context) (State, error) {
	fields, err := s.redis.HGetAll(ctx, s.key).Result()
	if err != nil {
		Errors.WithLabelValues(backendRedis, "load").Inc()
		return NewState(), fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return NewState(), nil
	}

	if err := s.checkMeta(fields[redisMetaField]); err != nil {
		Corrupt.WithLabelValues(backendRedis).Inc()
		s.logger.Warn().
			Err(err).
			Str("key", s.key).
			Msg("Checkpoint unusable, starting from scratch")
		if err := s.redis.Del(ctx, s.key).Err(); err != nil {
			Errors.WithLabelValues(backendRedis, "load").Inc()
			return NewState(), fmt.Errorf("redis del stale checkpoint: %w", err)
		}
		Pages.WithLabelValues(backendRedis).Set(0)
		return NewState(), nil
	}

	state := NewState()
	for field, value := range fields {
		if field == redisMetaField {
			continue
		}
		page, err := strconv.Atoi(field)
		if err != nil || page < 1 {
			Corrupt.WithLabelValues(backendRedis).Inc()
			s.logger.Warn().Str("field", field).Msg("Skipping checkpoint entry with invalid page number")
			continue
		}

		var records []catalog.Record
		if err := json.Unmarshal([]byte(value), &records); err != nil {
			Corrupt.WithLabelValues(backendRedis).Inc()
			s.logger.Warn().Err(err).Int("page", page).Msg("Skipping unreadable checkpoint entry")
			continue
		}
		state.Pages[page] = records
	}

	Pages.WithLabelValues(backendRedis).Set(float64(state.PageCount()))
	if state.PageCount() > 0 {
		s.logger.Info().
			Str("key", s.key).
			Int("pages", state.PageCount()).
			Int("records", state.Len()).
			Msg("Checkpoint loaded")
	}
	return state, nil
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, page int, records []catalog.Record) error {
	if records == nil {
		records = []catalog.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		Errors.WithLabelValues(backendRedis, "append").Inc()
		return fmt.Errorf("marshal page %d: %w", page, err)
	}

	meta, err := json.Marshal(redisMeta{PageSize: s.pageSize})
	if err != nil {
		Errors.WithLabelValues(backendRedis, "append").Inc()
		return fmt.Errorf("marshal checkpoint metadata: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, s.key, strconv.Itoa(page), data, redisMetaField, meta)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}
	fieldCount := pipe.HLen(ctx, s.key)

	if _, err := pipe.Exec(ctx); err != nil {
		Errors.WithLabelValues(backendRedis, "append").Inc()
		return fmt.Errorf("store checkpoint page %d in redis: %w", page, err)
	}

	pageCount := fieldCount.Val() - 1
	Appends.WithLabelValues(backendRedis).Inc()
	Pages.WithLabelValues(backendRedis).Set(float64(pageCount))

	s.logger.Debug().
		Int("page", page).
		Int("records", len(records)).
		Int64("pages", pageCount).
		Msg("Checkpoint updated")
	return nil
}

// checkMeta validates the metadata field of a non-empty hash.
func (s *RedisStore) checkMeta(raw string) error {
	if raw == "" {
		return fmt.Errorf("checkpoint has no %s field", redisMetaField)
	}
	var meta redisMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return fmt.Errorf("decode checkpoint metadata: %w", err)
	}
	if meta.PageSize != s.pageSize {
		return fmt.Errorf("checkpoint written at page size %d, want %d", meta.PageSize, s.pageSize)
	}
	return nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.key).Err(); err != nil {
		Errors.WithLabelValues(backendRedis, "clear").Inc()
		return fmt.Errorf("redis del: %w", err)
	}

	Pages.WithLabelValues(backendRedis).Set(0)
	s.logger.Info().Str("key", s.key).Msg("Checkpoint cleared")
	return nil
}
