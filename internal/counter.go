// Package internal 包含文章計數快取的核心業務邏輯實現
//
// 實現了計數快取的所有核心功能，包括：
//   - 原子計數操作（瀏覽數增加、愛心增減、查詢）
//   - Redis 故障時以記憶體 backlog 暫存增量
//   - backlog 定期回寫 Redis
//   - 定期將 Redis 計數對帳寫入 PostgreSQL
//
// 設計原則：
//   - Redis 是熱路徑，PostgreSQL 是權威來源
//   - 計數操作永遠返回整數，不對呼叫者暴露快取錯誤
//   - 同一個 store 同時間只有一個 flush
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/koopa0/system-design/post-counter-cache/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// decrementScript 值大於 0 才遞減；不存在或為 0 時正規化為 0 並設定 TTL
//
// KEYS[1] = key, ARGV[1] = ttl（秒）
var decrementScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	if current and current > 0 then
		return redis.call('DECR', KEYS[1])
	end
	redis.call('SET', KEYS[1], 0, 'EX', ARGV[1])
	return 0
`)

// applyDeltaScript 將增量套用到現值，結果不低於 0，並重設 TTL
//
// KEYS[1] = key, ARGV[1] = delta, ARGV[2] = ttl（秒）
var applyDeltaScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or '0') or 0
	local value = current + tonumber(ARGV[1])
	if value < 0 then
		value = 0
	end
	redis.call('SET', KEYS[1], value, 'EX', ARGV[2])
	return value
`)

// counterStore 單一種類（views 或 hearts）的計數快取
type counterStore struct {
	kind          CounterKind
	conn          *ConnManager
	backlog       *Backlog
	ttl           time.Duration
	flushInterval time.Duration
	flushTimeout  time.Duration
	clock         Clock
	metrics       *Metrics
	logger        *slog.Logger

	lastFlush atomic.Int64 // unix nano
	flushMu   sync.Mutex
	flushDue  chan struct{}
}

func newCounterStore(kind CounterKind, conn *ConnManager, config *Config, clock Clock, metrics *Metrics, logger *slog.Logger) *counterStore {
	s := &counterStore{
		kind:          kind,
		conn:          conn,
		backlog:       NewBacklog(kind == KindHearts, config.Counter.BacklogMaxEntries),
		ttl:           config.Counter.KeyTTL,
		flushInterval: config.Counter.FlushInterval,
		flushTimeout:  config.Counter.FlushTimeout,
		clock:         clock,
		metrics:       metrics,
		logger:        logger.With("kind", string(kind)),
		flushDue:      make(chan struct{}, 1),
	}
	s.lastFlush.Store(clock.Now().UnixNano())
	return s
}

// ttlSeconds Lua 腳本使用的 TTL 秒數
func (s *counterStore) ttlSeconds() int64 {
	return int64(s.ttl / time.Second)
}

// increment 計數加一並返回目前估計值，不返回錯誤
func (s *counterStore) increment(ctx context.Context, id int64) int64 {
	value, err := s.incr(ctx, id)
	if err != nil {
		return s.degrade(id, 1, "incr", err)
	}

	s.metrics.Ops.WithLabelValues(string(s.kind), "incr", "cache").Inc()
	s.signalFlushIfDue()
	return value
}

func (s *counterStore) incr(ctx context.Context, id int64) (value int64, err error) {
	defer recoverAsUnexpected(&err, "incr")

	client, err := s.conn.Acquire(ctx)
	if err != nil {
		return 0, err
	}

	key := s.kind.Key(id)
	value, err = client.Incr(ctx, key).Result()
	if err != nil {
		return 0, classifyCacheError(err, "incr "+key)
	}

	// TTL 只在 key 建立時設定，後續遞增不延長
	if value == 1 {
		if err := client.Expire(ctx, key, s.ttl).Err(); err != nil {
			s.logger.Warn("set ttl failed", "key", key, "error", err)
		}
	}
	return value, nil
}

// decrement 計數減一，不低於 0；只用於 hearts
func (s *counterStore) decrement(ctx context.Context, id int64) int64 {
	value, err := s.decr(ctx, id)
	if err != nil {
		return s.degrade(id, -1, "decr", err)
	}

	s.metrics.Ops.WithLabelValues(string(s.kind), "decr", "cache").Inc()
	s.signalFlushIfDue()
	return value
}

func (s *counterStore) decr(ctx context.Context, id int64) (value int64, err error) {
	defer recoverAsUnexpected(&err, "decr")

	client, err := s.conn.Acquire(ctx)
	if err != nil {
		return 0, err
	}

	key := s.kind.Key(id)
	value, err = decrementScript.Run(ctx, client, []string{key}, s.ttlSeconds()).Int64()
	if err != nil {
		return 0, classifyCacheError(err, "decr "+key)
	}
	return value, nil
}

// get 返回快取值加上 backlog 中尚未寫入的增量，不低於 0
func (s *counterStore) get(ctx context.Context, id int64) int64 {
	cached, err := s.read(ctx, id)
	if err != nil {
		s.logger.Warn("cache read failed, using backlog only",
			"post_id", id,
			"error_kind", apperrors.KindOf(err),
			"error", err)
		cached = 0
	}
	return max(cached+s.backlog.Value(id), 0)
}

func (s *counterStore) read(ctx context.Context, id int64) (value int64, err error) {
	defer recoverAsUnexpected(&err, "get")

	client, err := s.conn.Acquire(ctx)
	if err != nil {
		return 0, err
	}

	key := s.kind.Key(id)
	value, err = client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, classifyCacheError(err, "get "+key)
	}
	return value, nil
}

// degrade 快取失敗時將增量記入 backlog，返回 backlog 中的物化值
func (s *counterStore) degrade(id, delta int64, op string, cause error) int64 {
	value, accepted := s.backlog.Add(id, delta)
	if !accepted {
		s.metrics.Ops.WithLabelValues(string(s.kind), op, "dropped").Inc()
		s.logger.Error("backlog full, delta dropped",
			"post_id", id,
			"delta", delta,
			"error", cause)
		return 0
	}

	s.metrics.Ops.WithLabelValues(string(s.kind), op, "backlog").Inc()
	s.metrics.BacklogEntries.WithLabelValues(string(s.kind)).Set(float64(s.backlog.Len()))
	s.logger.Warn("cache unavailable, delta added to backlog",
		"post_id", id,
		"delta", delta,
		"error_kind", apperrors.KindOf(cause),
		"error", cause)
	return value
}

// signalFlushIfDue 距上次 flush 超過間隔時通知 worker，不阻塞
func (s *counterStore) signalFlushIfDue() {
	if s.clock.Now().Sub(s.lastFlushTime()) <= s.flushInterval {
		return
	}
	select {
	case s.flushDue <- struct{}{}:
	default:
	}
}

func (s *counterStore) lastFlushTime() time.Time {
	return time.Unix(0, s.lastFlush.Load())
}

func (s *counterStore) markFlushed() {
	s.lastFlush.Store(s.clock.Now().UnixNano())
}

// classifyCacheError 將 Redis 錯誤標記為 CACHE_COMMAND；已分類的錯誤原樣返回
func classifyCacheError(err error, op string) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(err, apperrors.ErrCodeCacheCommand, op)
}

// recoverAsUnexpected 將 panic 轉為 UNEXPECTED 錯誤
func recoverAsUnexpected(errp *error, op string) {
	if r := recover(); r != nil {
		*errp = apperrors.Wrap(fmt.Errorf("panic: %v", r), apperrors.ErrCodeUnexpected, op)
	}
}
