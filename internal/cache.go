package internal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// BacklogSpiller 關閉時保存剩餘 backlog、啟動時取回
type BacklogSpiller interface {
	Save(kind string, entries map[int64]int64) error
	Take(kind string) (map[int64]int64, error)
}

// CounterCache 文章瀏覽數與愛心數的寫回快取
//
// 持有 Redis 連線、兩個 counterStore 及其 flush worker。
// 啟動時建立一次，關閉時由 Close 收尾。
type CounterCache struct {
	conn     *ConnManager
	views    *counterStore
	hearts   *counterStore
	pageSize int64
	spill    BacklogSpiller
	clock    Clock
	metrics  *Metrics
	logger   *slog.Logger

	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// CacheOption CounterCache 選項
type CacheOption func(*CounterCache)

// WithClock 替換 flush 排程使用的時間來源
func WithClock(clock Clock) CacheOption {
	return func(c *CounterCache) {
		c.clock = clock
	}
}

// WithSpill 設定 backlog 落盤
func WithSpill(spill BacklogSpiller) CacheOption {
	return func(c *CounterCache) {
		c.spill = spill
	}
}

// NewCounterCache 創建計數快取，呼叫 Start 後才有背景 flush
func NewCounterCache(conn *ConnManager, config *Config, metrics *Metrics, logger *slog.Logger, opts ...CacheOption) *CounterCache {
	c := &CounterCache{
		conn:     conn,
		pageSize: config.Counter.ScanPageSize,
		clock:    RealClock{},
		metrics:  metrics,
		logger:   logger.With("component", "counter_cache"),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.views = newCounterStore(KindViews, conn, config, c.clock, metrics, c.logger)
	c.hearts = newCounterStore(KindHearts, conn, config, c.clock, metrics, c.logger)
	return c
}

func (c *CounterCache) stores() []*counterStore {
	return []*counterStore{c.views, c.hearts}
}

func (c *CounterCache) store(kind CounterKind) *counterStore {
	if kind == KindHearts {
		return c.hearts
	}
	return c.views
}

// Start 取回落盤的 backlog 並啟動兩個 flush worker
func (c *CounterCache) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		if c.spill != nil {
			for _, s := range c.stores() {
				entries, err := c.spill.Take(string(s.kind))
				if err != nil {
					c.logger.Error("restore spilled backlog failed", "kind", s.kind, "error", err)
					continue
				}
				if len(entries) > 0 {
					s.backlog.RestoreAll(entries)
					c.logger.Info("spilled backlog restored", "kind", s.kind, "records", len(entries))
				}
			}
		}

		// worker 不隨請求取消，只由 stop 結束
		workerCtx := context.WithoutCancel(ctx)
		for _, s := range c.stores() {
			c.wg.Add(1)
			go func(s *counterStore) {
				defer c.wg.Done()
				s.runFlushWorker(workerCtx, c.stop)
			}(s)
		}
	})
}

// Close 停止 worker、強制 flush、將剩餘 backlog 落盤並釋放連線
//
// 每一步失敗只記錄，不影響後續步驟。
func (c *CounterCache) Close(ctx context.Context) error {
	var errs []error

	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()

		if err := c.ForceFlushBacklogs(ctx); err != nil {
			errs = append(errs, err)
		}

		if c.spill != nil {
			for _, s := range c.stores() {
				left := s.backlog.Drain()
				if len(left) == 0 {
					continue
				}
				if err := c.spill.Save(string(s.kind), left); err != nil {
					c.logger.Error("spill backlog failed", "kind", s.kind, "records", len(left), "error", err)
					errs = append(errs, err)
					continue
				}
				c.logger.Warn("backlog spilled to disk", "kind", s.kind, "records", len(left))
			}
		}

		if err := c.conn.Release(); err != nil {
			errs = append(errs, err)
		}
	})

	return errors.Join(errs...)
}

// IncrementViews 瀏覽數加一，返回目前估計值
func (c *CounterCache) IncrementViews(ctx context.Context, id int64) int64 {
	return c.views.increment(ctx, id)
}

// GetViews 返回瀏覽數（快取值加上未寫回的增量）
func (c *CounterCache) GetViews(ctx context.Context, id int64) int64 {
	return c.views.get(ctx, id)
}

// IncrementHearts 愛心數加一，返回目前估計值
func (c *CounterCache) IncrementHearts(ctx context.Context, id int64) int64 {
	return c.hearts.increment(ctx, id)
}

// DecrementHearts 愛心數減一，不低於 0
func (c *CounterCache) DecrementHearts(ctx context.Context, id int64) int64 {
	return c.hearts.decrement(ctx, id)
}

// GetHearts 返回愛心數（快取值加上未寫回的增量，不低於 0）
func (c *CounterCache) GetHearts(ctx context.Context, id int64) int64 {
	return c.hearts.get(ctx, id)
}

// ForceFlushBacklogs 同步 flush views 後 flush hearts
func (c *CounterCache) ForceFlushBacklogs(ctx context.Context) error {
	var errs []error
	for _, s := range c.stores() {
		if _, err := s.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FlushBacklog flush 單一種類，返回結果
func (c *CounterCache) FlushBacklog(ctx context.Context, kind CounterKind) (FlushResult, error) {
	return c.store(kind).Flush(ctx)
}

// BacklogLen 返回某種類 backlog 中的文章數
func (c *CounterCache) BacklogLen(kind CounterKind) int {
	return c.store(kind).backlog.Len()
}

// Available 回報 Redis 連線狀態
func (c *CounterCache) Available() bool {
	return c.conn.Available()
}

// SyncStats 以持久層的值預熱快取；已存在的 key 不覆寫
func (c *CounterCache) SyncStats(ctx context.Context, id, views, hearts int64) (err error) {
	defer recoverAsUnexpected(&err, "sync stats")

	client, err := c.conn.Acquire(ctx)
	if err != nil {
		return err
	}

	pipe := client.Pipeline()
	pipe.SetNX(ctx, KindViews.Key(id), views, c.views.ttl)
	pipe.SetNX(ctx, KindHearts.Key(id), max(hearts, 0), c.hearts.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return classifyCacheError(err, "sync stats")
	}

	c.logger.Debug("stats synced to cache", "post_id", id, "views", views, "hearts", hearts)
	return nil
}

// ClearStats 刪除文章的快取計數與 backlog
func (c *CounterCache) ClearStats(ctx context.Context, id int64) (err error) {
	defer recoverAsUnexpected(&err, "clear stats")

	c.views.backlog.Remove(id)
	c.hearts.backlog.Remove(id)

	client, err := c.conn.Acquire(ctx)
	if err != nil {
		return err
	}

	if err := client.Del(ctx, KindViews.Key(id), KindHearts.Key(id)).Err(); err != nil {
		return classifyCacheError(err, "clear stats")
	}

	c.logger.Info("cached stats cleared", "post_id", id)
	return nil
}

