package internal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	apperrors "github.com/koopa0/system-design/post-counter-cache/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ConnManager 管理共用的 Redis 連線
//
// 第一次 Acquire 或先前連線失敗後，會建立新的 client 並以 PING 確認可用，
// 最多嘗試 ConnectRetries 次，每次重試前等待 min(base*2^n, max)。
// 同時間多個 Acquire 只會觸發一次連線嘗試。
type ConnManager struct {
	options  redis.Options
	retries  int
	base     time.Duration
	maxWait  time.Duration
	cooldown time.Duration
	hooks    []redis.Hook
	clock    Clock
	logger   *slog.Logger

	mu          sync.RWMutex
	client      *redis.Client
	lastFailure time.Time

	group singleflight.Group
}

// ConnOption ConnManager 選項
type ConnOption func(*ConnManager)

// WithRedisHooks 在每個建立的 client 上安裝 hook
func WithRedisHooks(hooks ...redis.Hook) ConnOption {
	return func(m *ConnManager) {
		m.hooks = append(m.hooks, hooks...)
	}
}

// WithConnClock 替換冷卻期計算用的時間來源
func WithConnClock(clock Clock) ConnOption {
	return func(m *ConnManager) {
		m.clock = clock
	}
}

// NewConnManager 依配置創建連線管理器，不會立即連線
func NewConnManager(config *Config, logger *slog.Logger, opts ...ConnOption) *ConnManager {
	m := &ConnManager{
		options: redis.Options{
			Addr:         config.Redis.Addr,
			Password:     config.Redis.Password,
			DB:           config.Redis.DB,
			PoolSize:     config.Redis.PoolSize,
			MinIdleConns: config.Redis.MinIdleConns,
			MaxRetries:   config.Redis.MaxRetries,
			DialTimeout:  config.Redis.DialTimeout,
			ReadTimeout:  config.Redis.ReadTimeout,
			WriteTimeout: config.Redis.WriteTimeout,
		},
		retries:  max(config.Redis.ConnectRetries, 1),
		base:     config.Redis.BackoffBase,
		maxWait:  config.Redis.MaxBackoff,
		cooldown: config.Redis.RetryCooldown,
		clock:    RealClock{},
		logger:   logger.With("component", "redis_conn"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire 返回可用的 client；重試預算用盡時返回 CONNECTION_UNAVAILABLE
func (m *ConnManager) Acquire(ctx context.Context) (*redis.Client, error) {
	m.mu.RLock()
	client, lastFailure := m.client, m.lastFailure
	m.mu.RUnlock()

	if client != nil {
		return client, nil
	}

	if m.cooldown > 0 && !lastFailure.IsZero() && m.clock.Now().Sub(lastFailure) < m.cooldown {
		return nil, apperrors.ErrConnectionUnavailable.WithDetails("in retry cooldown")
	}

	// 連線嘗試與呼叫者的取消脫鉤，讓共用同一次嘗試的其他呼叫者不受影響
	ch := m.group.DoChan("connect", func() (any, error) {
		return m.connect(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*redis.Client), nil
	case <-ctx.Done():
		return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeConnectionUnavailable, "acquire cancelled")
	}
}

// connect 建立新的 client 並以 PING 驗證，失敗時依退避策略重試
func (m *ConnManager) connect(ctx context.Context) (*redis.Client, error) {
	// singleflight 內再檢查一次，避免剛完成的連線被重建
	m.mu.RLock()
	if m.client != nil {
		client := m.client
		m.mu.RUnlock()
		return client, nil
	}
	m.mu.RUnlock()

	var (
		client  *redis.Client
		attempt int
	)

	operation := func() error {
		attempt++
		c := m.newClient()
		if err := c.Ping(ctx).Err(); err != nil {
			_ = c.Close()
			return err
		}
		client = c
		return nil
	}

	notify := func(err error, wait time.Duration) {
		m.logger.Warn("redis connect failed, retrying",
			"attempt", attempt,
			"max_attempts", m.retries,
			"wait", wait,
			"error", err)
	}

	if err := backoff.RetryNotify(operation, m.newBackOff(ctx), notify); err != nil {
		m.mu.Lock()
		m.lastFailure = m.clock.Now()
		m.mu.Unlock()

		m.logger.Error("redis connect failed, giving up",
			"addr", m.options.Addr,
			"attempts", attempt,
			"error", err)
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConnectionUnavailable, "redis connect")
	}

	m.mu.Lock()
	m.client = client
	m.lastFailure = time.Time{}
	m.mu.Unlock()

	m.logger.Info("redis connected", "addr", m.options.Addr, "attempts", attempt)
	return client, nil
}

// newBackOff 第 n 次重試前等待 min(base*2^n, maxWait)，最後一次嘗試後不再等待
func (m *ConnManager) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.base * 2
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = m.maxWait
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.retries-1)), ctx)
}

func (m *ConnManager) newClient() *redis.Client {
	opts := m.options
	client := redis.NewClient(&opts)
	for _, h := range m.hooks {
		client.AddHook(h)
	}
	return client
}

// Available 回報目前是否持有已驗證的連線
func (m *ConnManager) Available() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client != nil
}

// Release 關閉連線與連線池並重置狀態，之後的 Acquire 會重新建立
func (m *ConnManager) Release() error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.lastFailure = time.Time{}
	m.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		m.logger.Warn("redis close failed", "error", err)
		return err
	}
	m.logger.Info("redis connection released")
	return nil
}
