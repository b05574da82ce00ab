package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/koopa0/system-design/post-counter-cache/internal"
	"github.com/koopa0/system-design/post-counter-cache/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// DefaultTestConfig 返回測試用的預設配置
//
// 重試退避縮短到毫秒級，背景 flush 間隔拉長，避免干擾測試中的手動 flush。
func DefaultTestConfig() *internal.Config {
	cfg := &internal.Config{}

	// Redis 配置
	cfg.Redis.Addr = "127.0.0.1:6379"
	cfg.Redis.PoolSize = 4
	cfg.Redis.DialTimeout = 200 * time.Millisecond
	cfg.Redis.ReadTimeout = 200 * time.Millisecond
	cfg.Redis.WriteTimeout = 200 * time.Millisecond
	cfg.Redis.ConnectRetries = 3
	cfg.Redis.BackoffBase = time.Millisecond
	cfg.Redis.MaxBackoff = 4 * time.Millisecond

	// Counter 配置
	cfg.Counter.KeyTTL = 24 * time.Hour
	cfg.Counter.FlushInterval = time.Hour
	cfg.Counter.FlushTimeout = time.Second
	cfg.Counter.ScanPageSize = 10

	// Reconcile 配置
	cfg.Reconcile.Interval = time.Hour
	cfg.Reconcile.PassTimeout = 5 * time.Second

	// Log 配置
	cfg.Log.Level = "error"
	cfg.Log.Format = "json"

	cfg.ApplyDefaults()
	return cfg
}

// TestCache 單元測試用的計數快取與其依賴
type TestCache struct {
	Redis    *miniredis.Miniredis
	Config   *internal.Config
	Conn     *internal.ConnManager
	Cache    *internal.CounterCache
	Metrics  *internal.Metrics
	Registry *prometheus.Registry
	Faults   *FaultHook
	Clock    *internal.MockClock
}

// NewTestCache 以 miniredis 建立 CounterCache，測試結束時關閉
func NewTestCache(t *testing.T, configure func(*internal.Config), opts ...internal.CacheOption) *TestCache {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := DefaultTestConfig()
	cfg.Redis.Addr = mr.Addr()
	if configure != nil {
		configure(cfg)
	}

	reg := prometheus.NewRegistry()
	metrics := internal.NewMetrics(reg)
	faults := NewFaultHook()
	clock := internal.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	log := logger.Discard()

	conn := internal.NewConnManager(cfg, log, internal.WithRedisHooks(faults), internal.WithConnClock(clock))
	opts = append([]internal.CacheOption{internal.WithClock(clock)}, opts...)
	cache := internal.NewCounterCache(conn, cfg, metrics, log, opts...)

	t.Cleanup(func() {
		_ = conn.Release()
	})

	return &TestCache{
		Redis:    mr,
		Config:   cfg,
		Conn:     conn,
		Cache:    cache,
		Metrics:  metrics,
		Registry: reg,
		Faults:   faults,
		Clock:    clock,
	}
}

// ErrInjected 故障注入返回的錯誤
var ErrInjected = errors.New("injected redis failure")

// FaultHook 依 key 注入 Redis 命令失敗的 go-redis hook
//
// 命令任一參數等於被標記的 key 時失敗；pipeline 中只有相關命令失敗，其餘照常送出。
type FaultHook struct {
	mu       sync.RWMutex
	failKeys map[string]bool
	commands atomic.Int64
}

// NewFaultHook 創建 FaultHook
func NewFaultHook() *FaultHook {
	return &FaultHook{failKeys: make(map[string]bool)}
}

// FailKey 讓涉及 key 的命令失敗
func (h *FaultHook) FailKey(key string) {
	h.mu.Lock()
	h.failKeys[key] = true
	h.mu.Unlock()
}

// Heal 清除所有故障
func (h *FaultHook) Heal() {
	h.mu.Lock()
	h.failKeys = make(map[string]bool)
	h.mu.Unlock()
}

// Commands 返回經過 hook 的命令數（含失敗的）
func (h *FaultHook) Commands() int64 {
	return h.commands.Load()
}

func (h *FaultHook) shouldFail(cmd redis.Cmder) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.failKeys) == 0 {
		return false
	}
	for _, arg := range cmd.Args()[1:] {
		if s, ok := arg.(string); ok && h.failKeys[s] {
			return true
		}
	}
	return false
}

// DialHook 不攔截連線
func (h *FaultHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

// ProcessHook 攔截單一命令
func (h *FaultHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.commands.Add(1)
		if h.shouldFail(cmd) {
			cmd.SetErr(ErrInjected)
			return ErrInjected
		}
		return next(ctx, cmd)
	}
}

// ProcessPipelineHook 攔截 pipeline，只讓相關命令失敗
func (h *FaultHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		h.commands.Add(int64(len(cmds)))

		pass := make([]redis.Cmder, 0, len(cmds))
		var firstErr error
		for _, cmd := range cmds {
			if h.shouldFail(cmd) {
				cmd.SetErr(ErrInjected)
				if firstErr == nil {
					firstErr = ErrInjected
				}
				continue
			}
			pass = append(pass, cmd)
		}

		if len(pass) > 0 {
			if err := next(ctx, pass); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
}

// MakeHTTPRequest 執行 HTTP 請求的輔助函數；token 非空時帶上 Bearer 認證
func MakeHTTPRequest(t testing.TB, handler http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader = strings.NewReader("")
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

// ParseJSONResponse 解析 JSON 響應
func ParseJSONResponse(t testing.TB, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()

	err := json.NewDecoder(recorder.Body).Decode(target)
	require.NoError(t, err, "failed to parse JSON response")
}

// WaitForCondition 等待條件滿足
func WaitForCondition(t testing.TB, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for condition: %s", message)
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}

// RunConcurrently 並發執行測試函數
func RunConcurrently(t testing.TB, concurrency int, iterations int, fn func(workerID, iteration int)) {
	t.Helper()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				fn(workerID, j)
			}
		}(i)
	}
	wg.Wait()
}
