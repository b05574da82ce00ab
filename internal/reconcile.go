package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/koopa0/system-design/post-counter-cache/pkg/errors"
)

// ReconcilerState 對帳排程器狀態
type ReconcilerState int32

const (
	StateIdle     ReconcilerState = iota // 尚未啟動
	StateRunning                         // 執行對帳中
	StateSleeping                        // 等待下一輪
	StateDraining                        // 關閉中，執行最後一輪
	StateStopped
)

func (s ReconcilerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// StatsSource 對帳需要的快取操作，由 CounterCache 實作
type StatsSource interface {
	ForceFlushBacklogs(ctx context.Context) error
	GetAllCachedStats(ctx context.Context) (views, hearts map[int64]int64)
	Close(ctx context.Context) error
}

// PassResult 單輪對帳結果
type PassResult struct {
	RunID     string
	Written   int
	Failed    int
	Committed bool
	Duration  time.Duration
}

// Reconciler 定期將快取計數覆寫到持久層
//
// 每輪：flush backlog → 讀取所有快取計數 → 單一 session 逐筆覆寫 → 一次提交。
// 單輪失敗只記錄，下一輪再試；同時間只會有一輪在跑。
type Reconciler struct {
	cache       StatsSource
	store       DurableStore
	interval    time.Duration
	passTimeout time.Duration
	clock       Clock
	metrics     *Metrics
	logger      *slog.Logger

	state   atomic.Int32
	lastRun atomic.Int64 // unix nano，0 表示尚未完成過
	runMu   sync.Mutex

	started      atomic.Bool
	stop         chan struct{}
	done         chan struct{}
	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewReconciler 創建對帳排程器
func NewReconciler(cache StatsSource, store DurableStore, config *Config, clock Clock, metrics *Metrics, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		cache:       cache,
		store:       store,
		interval:    config.Reconcile.Interval,
		passTimeout: config.Reconcile.PassTimeout,
		clock:       clock,
		metrics:     metrics,
		logger:      logger.With("component", "reconciler"),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// State 返回目前狀態
func (r *Reconciler) State() ReconcilerState {
	return ReconcilerState(r.state.Load())
}

// LastRun 返回最近一次成功提交的時間
func (r *Reconciler) LastRun() (time.Time, bool) {
	ns := r.lastRun.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// setLoopState 迴圈內的狀態轉換，進入 Draining 後不再回頭
func (r *Reconciler) setLoopState(next ReconcilerState) {
	for {
		current := r.state.Load()
		if ReconcilerState(current) >= StateDraining {
			return
		}
		if r.state.CompareAndSwap(current, int32(next)) {
			return
		}
	}
}

// Start 啟動對帳迴圈，立即執行第一輪
func (r *Reconciler) Start(ctx context.Context) {
	first := false
	r.startOnce.Do(func() {
		first = true
		r.started.Store(true)
		r.logger.Info("reconciler started", "interval", r.interval)
		go r.loop(context.WithoutCancel(ctx))
	})
	if !first {
		r.logger.Warn("reconciler already running")
	}
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		r.setLoopState(StateRunning)
		r.runPass(ctx)
		r.setLoopState(StateSleeping)

		timer := time.NewTimer(r.interval)
		select {
		case <-r.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (r *Reconciler) runPass(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.passTimeout)
	defer cancel()

	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error("reconcile pass failed, retrying next interval",
			"error_kind", apperrors.KindOf(err),
			"error", err)
	}
}

// RunOnce 執行一輪對帳；呼叫者之間互斥
//
// 單筆寫入失敗記錄後略過，不影響其他文章與最後的提交。
// 快取中沒有任何計數時不開 session、不提交。
func (r *Reconciler) RunOnce(ctx context.Context) (result PassResult, err error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	result.RunID = uuid.New().String()
	log := r.logger.With("run_id", result.RunID)
	start := time.Now()

	var session Session
	defer func() {
		if rec := recover(); rec != nil {
			err = apperrors.Wrap(fmt.Errorf("panic: %v", rec), apperrors.ErrCodeUnexpected, "reconcile pass")
		}
		if session != nil && !result.Committed {
			if rbErr := session.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				log.Warn("rollback failed", "error", rbErr)
			}
		}
		result.Duration = time.Since(start)
		r.metrics.ReconcileTime.Observe(result.Duration.Seconds())
		if err != nil {
			r.metrics.ReconcilePasses.WithLabelValues("failed").Inc()
		}
	}()

	if err := r.cache.ForceFlushBacklogs(ctx); err != nil {
		log.Warn("backlog flush before reconcile failed", "error", err)
	}

	views, hearts := r.cache.GetAllCachedStats(ctx)
	if len(views) == 0 && len(hearts) == 0 {
		r.metrics.ReconcilePasses.WithLabelValues("empty").Inc()
		log.Debug("no cached stats, skipping pass")
		return result, nil
	}

	session, err = r.store.BeginSession(ctx)
	if err != nil {
		return result, err
	}

	for _, batch := range []struct {
		kind   CounterKind
		values map[int64]int64
	}{
		{KindViews, views},
		{KindHearts, hearts},
	} {
		for _, id := range slices.Sorted(maps.Keys(batch.values)) {
			if err := session.UpdateField(ctx, id, batch.kind, batch.values[id]); err != nil {
				result.Failed++
				r.metrics.ReconcileWrites.WithLabelValues(string(batch.kind), "failed").Inc()
				log.Error("durable write failed",
					"post_id", id,
					"kind", batch.kind,
					"value", batch.values[id],
					"error_kind", apperrors.KindOf(err),
					"error", err)
				continue
			}
			result.Written++
			r.metrics.ReconcileWrites.WithLabelValues(string(batch.kind), "ok").Inc()
		}
	}

	if err := session.Commit(ctx); err != nil {
		return result, err
	}
	result.Committed = true
	r.lastRun.Store(r.clock.Now().UnixNano())
	r.metrics.ReconcilePasses.WithLabelValues("ok").Inc()

	log.Info("reconcile pass completed",
		"views", len(views),
		"hearts", len(hearts),
		"written", result.Written,
		"failed", result.Failed,
		"duration", time.Since(start))
	return result, nil
}

// Shutdown 停止迴圈、執行最後一輪對帳，再關閉快取（flush、落盤、釋放連線）
//
// 只執行一次；重複呼叫返回第一次的結果。每一步失敗只記錄，不阻擋下一步。
func (r *Reconciler) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.state.Store(int32(StateDraining))
		r.logger.Info("reconciler draining")
		close(r.stop)

		if r.started.Load() {
			select {
			case <-r.done:
			case <-ctx.Done():
				r.logger.Warn("reconcile loop did not stop in time", "error", ctx.Err())
			}
		}

		var errs []error
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("final reconcile pass failed", "error", err)
			errs = append(errs, err)
		}

		if err := r.cache.Close(ctx); err != nil {
			r.logger.Error("counter cache close failed", "error", err)
			errs = append(errs, err)
		}

		r.state.Store(int32(StateStopped))
		r.shutdownErr = errors.Join(errs...)
		r.logger.Info("reconciler stopped")
	})
	return r.shutdownErr
}
