package internal

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	apperrors "github.com/koopa0/system-design/post-counter-cache/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// FlushResult 單次 backlog flush 的結果
type FlushResult struct {
	Kind      CounterKind
	Attempted int // 快照中的文章數
	Failed    int // 寫入失敗、已放回 backlog 的文章數
}

// Flush 將 backlog 寫回 Redis
//
// 流程：
//  1. backlog 為空直接返回，不發出任何 Redis 命令
//  2. 取得連線；失敗時 backlog 原封不動
//  3. 在鎖內取走快照，之後的新增量落在新表
//  4. 逐筆套用，失敗的文章只放回自己的增量
//  5. 全部失敗時返回錯誤，但逐筆處理已跑完，仍更新 flush 時間；
//     只有取得連線失敗（尚未取走快照）時不更新
func (s *counterStore) Flush(ctx context.Context) (result FlushResult, err error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	result.Kind = s.kind
	start := time.Now()

	if s.backlog.Len() == 0 {
		s.markFlushed()
		return result, nil
	}

	client, err := s.conn.Acquire(ctx)
	if err != nil {
		s.metrics.Flushes.WithLabelValues(string(s.kind), "failed").Inc()
		s.logger.Warn("backlog flush skipped, cache unavailable",
			"pending", s.backlog.Len(),
			"error", err)
		return result, err
	}

	snapshot := s.backlog.Drain()
	if len(snapshot) == 0 {
		s.markFlushed()
		return result, nil
	}
	result.Attempted = len(snapshot)

	// remaining 只保留尚未確認寫入的文章，結束時一併放回
	remaining := maps.Clone(snapshot)
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Wrap(fmt.Errorf("panic: %v", r), apperrors.ErrCodeUnexpected, "flush "+string(s.kind))
		}
		if len(remaining) > 0 {
			s.backlog.RestoreAll(remaining)
		}
		result.Failed = len(remaining)
		s.markFlushed()
		s.metrics.BacklogEntries.WithLabelValues(string(s.kind)).Set(float64(s.backlog.Len()))
		s.metrics.FlushDuration.WithLabelValues(string(s.kind)).Observe(time.Since(start).Seconds())
		s.recordFlush(result, err)
	}()

	switch s.kind {
	case KindViews:
		err = s.flushViews(ctx, client, remaining)
	default:
		err = s.flushHearts(ctx, client, remaining)
	}
	return result, err
}

// flushViews 以單一 pipeline 套用 INCRBY + EXPIRE；成功的文章從 remaining 移除
func (s *counterStore) flushViews(ctx context.Context, client *redis.Client, remaining map[int64]int64) error {
	ids := slices.Sorted(maps.Keys(remaining))

	pipe := client.Pipeline()
	incrs := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		key := s.kind.Key(id)
		incrs[i] = pipe.IncrBy(ctx, key, remaining[id])
		pipe.Expire(ctx, key, s.ttl)
	}

	// Exec 只返回第一個錯誤，逐一檢查每個 INCRBY 的結果
	_, execErr := pipe.Exec(ctx)

	var firstErr error
	for i, id := range ids {
		if err := incrs[i].Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn("views flush failed for record", "post_id", id, "delta", remaining[id], "error", err)
			continue
		}
		delete(remaining, id)
	}

	if len(remaining) == len(ids) {
		if firstErr == nil {
			firstErr = execErr
		}
		return classifyCacheError(firstErr, "flush views")
	}
	return nil
}

// flushHearts 逐筆以 Lua 腳本套用增量，結果不低於 0
func (s *counterStore) flushHearts(ctx context.Context, client *redis.Client, remaining map[int64]int64) error {
	ids := slices.Sorted(maps.Keys(remaining))

	var firstErr error
	for _, id := range ids {
		key := s.kind.Key(id)
		if err := applyDeltaScript.Run(ctx, client, []string{key}, remaining[id], s.ttlSeconds()).Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn("hearts flush failed for record", "post_id", id, "delta", remaining[id], "error", err)
			continue
		}
		delete(remaining, id)
	}

	if len(remaining) == len(ids) {
		return classifyCacheError(firstErr, "flush hearts")
	}
	return nil
}

func (s *counterStore) recordFlush(result FlushResult, err error) {
	switch {
	case err != nil:
		s.metrics.Flushes.WithLabelValues(string(s.kind), "failed").Inc()
		s.logger.Error("backlog flush failed, snapshot restored",
			"records", result.Attempted,
			"error_kind", apperrors.KindOf(err),
			"error", err)
	case result.Failed > 0:
		s.metrics.Flushes.WithLabelValues(string(s.kind), "partial").Inc()
		s.logger.Warn("backlog flush partially failed",
			"records", result.Attempted,
			"failed", result.Failed)
	default:
		s.metrics.Flushes.WithLabelValues(string(s.kind), "ok").Inc()
		s.logger.Info("backlog flushed", "records", result.Attempted)
	}
}

// runFlushWorker 依 ticker 或「該 flush 了」訊號執行 flush，直到 stop 關閉
//
// flushDue 容量為 1，多個訊號會合併成一次 flush。
func (s *counterStore) runFlushWorker(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.backgroundFlush(ctx)
		case <-s.flushDue:
			s.backgroundFlush(ctx)
		}
	}
}

func (s *counterStore) backgroundFlush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.flushTimeout)
	defer cancel()

	// 錯誤已在 Flush 內記錄
	_, _ = s.Flush(ctx)
}
