package internal_test

import (
	"context"
	"testing"
	"time"

	"github.com/koopa0/system-design/post-counter-cache/internal"
	"github.com/koopa0/system-design/post-counter-cache/internal/testutils"
	apperrors "github.com/koopa0/system-design/post-counter-cache/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlush_EmptyBacklog(t *testing.T) {
	tc := testutils.NewTestCache(t, nil)

	for _, kind := range []internal.CounterKind{internal.KindViews, internal.KindHearts} {
		result, err := tc.Cache.FlushBacklog(context.Background(), kind)
		require.NoError(t, err)
		assert.Zero(t, result.Attempted)
	}

	assert.Zero(t, tc.Faults.Commands(), "empty flush issues no redis commands")
	assert.False(t, tc.Conn.Available(), "empty flush does not connect")
}

// TestFlush_CacheUnavailable 測試連線失敗時 backlog 原封不動
func TestFlush_CacheUnavailable(t *testing.T) {
	tc := testutils.NewTestCache(t, nil)
	ctx := context.Background()

	tc.Redis.Close()
	tc.Cache.IncrementViews(ctx, 1)
	tc.Cache.IncrementViews(ctx, 2)
	tc.Cache.IncrementViews(ctx, 2)

	_, err := tc.Cache.FlushBacklog(ctx, internal.KindViews)
	require.Error(t, err)
	assert.True(t, apperrors.IsConnectionUnavailable(err))

	assert.Equal(t, 2, tc.Cache.BacklogLen(internal.KindViews))
	assert.Equal(t, int64(2), tc.Cache.GetViews(ctx, 2))
}

// TestFlush_TotalFailure 測試全部寫入失敗時整份快照放回
func TestFlush_TotalFailure(t *testing.T) {
	tests := []struct {
		name string
		kind internal.CounterKind
		incr func(tc *testutils.TestCache, id int64)
	}{
		{
			name: "views",
			kind: internal.KindViews,
			incr: func(tc *testutils.TestCache, id int64) { tc.Cache.IncrementViews(context.Background(), id) },
		},
		{
			name: "hearts",
			kind: internal.KindHearts,
			incr: func(tc *testutils.TestCache, id int64) { tc.Cache.IncrementHearts(context.Background(), id) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := testutils.NewTestCache(t, nil)
			ctx := context.Background()

			tc.Faults.FailKey(tt.kind.Key(1))
			tt.incr(tc, 1)
			tt.incr(tc, 1)
			require.Equal(t, 1, tc.Cache.BacklogLen(tt.kind))

			result, err := tc.Cache.FlushBacklog(ctx, tt.kind)
			require.Error(t, err)
			assert.True(t, apperrors.IsCacheCommand(err))
			assert.Equal(t, 1, result.Attempted)
			assert.Equal(t, 1, result.Failed)

			assert.Equal(t, 1, tc.Cache.BacklogLen(tt.kind))
			assert.Equal(t, float64(1), testutil.ToFloat64(tc.Metrics.Flushes.WithLabelValues(string(tt.kind), "failed")))

			// 恢復後下一次 flush 成功
			tc.Faults.Heal()
			_, err = tc.Cache.FlushBacklog(ctx, tt.kind)
			require.NoError(t, err)

			value, err := tc.Redis.Get(tt.kind.Key(1))
			require.NoError(t, err)
			assert.Equal(t, "2", value)
		})
	}
}

// TestFlush_PartialFailure 測試部分失敗時只放回失敗文章的增量
func TestFlush_PartialFailure(t *testing.T) {
	tests := []struct {
		name string
		kind internal.CounterKind
		incr func(tc *testutils.TestCache, id int64)
	}{
		{
			name: "views",
			kind: internal.KindViews,
			incr: func(tc *testutils.TestCache, id int64) { tc.Cache.IncrementViews(context.Background(), id) },
		},
		{
			name: "hearts",
			kind: internal.KindHearts,
			incr: func(tc *testutils.TestCache, id int64) { tc.Cache.IncrementHearts(context.Background(), id) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := testutils.NewTestCache(t, nil)
			ctx := context.Background()

			tc.Faults.FailKey(tt.kind.Key(1))
			tc.Faults.FailKey(tt.kind.Key(2))
			tt.incr(tc, 1)
			tt.incr(tc, 2)
			tt.incr(tc, 2)
			require.Equal(t, 2, tc.Cache.BacklogLen(tt.kind))

			// 只有文章 2 繼續失敗
			tc.Faults.Heal()
			tc.Faults.FailKey(tt.kind.Key(2))

			result, err := tc.Cache.FlushBacklog(ctx, tt.kind)
			require.NoError(t, err)
			assert.Equal(t, 2, result.Attempted)
			assert.Equal(t, 1, result.Failed)

			value, err := tc.Redis.Get(tt.kind.Key(1))
			require.NoError(t, err)
			assert.Equal(t, "1", value)
			assert.False(t, tc.Redis.Exists(tt.kind.Key(2)))

			assert.Equal(t, 1, tc.Cache.BacklogLen(tt.kind))
			tc.Faults.Heal()
			pending := tc.Cache.GetViews(ctx, 2)
			if tt.kind == internal.KindHearts {
				pending = tc.Cache.GetHearts(ctx, 2)
			}
			assert.Equal(t, int64(2), pending, "failed record keeps its delta")
			assert.Equal(t, float64(1), testutil.ToFloat64(tc.Metrics.Flushes.WithLabelValues(string(tt.kind), "partial")))
		})
	}
}

func TestFlush_MergesWithCachedValue(t *testing.T) {
	tc := testutils.NewTestCache(t, nil)
	ctx := context.Background()

	require.NoError(t, tc.Redis.Set("hearts:1", "3"))
	require.NoError(t, tc.Redis.Set("views:1", "40"))

	tc.Faults.FailKey("hearts:1")
	tc.Faults.FailKey("views:1")
	tc.Cache.IncrementHearts(ctx, 1)
	tc.Cache.IncrementHearts(ctx, 1)
	tc.Cache.IncrementViews(ctx, 1)
	tc.Faults.Heal()

	require.NoError(t, tc.Cache.ForceFlushBacklogs(ctx))

	hearts, err := tc.Redis.Get("hearts:1")
	require.NoError(t, err)
	assert.Equal(t, "5", hearts)

	views, err := tc.Redis.Get("views:1")
	require.NoError(t, err)
	assert.Equal(t, "41", views)
	assert.Greater(t, tc.Redis.TTL("views:1"), time.Duration(0), "flush refreshes ttl")
}

// TestFlush_StickyFailureDoesNotRetryOnEveryOp 測試單筆持續失敗時，完成的 flush 仍更新時間，
// 之後的成功操作不會每次都觸發 flush
func TestFlush_StickyFailureDoesNotRetryOnEveryOp(t *testing.T) {
	tests := []struct {
		name string
		kind internal.CounterKind
		incr func(tc *testutils.TestCache, id int64)
	}{
		{
			name: "views",
			kind: internal.KindViews,
			incr: func(tc *testutils.TestCache, id int64) { tc.Cache.IncrementViews(context.Background(), id) },
		},
		{
			name: "hearts",
			kind: internal.KindHearts,
			incr: func(tc *testutils.TestCache, id int64) { tc.Cache.IncrementHearts(context.Background(), id) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := testutils.NewTestCache(t, nil)
			ctx := context.Background()

			tc.Cache.Start(ctx)
			t.Cleanup(func() { _ = tc.Cache.Close(ctx) })

			failed := func() float64 {
				return testutil.ToFloat64(tc.Metrics.Flushes.WithLabelValues(string(tt.kind), "failed"))
			}

			tc.Faults.FailKey(tt.kind.Key(1))
			tt.incr(tc, 1)
			require.Equal(t, 1, tc.Cache.BacklogLen(tt.kind))

			tc.Clock.Advance(tc.Config.Counter.FlushInterval + time.Second)
			tt.incr(tc, 2)

			testutils.WaitForCondition(t, func() bool { return failed() == 1 }, 2*time.Second, "first flush after interval")

			for id := int64(3); id < 23; id++ {
				tt.incr(tc, id)
			}

			assert.Never(t, func() bool { return failed() > 1 }, 200*time.Millisecond, 10*time.Millisecond,
				"flush time updated after a pass where every record failed")
			assert.Equal(t, 1, tc.Cache.BacklogLen(tt.kind), "failed record stays in backlog")
		})
	}
}
