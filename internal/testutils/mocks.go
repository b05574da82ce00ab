package testutils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/koopa0/system-design/post-counter-cache/internal"
	apperrors "github.com/koopa0/system-design/post-counter-cache/pkg/errors"
)

// MockStore 記憶體版的持久層，實作 internal.DurableStore 與 internal.PostReader
//
// session 內的寫入在 Commit 時才套用，Rollback 則全部丟棄。
type MockStore struct {
	mu    sync.RWMutex
	posts map[int64]*postRow

	// 記錄呼叫次數
	SessionCalls  atomic.Int32
	CommitCalls   atomic.Int32
	RollbackCalls atomic.Int32
	UpdateCalls   atomic.Int32

	// 錯誤注入
	failUpdate map[int64]bool
	BeginErr   error
	CommitErr  error
	PingErr    error
	ReadErr    error
}

type postRow struct {
	views  int64
	hearts int64
}

// NewMockStore 創建新的 MockStore
func NewMockStore() *MockStore {
	return &MockStore{
		posts:      make(map[int64]*postRow),
		failUpdate: make(map[int64]bool),
	}
}

// AddPost 新增一篇文章（測試用）
func (m *MockStore) AddPost(id, views, hearts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[id] = &postRow{views: views, hearts: hearts}
}

// FailUpdatesFor 讓指定文章的 UpdateField 失敗
func (m *MockStore) FailUpdatesFor(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUpdate[id] = true
}

// Counters 直接讀取已提交的計數（測試用）
func (m *MockStore) Counters(id int64) (views, hearts int64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.posts[id]
	if !ok {
		return 0, 0, false
	}
	return row.views, row.hearts, true
}

// BeginSession 實作 internal.DurableStore
func (m *MockStore) BeginSession(ctx context.Context) (internal.Session, error) {
	m.SessionCalls.Add(1)
	if m.BeginErr != nil {
		return nil, m.BeginErr
	}
	return &mockSession{store: m}, nil
}

// PostExists 實作 internal.PostReader
func (m *MockStore) PostExists(ctx context.Context, id int64) (bool, error) {
	if m.ReadErr != nil {
		return false, m.ReadErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.posts[id]
	return ok, nil
}

// GetCounters 實作 internal.PostReader
func (m *MockStore) GetCounters(ctx context.Context, id int64) (int64, int64, error) {
	if m.ReadErr != nil {
		return 0, 0, m.ReadErr
	}
	views, hearts, ok := m.Counters(id)
	if !ok {
		return 0, 0, apperrors.ErrPostNotFound.WithDetails(fmt.Sprintf("post_id=%d", id))
	}
	return views, hearts, nil
}

// Ping 模擬資料庫健康檢查
func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

type pendingWrite struct {
	id    int64
	kind  internal.CounterKind
	value int64
}

// mockSession 暫存寫入直到 Commit
type mockSession struct {
	store   *MockStore
	pending []pendingWrite
	done    bool
}

func (s *mockSession) UpdateField(ctx context.Context, id int64, kind internal.CounterKind, value int64) error {
	s.store.UpdateCalls.Add(1)

	s.store.mu.RLock()
	fail := s.store.failUpdate[id]
	s.store.mu.RUnlock()
	if fail {
		return apperrors.New(apperrors.ErrCodeDurableWrite, fmt.Sprintf("update %s for post %d", kind, id))
	}

	s.pending = append(s.pending, pendingWrite{id: id, kind: kind, value: value})
	return nil
}

func (s *mockSession) Commit(ctx context.Context) error {
	s.store.CommitCalls.Add(1)
	if s.store.CommitErr != nil {
		return s.store.CommitErr
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	for _, w := range s.pending {
		row, ok := s.store.posts[w.id]
		if !ok {
			// 文章不存在時影響 0 列
			continue
		}
		if w.kind == internal.KindViews {
			row.views = w.value
		} else {
			row.hearts = w.value
		}
	}
	s.done = true
	return nil
}

func (s *mockSession) Rollback(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.store.RollbackCalls.Add(1)
	s.pending = nil
	s.done = true
	return nil
}
