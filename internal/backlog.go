package internal

import "sync"

// Backlog 快取不可用時暫存的增量，以文章 ID 為鍵
//
// 所有讀寫都在同一把鎖下進行。Drain 在鎖內取走整張表並換上新表，
// 因此 flush 期間到達的增量一律落在快照之後。
type Backlog struct {
	mu         sync.Mutex
	entries    map[int64]int64
	clamp      bool // hearts：每次變動後物化值不低於 0
	maxEntries int  // 0 表示不限
}

// NewBacklog 創建 Backlog
func NewBacklog(clamp bool, maxEntries int) *Backlog {
	return &Backlog{
		entries:    make(map[int64]int64),
		clamp:      clamp,
		maxEntries: maxEntries,
	}
}

// Add 累加增量並返回該文章目前的物化值
//
// 表已滿且 id 是新的，增量會被丟棄，accepted 為 false。
func (b *Backlog) Add(id, delta int64) (value int64, accepted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, exists := b.entries[id]
	if !exists && b.maxEntries > 0 && len(b.entries) >= b.maxEntries {
		return 0, false
	}

	b.entries[id] = b.normalize(current + delta)
	return b.entries[id], true
}

// Value 返回待寫入的增量（不存在為 0）
func (b *Backlog) Value(id int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries[id]
}

// Len 返回暫存的文章數
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Drain 取走並清空目前的暫存
func (b *Backlog) Drain() map[int64]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}
	snapshot := b.entries
	b.entries = make(map[int64]int64, len(snapshot))
	return snapshot
}

// Restore 將單筆增量合併回暫存（不受容量限制）
func (b *Backlog) Restore(id, delta int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[id] = b.normalize(b.entries[id] + delta)
}

// RestoreAll 將整份快照合併回暫存
func (b *Backlog) RestoreAll(snapshot map[int64]int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, delta := range snapshot {
		b.entries[id] = b.normalize(b.entries[id] + delta)
	}
}

// Remove 刪除單一文章的暫存
func (b *Backlog) Remove(id int64) {
	b.mu.Lock()
	delete(b.entries, id)
	b.mu.Unlock()
}

func (b *Backlog) normalize(v int64) int64 {
	if b.clamp && v < 0 {
		return 0
	}
	return v
}
