package internal

import (
	"sync"
	"time"
)

// Clock 時間來源，測試時可替換以避免 time.Sleep
type Clock interface {
	Now() time.Time
}

// RealClock 使用系統時間
type RealClock struct{}

// Now 返回當前系統時間
func (RealClock) Now() time.Time {
	return time.Now()
}

// MockClock 可控制的時間來源（測試用）
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewMockClock 創建設定在指定時間的 MockClock
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now 返回模擬的當前時間
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance 將時間往前推進
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}
