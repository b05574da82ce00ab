package internal

import (
	"fmt"
	"strconv"
	"strings"
)

// CounterKind 計數器種類
type CounterKind string

const (
	// KindViews 瀏覽數（只增不減）
	KindViews CounterKind = "views"

	// KindHearts 愛心數（可增可減，不低於 0）
	KindHearts CounterKind = "hearts"
)

// Prefix 返回快取 key 前綴，例如 "views:"
func (k CounterKind) Prefix() string {
	return string(k) + ":"
}

// Key 組合快取 key，例如 views:42
func (k CounterKind) Key(id int64) string {
	return k.Prefix() + strconv.FormatInt(id, 10)
}

// ParseKey 從快取 key 解析文章 ID，前綴不符或後綴非整數時返回錯誤
func (k CounterKind) ParseKey(key string) (int64, error) {
	rest, ok := strings.CutPrefix(key, k.Prefix())
	if !ok {
		return 0, fmt.Errorf("key %q does not have prefix %q", key, k.Prefix())
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("key %q: invalid record id: %w", key, err)
	}
	return id, nil
}
