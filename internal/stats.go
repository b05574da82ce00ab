package internal

import (
	"context"
	"strconv"

	apperrors "github.com/koopa0/system-design/post-counter-cache/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// GetAllCachedStats 讀取快取中所有文章的瀏覽數與愛心數
//
// 以 SCAN 分頁走訪每個前綴，每頁一次 MGET，直到 cursor 歸零。
// 這是盡力而為的快照：某種類讀取失敗時該種類返回空表，另一種類照常返回。
func (c *CounterCache) GetAllCachedStats(ctx context.Context) (views, hearts map[int64]int64) {
	views = make(map[int64]int64)
	hearts = make(map[int64]int64)

	client, err := c.conn.Acquire(ctx)
	if err != nil {
		c.logger.Error("read cached stats failed, cache unavailable", "error", err)
		return views, hearts
	}

	for _, kind := range []CounterKind{KindViews, KindHearts} {
		result, err := c.scanKind(ctx, client, kind)
		if err != nil {
			c.logger.Error("scan cached stats failed",
				"kind", kind,
				"error_kind", apperrors.KindOf(err),
				"error", err)
			continue
		}
		if kind == KindViews {
			views = result
		} else {
			hearts = result
		}
	}

	c.logger.Info("cached stats loaded", "views", len(views), "hearts", len(hearts))
	return views, hearts
}

// scanKind 以 SCAN + MGET 讀取單一前綴的全部計數；無法解析的 key 或值略過
func (c *CounterCache) scanKind(ctx context.Context, client *redis.Client, kind CounterKind) (result map[int64]int64, err error) {
	defer recoverAsUnexpected(&err, "scan "+string(kind))

	result = make(map[int64]int64)
	pattern := kind.Prefix() + "*"

	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, c.pageSize).Result()
		if err != nil {
			return nil, classifyCacheError(err, "scan "+pattern)
		}

		if len(keys) > 0 {
			values, err := client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, classifyCacheError(err, "mget "+pattern)
			}

			for i, key := range keys {
				id, err := kind.ParseKey(key)
				if err != nil {
					c.logger.Debug("skipping unparseable key", "key", key)
					continue
				}
				// SCAN 與 MGET 之間過期的 key 會是 nil
				raw, ok := values[i].(string)
				if !ok {
					continue
				}
				value, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					c.logger.Debug("skipping non-integer value", "key", key, "value", raw)
					continue
				}
				result[id] = value
			}
		}

		cursor = next
		if cursor == 0 {
			return result, nil
		}
	}
}
