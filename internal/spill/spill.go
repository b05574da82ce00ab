// Package spill 在程序關閉時把未能寫回 Redis 的 backlog 落盤，
// 下次啟動時取回，避免重啟遺失增量。
package spill

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var bucketBacklog = []byte("backlog")

// record 落盤格式
type record struct {
	Entries map[int64]int64 `msgpack:"entries"`
	SavedAt int64           `msgpack:"saved_at"`
}

// Store 以 BoltDB 保存各種類計數的 backlog
type Store struct {
	db *bolt.DB
}

// Open 開啟或建立落盤檔案
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create spill directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open spill db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBacklog)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init spill bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Save 合併寫入某種類的 backlog；同一文章的增量相加
func (s *Store) Save(kind string, entries map[int64]int64) error {
	if len(entries) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBacklog)

		rec := record{Entries: make(map[int64]int64, len(entries))}
		if data := b.Get([]byte(kind)); data != nil {
			if err := msgpack.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decode spilled %s backlog: %w", kind, err)
			}
			if rec.Entries == nil {
				rec.Entries = make(map[int64]int64, len(entries))
			}
		}
		for id, delta := range entries {
			rec.Entries[id] += delta
		}
		rec.SavedAt = time.Now().Unix()

		data, err := msgpack.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("encode %s backlog: %w", kind, err)
		}
		return b.Put([]byte(kind), data)
	})
}

// Take 取出並刪除某種類的 backlog；不存在時返回 nil
func (s *Store) Take(kind string) (map[int64]int64, error) {
	var entries map[int64]int64

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBacklog)
		data := b.Get([]byte(kind))
		if data == nil {
			return nil
		}

		var rec record
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode spilled %s backlog: %w", kind, err)
		}
		entries = rec.Entries
		return b.Delete([]byte(kind))
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close 關閉落盤檔案
func (s *Store) Close() error {
	return s.db.Close()
}
