package internal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	apperrors "github.com/koopa0/system-design/post-counter-cache/pkg/errors"
)

// DurableStore 權威資料來源；對帳時每輪開一個 session
type DurableStore interface {
	BeginSession(ctx context.Context) (Session, error)
}

// Session 一輪對帳的寫入範圍：逐筆覆寫計數欄位，最後一次提交
type Session interface {
	// UpdateField 覆寫（非累加）單一文章的計數欄位，失敗不影響同 session 其他寫入
	UpdateField(ctx context.Context, id int64, kind CounterKind, value int64) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// PostReader HTTP 層讀取文章資訊
type PostReader interface {
	PostExists(ctx context.Context, id int64) (bool, error)
	GetCounters(ctx context.Context, id int64) (views, hearts int64, err error)
}

// 欄位名稱不可參數化，依種類選用固定語句
const (
	updateViewsSQL  = `UPDATE posts SET views = $1, updated_at = NOW() WHERE id = $2`
	updateHeartsSQL = `UPDATE posts SET hearts = $1, updated_at = NOW() WHERE id = $2`
	postExistsSQL   = `SELECT EXISTS(SELECT 1 FROM posts WHERE id = $1)`
	getCountersSQL  = `SELECT views, hearts FROM posts WHERE id = $1`
)

// PostStore 以 pgxpool 實作 DurableStore 與 PostReader
type PostStore struct {
	pool *pgxpool.Pool
}

// NewPostStore 創建 PostStore
func NewPostStore(pool *pgxpool.Pool) *PostStore {
	return &PostStore{pool: pool}
}

// BeginSession 開啟交易；連線只在 session 期間佔用
func (s *PostStore) BeginSession(ctx context.Context) (Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDurableWrite, "begin session")
	}
	return &pgxSession{tx: tx}, nil
}

// PostExists 檢查文章是否存在
func (s *PostStore) PostExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, postExistsSQL, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check post %d: %w", id, err)
	}
	return exists, nil
}

// GetCounters 讀取持久層的計數
func (s *PostStore) GetCounters(ctx context.Context, id int64) (views, hearts int64, err error) {
	err = s.pool.QueryRow(ctx, getCountersSQL, id).Scan(&views, &hearts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, apperrors.ErrPostNotFound.WithDetails(fmt.Sprintf("post_id=%d", id))
	}
	if err != nil {
		return 0, 0, fmt.Errorf("get counters for post %d: %w", id, err)
	}
	return views, hearts, nil
}

// Ping 檢查資料庫連線
func (s *PostStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// pgxSession 以單一交易包住一輪對帳
type pgxSession struct {
	tx pgx.Tx
}

// UpdateField 每筆寫入包在 savepoint 內，失敗只回滾這一筆，交易仍可繼續
func (s *pgxSession) UpdateField(ctx context.Context, id int64, kind CounterKind, value int64) error {
	query := updateViewsSQL
	if kind == KindHearts {
		query = updateHeartsSQL
	}

	sp, err := s.tx.Begin(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDurableWrite, "savepoint")
	}

	if _, err := sp.Exec(ctx, query, value, id); err != nil {
		_ = sp.Rollback(ctx)
		return apperrors.Wrap(err, apperrors.ErrCodeDurableWrite, fmt.Sprintf("update %s for post %d", kind, id))
	}

	// 文章已刪除時影響 0 列，視為成功
	if err := sp.Commit(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDurableWrite, "release savepoint")
	}
	return nil
}

// Commit 提交交易
func (s *pgxSession) Commit(ctx context.Context) error {
	if err := s.tx.Commit(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDurableWrite, "commit")
	}
	return nil
}

// Rollback 回滾交易；已提交時為 no-op
func (s *pgxSession) Rollback(ctx context.Context) error {
	err := s.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
