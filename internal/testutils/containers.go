// Package testutils 提供測試用的共用工具和輔助函數
//
// 本套件包括：
//   - miniredis 單元測試環境與故障注入 hook
//   - Redis / PostgreSQL 測試容器（整合測試）
//   - 記憶體版的持久層 mock
//
// 所有資源都會在測試結束時自動清理。
package testutils

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koopa0/system-design/post-counter-cache/internal/migrations"
	"github.com/koopa0/system-design/post-counter-cache/pkg/logger"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestEnvironment 封裝整合測試環境
type TestEnvironment struct {
	PostgresPool   *pgxpool.Pool
	RedisContainer tc.Container
	PgContainer    tc.Container
	RedisAddr      string
	PostgresDSN    string
	Logger         *slog.Logger
}

// SetupTestEnvironment 啟動 Redis 與 PostgreSQL 容器並執行遷移
//
// -short 模式或 Docker 不可用時跳過測試。
//
//	func TestSomething(t *testing.T) {
//	    env := testutils.SetupTestEnvironment(t)
//	    // 使用 env.RedisAddr 和 env.PostgresPool
//	}
func SetupTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	tc.SkipIfProviderIsNotHealthy(t)

	env := &TestEnvironment{Logger: logger.Discard()}
	env.setupRedis(t)
	env.setupPostgreSQL(t)

	t.Cleanup(env.Cleanup)
	return env
}

// setupRedis 啟動 Redis 測試容器
func (env *TestEnvironment) setupRedis(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	env.RedisContainer = redisContainer

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	env.RedisAddr = endpoint
}

// setupPostgreSQL 啟動 PostgreSQL 測試容器並執行遷移
func (env *TestEnvironment) setupPostgreSQL(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tcpostgres.WithSQLDriver("pgx"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	env.PgContainer = pgContainer

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	env.PostgresDSN = dsn

	migrator, err := migrations.New(dsn, env.Logger)
	if err != nil {
		t.Fatalf("failed to create migrator: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	_ = migrator.Close()

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("failed to parse postgres config: %v", err)
	}
	config.MaxConns = 10
	config.MinConns = 2

	env.PostgresPool, err = pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}
	if err := env.PostgresPool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping postgres: %v", err)
	}
}

// InsertPost 新增一篇文章並返回 ID
func (env *TestEnvironment) InsertPost(t *testing.T, title string, views, hearts int64) int64 {
	t.Helper()

	var id int64
	err := env.PostgresPool.QueryRow(context.Background(),
		`INSERT INTO posts (user_id, title, views, hearts) VALUES (1, $1, $2, $3) RETURNING id`,
		title, views, hearts,
	).Scan(&id)
	if err != nil {
		t.Fatalf("failed to insert post: %v", err)
	}
	return id
}

// PostCounters 直接從資料庫讀取文章計數
func (env *TestEnvironment) PostCounters(t *testing.T, id int64) (views, hearts int64) {
	t.Helper()

	err := env.PostgresPool.QueryRow(context.Background(),
		`SELECT views, hearts FROM posts WHERE id = $1`, id,
	).Scan(&views, &hearts)
	if err != nil {
		t.Fatalf("failed to read post %d: %v", id, err)
	}
	return views, hearts
}

// Cleanup 關閉連線池並終止容器
func (env *TestEnvironment) Cleanup() {
	ctx := context.Background()

	if env.PostgresPool != nil {
		env.PostgresPool.Close()
	}
	if env.RedisContainer != nil {
		_ = env.RedisContainer.Terminate(ctx)
	}
	if env.PgContainer != nil {
		_ = env.PgContainer.Terminate(ctx)
	}
}
