// Package migrations 以嵌入的 SQL 檔管理 posts 資料表結構
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed all:migrations
var migrationsFS embed.FS

// Migrator 管理資料庫遷移
type Migrator struct {
	migrate *migrate.Migrate
	logger  *slog.Logger
}

// New 建立遷移管理器；databaseURL 為 postgres:// 格式
func New(databaseURL string, logger *slog.Logger) (*Migrator, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return &Migrator{
		migrate: m,
		logger:  logger.With("component", "migrations"),
	}, nil
}

// Up 執行所有待處理的遷移；上次中斷留下的髒狀態會先強制回到該版本
func (m *Migrator) Up() error {
	version, dirty, err := m.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}

	if dirty {
		m.logger.Warn("schema is dirty, forcing version", "version", version)
		if version > math.MaxInt32 {
			return fmt.Errorf("schema version out of range: %d", version)
		}
		if err := m.migrate.Force(int(version)); err != nil {
			return fmt.Errorf("force schema version: %w", err)
		}
	}

	if err := m.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("schema up to date", "version", version)
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	newVersion, _, _ := m.migrate.Version()
	m.logger.Info("schema migrated", "version", newVersion)
	return nil
}

// Down 回滾全部遷移（測試清理用）
func (m *Migrator) Down() error {
	if err := m.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback migrations: %w", err)
	}
	m.logger.Info("schema rolled back")
	return nil
}

// Version 返回目前版本與是否為髒狀態
func (m *Migrator) Version() (uint, bool, error) {
	return m.migrate.Version()
}

// Close 關閉遷移來源與資料庫連線
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	return errors.Join(sourceErr, dbErr)
}
