package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/hanainplan/consultcall/internal/application/config"
	"github.com/hanainplan/consultcall/internal/application/constant"
	"github.com/hanainplan/consultcall/internal/infra/adapters/postgres/migrations"
)

func init() {
	// modernc регистрирует драйвер как "sqlite", sqlx знает только "sqlite3"
	sqlx.BindDriver(config.CallLogSQLite, sqlx.QUESTION)
}

// Connect открывает базу журнала звонков. driver: pgx или sqlite
func Connect(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := sqlx.ConnectContext(dbCtx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	if driver == config.CallLogSQLite {
		// база :memory: живет в одном соединении
		db.SetMaxOpenConns(1)
	}

	if err = db.PingContext(dbCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}

	slog.Info("connected to call log database", slog.String(constant.Component, driver))

	return db, nil
}

// Migrate выполняет команду goose (up, down, status, ...) над встроенными миграциями
func Migrate(ctx context.Context, db *sqlx.DB, driver, command string, args ...string) error {
	goose.SetBaseFS(migrations.MigrationsFS)

	if err := goose.SetDialect(dialect(driver)); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.RunContext(ctx, command, db.DB, ".", args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}

	return nil
}

func dialect(driver string) string {
	if driver == config.CallLogSQLite {
		return "sqlite3"
	}

	return "postgres"
}
