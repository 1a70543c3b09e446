package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-checkin/internal/config"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/models"
)

const maxConnectAttempts = 5

// Connect opens the ledger store, retrying the initial ping like the services it
// replaces did at boot.
func Connect(ctx context.Context, cfg *config.Config, log *logger.Logger) (*bun.DB, error) {
	if cfg.Database.Driver == "sqlite" {
		return OpenSQLite(ctx, cfg.Database.DSN)
	}

	dsn := cfg.PostgresURL()

	var sqldb *sql.DB
	var err error
	for i := 0; i < maxConnectAttempts; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxConnectAttempts))
		sqldb, err = sql.Open("postgres", dsn)
		if err != nil {
			log.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.PingContext(ctx)
		if err == nil {
			break
		}

		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		sqldb.Close()
		if i < maxConnectAttempts-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to postgres after %d attempts: %w", maxConnectAttempts, err)
	}

	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	log.Info("DATABASE", "✅ PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

// OpenSQLite opens a SQLite ledger and creates the schema. A single connection keeps
// ":memory:" databases shared across goroutines.
func OpenSQLite(ctx context.Context, dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	if err := CreateSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// CreateSchema builds the ledger tables from the bun models. Postgres deployments use
// the SQL migrations instead; this path serves SQLite.
func CreateSchema(ctx context.Context, db *bun.DB) error {
	tables := []interface{}{
		(*models.Ticket)(nil),
		(*models.CheckinRecord)(nil),
		(*models.PrintJob)(nil),
	}
	for _, m := range tables {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", m, err)
		}
	}

	_, err := db.NewCreateIndex().
		Model((*models.CheckinRecord)(nil)).
		Unique().
		IfNotExists().
		Index("checkin_records_ticket_success_uq").
		Column("ticket_id").
		Where("success").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create checkin unique index: %w", err)
	}

	_, err = db.NewCreateIndex().
		Model((*models.PrintJob)(nil)).
		IfNotExists().
		Index("print_jobs_dispatch_idx").
		Column("terminal_id", "status", "created_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create print job index: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err came from a unique constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
