// Package audit gives operators a queryable history of reservation
// lifecycle events (allocated/released/reaped). It is additive and
// write-only: the in-memory registry (internal/registry) remains the sole
// source of truth for admission decisions regardless of which backend is
// configured here, or whether one is configured at all.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aiserve/gpubroker/internal/config"
)

type EventKind string

const (
	EventAllocated EventKind = "allocated"
	EventReleased  EventKind = "released"
	EventReaped    EventKind = "reaped"
)

type Event struct {
	Kind        EventKind
	Handle      string
	DeviceIndex int
	Exclusive   bool
	At          time.Time
}

// Sink is the append-only write side the engine calls into. A nil-backed
// Sink (Backend == "none") is a no-op so audit logging stays entirely
// optional without callers needing to nil-check.
type Sink interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

func New(cfg config.AuditConfig) (Sink, error) {
	switch cfg.Backend {
	case config.AuditBackendNone, "":
		return noopSink{}, nil
	case config.AuditBackendSQLite:
		return newSQLiteSink(cfg.SQLite)
	case config.AuditBackendPostgres:
		return newPostgresSink(cfg.Postgres)
	default:
		return nil, fmt.Errorf("audit: unsupported backend %q", cfg.Backend)
	}
}

type noopSink struct{}

func (noopSink) Record(context.Context, Event) error { return nil }
func (noopSink) Close() error                         { return nil }

const createTableSQLite = `CREATE TABLE IF NOT EXISTS reservation_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	handle TEXT NOT NULL,
	device_index INTEGER NOT NULL,
	exclusive INTEGER NOT NULL,
	occurred_at TIMESTAMP NOT NULL
)`

const createTablePostgres = `CREATE TABLE IF NOT EXISTS reservation_events (
	id BIGSERIAL PRIMARY KEY,
	kind TEXT NOT NULL,
	handle TEXT NOT NULL,
	device_index INTEGER NOT NULL,
	exclusive BOOLEAN NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
)`

type sqliteSink struct {
	db *sql.DB
}

func newSQLiteSink(cfg config.SQLiteAuditConfig) (Sink, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite %s: %w", cfg.Path, err)
	}
	if _, err := db.Exec(createTableSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate sqlite: %w", err)
	}
	return &sqliteSink{db: db}, nil
}

func (s *sqliteSink) Record(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reservation_events (kind, handle, device_index, exclusive, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		string(ev.Kind), ev.Handle, ev.DeviceIndex, ev.Exclusive, ev.At)
	return err
}

func (s *sqliteSink) Close() error { return s.db.Close() }

type postgresSink struct {
	pool *pgxpool.Pool
}

func newPostgresSink(cfg config.PostgresAuditConfig) (Sink, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createTablePostgres); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: migrate postgres: %w", err)
	}
	return &postgresSink{pool: pool}, nil
}

func (s *postgresSink) Record(ctx context.Context, ev Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reservation_events (kind, handle, device_index, exclusive, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		string(ev.Kind), ev.Handle, ev.DeviceIndex, ev.Exclusive, ev.At)
	return err
}

func (s *postgresSink) Close() error {
	s.pool.Close()
	return nil
}
