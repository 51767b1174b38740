package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signalsfoundry/orbiter-simulator/internal/logging"
)

// DatabaseConfig configures the Postgres snapshot store.
type DatabaseConfig struct {
	DSN             string
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
	// Keep bounds how many snapshots are retained. Zero keeps all of them.
	Keep int
}

// PGStore keeps a history of snapshots in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
	keep int
	log  logging.Logger
}

// OpenPGStore connects, verifies the connection and applies migrations.
func OpenPGStore(ctx context.Context, cfg DatabaseConfig, log logging.Logger) (*PGStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PGStore{pool: pool, keep: cfg.Keep, log: logging.OrNoop(log)}, nil
}

// Close releases the pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// snapshotHeader is the part of a snapshot document stored in its own
// columns.
type snapshotHeader struct {
	SimTime float64           `json:"simTime"`
	Bodies  []json.RawMessage `json:"bodies"`
}

func (s *PGStore) Save(ctx context.Context, data []byte) error {
	var hdr snapshotHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return fmt.Errorf("decode snapshot header: %w", err)
	}
	live := 0
	for _, raw := range hdr.Bodies {
		if string(raw) != "null" {
			live++
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO snapshots (sim_time, body_count, document) VALUES ($1, $2, $3)`,
		hdr.SimTime, live, data,
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if s.keep > 0 {
		tag, err := tx.Exec(ctx,
			`DELETE FROM snapshots WHERE id NOT IN (SELECT id FROM snapshots ORDER BY id DESC LIMIT $1)`,
			s.keep,
		)
		if err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
		if n := tag.RowsAffected(); n > 0 {
			s.log.Debug(ctx, "pruned snapshots", logging.Int("deleted", int(n)))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PGStore) Load(ctx context.Context) ([]byte, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	return doc, nil
}

// SnapshotInfo describes one stored snapshot.
type SnapshotInfo struct {
	ID        int64
	SavedAt   time.Time
	SimTime   float64
	BodyCount int
}

// History lists the most recent snapshots, newest first.
func (s *PGStore) History(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, saved_at, sim_time, body_count FROM snapshots ORDER BY id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(&info.ID, &info.SavedAt, &info.SimTime, &info.BodyCount); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}
