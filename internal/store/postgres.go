package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/model"
)

// PostgresStore persists snapshots and the audit trail in PostgreSQL.
// Snapshots live in a single-row table holding the latest engine state;
// lifecycles, fills and rejections are append-style audit tables.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "postgres_store").Logger(),
	}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.logger.Info().Str("database", cfg.Database).Msg("connected to postgres")
	return s, nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS engine_snapshots (
			id SMALLINT PRIMARY KEY,
			taken_at TIMESTAMPTZ NOT NULL,
			state JSONB NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS signal_lifecycles (
			signal_id VARCHAR(64) PRIMARY KEY,
			instrument VARCHAR(20) NOT NULL,
			strategy_id VARCHAR(64),
			state VARCHAR(20) NOT NULL,
			direction VARCHAR(8),
			reject_reason TEXT,
			fail_reason TEXT,
			record JSONB NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_lifecycles_state ON signal_lifecycles(state)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_lifecycles_instrument ON signal_lifecycles(instrument)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_lifecycles_updated_at ON signal_lifecycles(updated_at DESC)`,

		`CREATE TABLE IF NOT EXISTS fills (
			id BIGSERIAL PRIMARY KEY,
			order_id VARCHAR(64),
			client_order_id VARCHAR(64) NOT NULL,
			instrument VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			fee DECIMAL(20, 8) DEFAULT 0,
			is_final BOOLEAN NOT NULL DEFAULT FALSE,
			filled_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_client_order_id ON fills(client_order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_instrument ON fills(instrument)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_filled_at ON fills(filled_at DESC)`,

		`CREATE TABLE IF NOT EXISTS risk_rejections (
			id BIGSERIAL PRIMARY KEY,
			signal_id VARCHAR(64) NOT NULL,
			instrument VARCHAR(20) NOT NULL,
			strategy_id VARCHAR(64),
			code VARCHAR(8) NOT NULL,
			reason TEXT NOT NULL,
			signal JSONB NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_risk_rejections_code ON risk_rejections(code)`,
		`CREATE INDEX IF NOT EXISTS idx_risk_rejections_created_at ON risk_rejections(created_at DESC)`,
	}

	for i, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap model.EngineSnapshot) error {
	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := `
		INSERT INTO engine_snapshots (id, taken_at, state, updated_at)
		VALUES (1, $1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE
		SET taken_at = EXCLUDED.taken_at,
			state = EXCLUDED.state,
			updated_at = CURRENT_TIMESTAMP`

	if _, err := s.pool.Exec(ctx, query, snap.TakenAt, state); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context) (*model.EngineSnapshot, error) {
	var state []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM engine_snapshots WHERE id = 1`).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap model.EngineSnapshot
	if err := json.Unmarshal(state, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (s *PostgresStore) RecordLifecycle(ctx context.Context, rec model.LifecycleRecord) error {
	record, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle record: %w", err)
	}

	query := `
		INSERT INTO signal_lifecycles (
			signal_id, instrument, strategy_id, state, direction,
			reject_reason, fail_reason, record, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (signal_id) DO UPDATE
		SET state = EXCLUDED.state,
			reject_reason = EXCLUDED.reject_reason,
			fail_reason = EXCLUDED.fail_reason,
			record = EXCLUDED.record,
			updated_at = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		rec.Signal.ID,
		rec.Signal.Instrument,
		rec.Signal.StrategyID,
		string(rec.State),
		string(rec.Signal.Direction),
		rec.RejectReason,
		rec.FailReason,
		record,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record lifecycle: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordFill(ctx context.Context, fill model.Fill) error {
	query := `
		INSERT INTO fills (
			order_id, client_order_id, instrument, side,
			quantity, price, fee, is_final, filled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, query,
		fill.OrderID,
		fill.ClientOrderID,
		fill.Instrument,
		string(fill.Side),
		fill.Quantity.String(),
		fill.Price.String(),
		fill.Fee.String(),
		fill.Final,
		fill.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record fill: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordRejection(ctx context.Context, sig model.Signal, code, reason string) error {
	signal, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	query := `
		INSERT INTO risk_rejections (signal_id, instrument, strategy_id, code, reason, signal)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = s.pool.Exec(ctx, query, sig.ID, sig.Instrument, sig.StrategyID, code, reason, signal)
	if err != nil {
		return fmt.Errorf("failed to record rejection: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
