// Package journal persists the CSC's event and command history to
// PostgreSQL. The journal is optional: when it is disabled the CSC
// runs without one, and a write failure never interferes with the
// command that triggered it.
package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lsst-ts/mtreflector/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS mtreflector_events (
	id         BIGSERIAL PRIMARY KEY,
	topic      TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS mtreflector_commands (
	id           BIGSERIAL PRIMARY KEY,
	command      TEXT NOT NULL,
	payload      JSONB,
	ack          TEXT NOT NULL,
	error_report TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Journal records published events and received commands in PostgreSQL.
type Journal struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Open connects to the journal database and ensures the schema exists.
func Open(ctx context.Context, cfg config.JournalConfig, logger *zap.Logger) (*Journal, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	logger.Info("Journal connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database))

	return &Journal{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (j *Journal) Close() {
	j.pool.Close()
}

// RecordEvent stores one published event topic with its payload.
func (j *Journal) RecordEvent(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = j.pool.Exec(ctx, `
		INSERT INTO mtreflector_events (topic, payload)
		VALUES ($1, $2)
	`, topic, data)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// RecordCommand stores one received command with its acknowledgement.
func (j *Journal) RecordCommand(ctx context.Context, command string, payload interface{}, ack string, errorReport string) error {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal command payload: %w", err)
		}
	}

	_, err := j.pool.Exec(ctx, `
		INSERT INTO mtreflector_commands (command, payload, ack, error_report)
		VALUES ($1, $2, $3, $4)
	`, command, data, ack, errorReport)
	if err != nil {
		return fmt.Errorf("failed to insert command: %w", err)
	}
	return nil
}
