package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/netopslab/fwupgrade/internal/config"
)

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}

// EnsureSchema creates the status tables when they do not exist yet.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS device_jobs (
			id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			job_id          BIGINT NOT NULL,
			group_name      TEXT NOT NULL DEFAULT '',
			ip_address      TEXT NOT NULL,
			name            TEXT NOT NULL DEFAULT '',
			stage           TEXT NOT NULL DEFAULT 'waiting',
			sequential      BOOLEAN NOT NULL DEFAULT false,
			target_version  TEXT NOT NULL DEFAULT '',
			current_version TEXT NOT NULL DEFAULT '',
			api_key         TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (job_id, ip_address)
		);

		CREATE TABLE IF NOT EXISTS stage_logs (
			id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			job_id     BIGINT NOT NULL,
			ip_address TEXT NOT NULL,
			message    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS stage_logs_job_ip_idx
			ON stage_logs (job_id, ip_address, created_at);

		CREATE TABLE IF NOT EXISTS backup_artifacts (
			id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			job_id     BIGINT NOT NULL,
			ip_address TEXT NOT NULL,
			name       TEXT NOT NULL,
			object_key TEXT NOT NULL,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (job_id, ip_address, name)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
