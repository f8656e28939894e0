// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basaltsec/recon/backend/internal/types"
)

// schema is the embedded DDL applied at startup. Every statement is
// idempotent so restarts against an existing database are safe.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id               BIGSERIAL PRIMARY KEY,
	external_auth_id VARCHAR(255) NOT NULL UNIQUE,
	display_name     VARCHAR(255) NOT NULL DEFAULT '',
	email            VARCHAR(255) NOT NULL DEFAULT '',
	enabled          BOOLEAN NOT NULL DEFAULT TRUE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS targets (
	id         BIGSERIAL PRIMARY KEY,
	uuid       VARCHAR(36) NOT NULL UNIQUE,
	user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name       VARCHAR(255) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, name)
);

CREATE TABLE IF NOT EXISTS scans (
	id          BIGSERIAL PRIMARY KEY,
	uuid        VARCHAR(36) NOT NULL UNIQUE,
	user_id     BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name        VARCHAR(255) NOT NULL,
	scan_type   VARCHAR(255) NOT NULL,
	status      VARCHAR(32) NOT NULL,
	parameters  TEXT NOT NULL DEFAULT '',
	output      TEXT NOT NULL DEFAULT '',
	result      TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS scan_target_association (
	scan_id   BIGINT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
	target_id BIGINT NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
	PRIMARY KEY (scan_id, target_id)
);

CREATE TABLE IF NOT EXISTS findings (
	id             BIGSERIAL PRIMARY KEY,
	uuid           VARCHAR(36) NOT NULL UNIQUE,
	target_id      BIGINT NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
	name           VARCHAR(255) NOT NULL,
	description    VARCHAR(1024) NOT NULL DEFAULT '',
	recommendation VARCHAR(1024) NOT NULL DEFAULT '',
	port           INTEGER,
	port_state     VARCHAR(32),
	protocol       VARCHAR(255),
	service        VARCHAR(255),
	os             TEXT,
	traceroute     TEXT,
	severity       VARCHAR(32) NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS reports (
	id                 BIGSERIAL PRIMARY KEY,
	uuid               VARCHAR(36) NOT NULL UNIQUE,
	scan_id            BIGINT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
	name               VARCHAR(255) NOT NULL,
	report_type        VARCHAR(16) NOT NULL,
	status             VARCHAR(32) NOT NULL,
	url                TEXT,
	last_downloaded_at TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_targets_user_id ON targets (user_id);
CREATE INDEX IF NOT EXISTS idx_scans_user_id ON scans (user_id);
CREATE INDEX IF NOT EXISTS idx_scans_status ON scans (status);
CREATE INDEX IF NOT EXISTS idx_findings_target_id ON findings (target_id);
CREATE INDEX IF NOT EXISTS idx_reports_scan_id ON reports (scan_id);
`

// NewPostgresPool connects a pgx pool using the given configuration and
// verifies the connection with a ping.
func NewPostgresPool(ctx context.Context, cfg *types.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Bootstrap applies the embedded schema DDL. Safe to run on every startup.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// NewPostgresRepositories wires all repositories over one shared pool.
func NewPostgresRepositories(pool *pgxpool.Pool) *Repositories {
	return &Repositories{
		Users:    &PostgresUserRepository{pool: pool},
		Targets:  &PostgresTargetRepository{pool: pool},
		Scans:    &PostgresScanRepository{pool: pool},
		Findings: &PostgresFindingRepository{pool: pool},
		Reports:  &PostgresReportRepository{pool: pool},
	}
}
