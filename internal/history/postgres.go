package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"genmedia-studio/internal/studio"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS generation_history (
    project_id TEXT PRIMARY KEY,
    version    BIGINT NOT NULL,
    entries    JSONB NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);`

// Postgres keeps each project's list as one JSONB row guarded by a version column.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}
	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(connectCtx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Postgres{db: pool}, nil
}

func (p *Postgres) Close() {
	p.db.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *Postgres) Load(ctx context.Context, projectID string) ([]studio.GeneratedAsset, int64, error) {
	var (
		raw     []byte
		version int64
	)
	err := p.db.QueryRow(ctx,
		`SELECT entries, version FROM generation_history WHERE project_id = $1`, projectID,
	).Scan(&raw, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load history: %w", err)
	}

	var entries []studio.GeneratedAsset
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, 0, fmt.Errorf("decode history: %w", err)
	}
	return entries, version, nil
}

func (p *Postgres) Replace(ctx context.Context, projectID string, entries []studio.GeneratedAsset, expected int64) (int64, error) {
	if entries == nil {
		entries = []studio.GeneratedAsset{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return 0, fmt.Errorf("encode history: %w", err)
	}

	next := expected + 1
	var tag pgconn.CommandTag
	if expected == 0 {
		tag, err = p.db.Exec(ctx,
			`INSERT INTO generation_history (project_id, version, entries) VALUES ($1, $2, $3)
			 ON CONFLICT (project_id) DO NOTHING`,
			projectID, next, raw)
	} else {
		tag, err = p.db.Exec(ctx,
			`UPDATE generation_history SET entries = $3, version = $2, updated_at = NOW()
			 WHERE project_id = $1 AND version = $4`,
			projectID, next, raw, expected)
	}
	if err != nil {
		return 0, fmt.Errorf("replace history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrVersionConflict
	}
	return next, nil
}
