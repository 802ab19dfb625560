package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/finalarm?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, numbered: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			data_json TEXT NOT NULL,
			dedup_key TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			cooldown_until TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts(dedup_key, created_at)`,
		`CREATE TABLE IF NOT EXISTS rules (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			enabled BOOLEAN NOT NULL,
			params_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rule_state (
			rule_id TEXT PRIMARY KEY,
			state_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	})
}
