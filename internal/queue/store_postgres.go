package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	migrations "github.com/dropDatabas3/hellofed/migrations/postgres"
)

// PostgresStore guarda los jobs en la tabla delivery_jobs; scheduled_at NULL
// significa fuera del índice.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres crea el pool y verifica la conexión.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: parse DSN: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pg: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate aplica los .sql embebidos en orden. Son idempotentes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations.QueueFS, migrations.QueueDir+"/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := fs.ReadFile(migrations.QueueFS, f)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("pg: migrate %s: %w", f, err)
		}
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, j *Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO delivery_jobs (id, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		j.ID, string(j.Status), b, j.CreatedAt, j.UpdatedAt)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	var b []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM delivery_jobs WHERE id = $1`, id).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) Schedule(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE delivery_jobs SET scheduled_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM delivery_jobs
		WHERE scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at, id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) Unschedule(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE delivery_jobs SET scheduled_at = NULL WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
