package design

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dd0wney/cluso-riskcap/pkg/metrics"
)

// PGStore keeps design records in a PostgreSQL JSONB column.
type PGStore struct {
	pool    *pgxpool.Pool
	metrics *metrics.Registry
}

// NewPGStore connects, verifies the connection and creates the table.
func NewPGStore(ctx context.Context, databaseURL string, reg *metrics.Registry) (*PGStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, NewError("open").Backend("postgres").Context("parse database URL").Cause(err).Err()
	}

	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, NewError("open").Backend("postgres").Context("create pool").Cause(err).Err()
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, NewError("open").Backend("postgres").Context("ping").Cause(err).Err()
	}

	s := &PGStore{pool: pool, metrics: reg}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, NewError("open").Backend("postgres").Context("migrate").Cause(err).Err()
	}
	return s, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS capacity_designs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT '',
		total_capacity DOUBLE PRECISION NOT NULL,
		record JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_capacity_designs_created_at ON capacity_designs(created_at);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Put upserts the record.
func (s *PGStore) Put(ctx context.Context, d *Design) (id string, err error) {
	defer func() { s.metrics.RecordStoreOperation("postgres", "put", err) }()

	id = assignID(d)
	if err := d.Validate(); err != nil {
		return "", NewError("put").Backend("postgres").Design(id).Cause(err).Err()
	}
	record, err := json.Marshal(d.ToRecord())
	if err != nil {
		return "", NewError("put").Backend("postgres").Design(id).Context("marshal").Cause(err).Err()
	}

	query := `
		INSERT INTO capacity_designs (id, status, total_capacity, record)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, total_capacity = EXCLUDED.total_capacity, record = EXCLUDED.record
	`
	if _, err := s.pool.Exec(ctx, query, id, d.Status, d.TotalCapacity(), record); err != nil {
		return "", NewError("put").Backend("postgres").Design(id).Cause(err).Err()
	}
	return id, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (d *Design, err error) {
	defer func() { s.metrics.RecordStoreOperation("postgres", "get", err) }()

	var record []byte
	err = s.pool.QueryRow(ctx, `SELECT record FROM capacity_designs WHERE id = $1`, id).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NotFoundError("get", "postgres", id)
	}
	if err != nil {
		return nil, NewError("get").Backend("postgres").Design(id).Cause(err).Err()
	}

	var rec Record
	if err := json.Unmarshal(record, &rec); err != nil {
		return nil, NewError("get").Backend("postgres").Design(id).Context("unmarshal").Cause(err).Err()
	}
	d, err = FromRecord(&rec)
	if err != nil {
		return nil, NewError("get").Backend("postgres").Design(id).Cause(err).Err()
	}
	d.ID = id
	return d, nil
}

func (s *PGStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM capacity_designs ORDER BY id`)
	if err != nil {
		return nil, NewError("list").Backend("postgres").Cause(err).Err()
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, NewError("list").Backend("postgres").Cause(err).Err()
	}
	return ids, nil
}

func (s *PGStore) Delete(ctx context.Context, id string) (err error) {
	defer func() { s.metrics.RecordStoreOperation("postgres", "delete", err) }()

	tag, err := s.pool.Exec(ctx, `DELETE FROM capacity_designs WHERE id = $1`, id)
	if err != nil {
		return NewError("delete").Backend("postgres").Design(id).Cause(err).Err()
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError("delete", "postgres", id)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
