package person

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/personchat/internal/observe"
)

// Schema is the SQL DDL for the persons table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
//
// id and name are promoted into every returned object; data holds any further
// attributes and is merged on top of them.
const Schema = `
CREATE TABLE IF NOT EXISTS persons (
    id         BIGSERIAL PRIMARY KEY,
    name       TEXT NOT NULL,
    data       JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const (
	personObject = `jsonb_build_object('id', id, 'name', name) || data`

	listQuery = `SELECT COALESCE(jsonb_agg(` + personObject + ` ORDER BY id), '[]'::jsonb) FROM persons`
	getQuery  = `SELECT ` + personObject + ` FROM persons ORDER BY id LIMIT 1`
)

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Repository] backed by a PostgreSQL persons table.
type PostgresStore struct {
	db      DB
	metrics *observe.Metrics
}

var (
	_ Repository = (*PostgresStore)(nil)
	_ Pinger     = (*PostgresStore)(nil)
)

// NewPostgresStore creates a store on db. The caller is responsible for
// calling [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB, m *observe.Metrics) *PostgresStore {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &PostgresStore{db: db, metrics: m}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("person: migrate: %w", err)
	}
	return nil
}

// Insert adds a person and returns its id. data may be nil.
func (s *PostgresStore) Insert(ctx context.Context, name string, data map[string]any) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("person: name must not be empty")
	}
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("person: marshal data: %w", err)
	}
	var id int64
	err = s.db.QueryRow(ctx, `INSERT INTO persons (name, data) VALUES ($1, $2) RETURNING id`, name, raw).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("person: insert: %w", err)
	}
	return id, nil
}

// List implements [Repository]. It returns "[]" for an empty table.
func (s *PostgresStore) List(ctx context.Context) (json.RawMessage, error) {
	return s.queryJSON(ctx, "list", listQuery)
}

// Get implements [Repository]. It returns the person with the lowest id, or
// JSON null when the table is empty.
func (s *PostgresStore) Get(ctx context.Context) (json.RawMessage, error) {
	return s.queryJSON(ctx, "get", getQuery)
}

// Ping runs a trivial query.
func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("person: ping: %w", err)
	}
	return nil
}

// queryJSON runs a single-row, single-column JSON query.
func (s *PostgresStore) queryJSON(ctx context.Context, op, query string) (json.RawMessage, error) {
	start := time.Now()
	var data []byte
	err := s.db.QueryRow(ctx, query).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		data, err = []byte("null"), nil
	}

	status := "ok"
	if err != nil {
		status = "error"
		s.metrics.RecordProviderError(ctx, "postgres", "repository")
	}
	s.metrics.RepositoryDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("op", op), observe.Attr("status", status)))

	if err != nil {
		return nil, fmt.Errorf("person: %s: %w", op, err)
	}
	return json.RawMessage(data), nil
}
