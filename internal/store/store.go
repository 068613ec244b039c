// Package store is the Postgres persistence layer. Store implements the
// engagement store and Jobs implements the queue backend; both sit on one
// *sql.DB driven by lib/pq.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type Store struct {
	DB *sql.DB
}

// Postgres error codes the store maps to domain errors.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

var (
	metricsOnce      sync.Once
	conflictCounter  otelmetric.Int64Counter
	metricsInitError error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	conflictCounter, metricsInitError = meter.Int64Counter("store_cas_conflicts_total")
}

// countConflict records a lost compare-and-set.
func countConflict(ctx context.Context, op string) {
	metricsOnce.Do(initStoreMetrics)
	if metricsInitError != nil || conflictCounter == nil {
		return
	}
	conflictCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("op", op)))
}

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Jobs returns the queue backend sharing this connection.
func (s *Store) Jobs() *Jobs { return &Jobs{DB: s.DB} }

func (s *Store) Close() error { return s.DB.Close() }

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timeOf(n sql.NullTime) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return n.Time.UTC()
}

// limitArg turns a non-positive limit into NULL, which Postgres reads as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || len(m) == 0 {
		return nil
	}
	return m
}
