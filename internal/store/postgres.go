package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bus-monitor/alerting/internal/config"
	"bus-monitor/alerting/internal/domain"
	"bus-monitor/alerting/internal/metrics"
)

const backendPostgres = "postgres"

// pgxPool is the subset of *pgxpool.Pool the store uses.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type PostgresStore struct {
	pool pgxPool
}

func NewPostgresStore(ctx context.Context, cfg *config.Config) (*PostgresStore, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBMaxConns,
	)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create db pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}

	return &PostgresStore{pool: pool}, nil
}

func newPostgresStoreWithPool(pool pgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SchemaStep is one idempotent DDL statement of the alert schema.
type SchemaStep struct {
	Name string
	SQL  string
}

var PostgresSchema = []SchemaStep{
	{
		Name: "driver_alerts table",
		SQL: `CREATE TABLE IF NOT EXISTS driver_alerts (
			id          UUID             PRIMARY KEY,
			bus_id      TEXT             NOT NULL,
			alert_type  TEXT             NOT NULL,
			speed_kmph  DOUBLE PRECISION NOT NULL,
			latitude    DOUBLE PRECISION,
			longitude   DOUBLE PRECISION,
			created_at  TIMESTAMPTZ      NOT NULL DEFAULT NOW(),
			resolved    BOOLEAN          NOT NULL DEFAULT false,
			resolved_at TIMESTAMPTZ,
			CONSTRAINT chk_alert_type CHECK (alert_type IN ('OVERSPEED'))
		)`,
	},
	{
		Name: "idx_driver_alerts_dedup",
		SQL: `CREATE INDEX IF NOT EXISTS idx_driver_alerts_dedup
			ON driver_alerts (bus_id, alert_type, created_at DESC)`,
	},
	{
		Name: "idx_driver_alerts_unresolved",
		SQL: `CREATE INDEX IF NOT EXISTS idx_driver_alerts_unresolved
			ON driver_alerts (created_at DESC)
			WHERE resolved = false`,
	},
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, step := range PostgresSchema {
		if _, err := s.pool.Exec(ctx, step.SQL); err != nil {
			return errors.Wrapf(err, "migration step %q failed", step.Name)
		}
	}
	return nil
}

// HasRecentAlert reports whether busID already has an alert of type t
// created within window of the database clock.
func (s *PostgresStore) HasRecentAlert(ctx context.Context, busID string, t domain.AlertType, window time.Duration) (bool, error) {
	defer metrics.ObserveStore(backendPostgres, "has_recent_alert", time.Now())

	query := `
		SELECT 1
		FROM driver_alerts
		WHERE bus_id = $1
		  AND alert_type = $2
		  AND created_at > NOW() - make_interval(secs => $3)
		LIMIT 1
	`
	var one int
	err := s.pool.QueryRow(ctx, query, busID, string(t), window.Seconds()).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "recent alert query failed for bus %s", busID)
	}
	return true, nil
}

// InsertAlert writes rec and sets rec.Timestamp from the database clock.
func (s *PostgresStore) InsertAlert(ctx context.Context, rec *domain.AlertRecord) error {
	defer metrics.ObserveStore(backendPostgres, "insert_alert", time.Now())

	var lat, lng *float64
	if rec.Location != nil {
		lat, lng = &rec.Location.Lat, &rec.Location.Lng
	}

	query := `
		INSERT INTO driver_alerts
			(id, bus_id, alert_type, speed_kmph, latitude, longitude, resolved)
		VALUES
			($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	err := s.pool.QueryRow(
		ctx,
		query,
		rec.ID,
		rec.BusID,
		string(rec.Type),
		rec.SpeedKmph,
		lat,
		lng,
		rec.Resolved,
	).Scan(&rec.Timestamp)
	if err != nil {
		return errors.Wrapf(err, "alert insert failed for bus %s", rec.BusID)
	}
	return nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, q AlertQuery) ([]*domain.AlertRecord, error) {
	defer metrics.ObserveStore(backendPostgres, "list_alerts", time.Now())

	query := `
		SELECT id, bus_id, alert_type, speed_kmph, latitude, longitude, created_at, resolved
		FROM driver_alerts
		WHERE ($1 = '' OR bus_id = $1)
		  AND ($2::boolean IS NULL OR resolved = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, q.BusID, q.Resolved, q.limit())
	if err != nil {
		return nil, errors.Wrap(err, "alert list query failed")
	}
	defer rows.Close()

	var out []*domain.AlertRecord
	for rows.Next() {
		var (
			rec       domain.AlertRecord
			alertType string
			lat, lng  *float64
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.BusID,
			&alertType,
			&rec.SpeedKmph,
			&lat,
			&lng,
			&rec.Timestamp,
			&rec.Resolved,
		); err != nil {
			return nil, errors.Wrap(err, "alert row scan failed")
		}
		rec.Type = domain.AlertType(alertType)
		if lat != nil && lng != nil {
			rec.Location = &domain.GeoPoint{Lat: *lat, Lng: *lng}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "alert list iteration failed")
	}
	return out, nil
}

func (s *PostgresStore) ResolveAlert(ctx context.Context, id string) error {
	defer metrics.ObserveStore(backendPostgres, "resolve_alert", time.Now())

	if _, err := uuid.Parse(id); err != nil {
		return ErrAlertNotFound
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE driver_alerts
		SET resolved = true, resolved_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return errors.Wrapf(err, "resolve alert %s failed", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlertNotFound
	}
	return nil
}
