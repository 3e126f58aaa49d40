package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"anomaly-service/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS anomaly_alerts (
	id          TEXT PRIMARY KEY,
	metric      TEXT NOT NULL,
	severity    TEXT NOT NULL CHECK (severity IN ('low','medium','high','critical')),
	message     TEXT NOT NULL,
	score       JSONB NOT NULL,
	context     JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ,
	resolved_by TEXT
);
CREATE INDEX IF NOT EXISTS idx_anomaly_alerts_created ON anomaly_alerts (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_anomaly_alerts_severity ON anomaly_alerts (severity, created_at DESC);
`

const selectColumns = `SELECT id, metric, severity, message, score, context, created_at, resolved_at, resolved_by FROM anomaly_alerts`

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore persists alerts in the anomaly_alerts table.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens and pings a connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewPostgresStore wraps db and runs the migration. Close closes db.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Insert(ctx context.Context, alert models.AnomalyAlert) error {
	score, err := json.Marshal(alert.Score)
	if err != nil {
		return fmt.Errorf("marshal score: %w", err)
	}
	var actx interface{}
	if alert.Context != nil {
		data, err := json.Marshal(alert.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		actx = string(data)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO anomaly_alerts (id, metric, severity, message, score, context, created_at, resolved_at, resolved_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		alert.ID, alert.Metric, string(alert.Severity), alert.Message, string(score), actx,
		alert.CreatedAt, nullTime(alert.ResolvedAt), nullString(alert.ResolvedBy),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("insert %s: %w", alert.ID, ErrDuplicateAlert)
	}
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.AnomalyAlert, error) {
	row := p.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AnomalyAlert{}, ErrAlertNotFound
	}
	return a, err
}

func (p *PostgresStore) Recent(ctx context.Context, limit int, severity models.Severity) ([]models.AnomalyAlert, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := p.db.QueryContext(ctx, selectColumns+`
		WHERE ($1::text = '' OR severity = $1)
		ORDER BY created_at DESC
		LIMIT $2`, string(severity), lim)
	if err != nil {
		return nil, fmt.Errorf("query recent alerts: %w", err)
	}
	return scanAlerts(rows)
}

func (p *PostgresStore) Range(ctx context.Context, start, end time.Time, severity models.Severity) ([]models.AnomalyAlert, error) {
	rows, err := p.db.QueryContext(ctx, selectColumns+`
		WHERE created_at BETWEEN $1 AND $2 AND ($3::text = '' OR severity = $3)
		ORDER BY created_at DESC`, start, end, string(severity))
	if err != nil {
		return nil, fmt.Errorf("query alert range: %w", err)
	}
	return scanAlerts(rows)
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, at time.Time, by *string) (models.AnomalyAlert, bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE anomaly_alerts SET resolved_at = $2, resolved_by = $3
		WHERE id = $1 AND resolved_at IS NULL`, id, at, nullString(by))
	if err != nil {
		return models.AnomalyAlert{}, false, fmt.Errorf("resolve alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.AnomalyAlert{}, false, fmt.Errorf("resolve alert: %w", err)
	}

	alert, err := p.Get(ctx, id)
	if err != nil {
		return models.AnomalyAlert{}, false, err
	}
	return alert, n == 1, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (models.AnomalyAlert, error) {
	var (
		a          models.AnomalyAlert
		severity   string
		score      []byte
		actx       []byte
		resolvedAt sql.NullTime
		resolvedBy sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Metric, &severity, &a.Message, &score, &actx, &a.CreatedAt, &resolvedAt, &resolvedBy); err != nil {
		return models.AnomalyAlert{}, err
	}
	a.Severity = models.Severity(severity)
	if err := json.Unmarshal(score, &a.Score); err != nil {
		return models.AnomalyAlert{}, fmt.Errorf("unmarshal score: %w", err)
	}
	if len(actx) > 0 {
		a.Context = &models.AlertContext{}
		if err := json.Unmarshal(actx, a.Context); err != nil {
			return models.AnomalyAlert{}, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	if resolvedBy.Valid {
		s := resolvedBy.String
		a.ResolvedBy = &s
	}
	return a, nil
}

func scanAlerts(rows *sql.Rows) ([]models.AnomalyAlert, error) {
	defer rows.Close()
	alerts := make([]models.AnomalyAlert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
