package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed pgmigrations/*.sql
var pgMigrations embed.FS

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a PostgreSQL connection and runs migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	goose.SetBaseFS(pgMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "pgmigrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// DB returns the underlying database connection for migration commands.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const pgUpsertMeasurement = `
	INSERT INTO measurements (source, site, timestamp, variable, value)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT(source, site, variable, timestamp) DO UPDATE SET
		value=EXCLUDED.value`

func (s *PostgresStore) SaveMeasurements(ctx context.Context, ms []Measurement) error {
	const batchSize = 500
	for i := 0; i < len(ms); i += batchSize {
		end := min(i+batchSize, len(ms))
		if err := saveBatch(ctx, s.db, pgUpsertMeasurement, ms[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) GetMeasurements(ctx context.Context, q Query) ([]Measurement, error) {
	query, args := buildMeasurementQuery(q, "postgres")
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying measurements: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	return scanMeasurements(rows)
}

func (s *PostgresStore) GetDailySummary(ctx context.Context, source, site, variable string, date time.Time) (*DailySummary, error) {
	return dailySummary(ctx, s.db, "postgres", source, site, variable, date)
}

func (s *PostgresStore) GetDataRange(ctx context.Context, source, site string) (oldest, newest time.Time, err error) {
	var o, n sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(timestamp), MAX(timestamp)
		FROM measurements
		WHERE source = $1 AND site = $2`, source, site).Scan(&o, &n)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("querying data range: %w", err)
	}
	if !o.Valid || !n.Valid {
		return time.Time{}, time.Time{}, nil
	}
	return o.Time.UTC(), n.Time.UTC(), nil
}

func (s *PostgresStore) GetMeasurementCount(ctx context.Context, source, site string) (int, error) {
	return measurementCount(ctx, s.db, "postgres", source, site)
}

func (s *PostgresStore) SaveSite(ctx context.Context, site *Site) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sites (source, code, name, latitude, longitude, site_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT(source, code) DO UPDATE SET
			name=EXCLUDED.name,
			latitude=EXCLUDED.latitude,
			longitude=EXCLUDED.longitude,
			site_type=EXCLUDED.site_type,
			updated_at=EXCLUDED.updated_at`,
		site.Source, site.Code, site.Name, site.Latitude, site.Longitude, site.SiteType,
		site.CreatedAt.UTC(), site.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving site: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSite(ctx context.Context, source, code string) (*Site, error) {
	return getSite(ctx, s.db, "postgres", source, code)
}

func (s *PostgresStore) GetSites(ctx context.Context) ([]Site, error) {
	return getSites(ctx, s.db)
}

func (s *PostgresStore) SaveImportRun(ctx context.Context, run *ImportRun) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO import_runs (source, site, years, outcome, row_count, failed_years, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		run.Source, run.Site, run.Years, run.Outcome, run.Rows, run.FailedYears,
		run.StartedAt.UTC(), run.FinishedAt.UTC()).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("saving import run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetImportRuns(ctx context.Context, limit int) ([]ImportRun, error) {
	return getImportRuns(ctx, s.db, "postgres", limit)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
