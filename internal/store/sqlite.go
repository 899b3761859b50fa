package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore implements Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens a SQLite database, sets file permissions, and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	dir := filepath.Dir(dsn)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	if err := os.Chmod(dsn, 0600); err != nil && !os.IsNotExist(err) {
		_ = db.Close()
		return nil, fmt.Errorf("setting file permissions: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying database connection for migration commands.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteUpsertMeasurement = `
	INSERT INTO measurements (source, site, timestamp, variable, value)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(source, site, variable, timestamp) DO UPDATE SET
		value=excluded.value`

func (s *SQLiteStore) SaveMeasurements(ctx context.Context, ms []Measurement) error {
	const batchSize = 500
	for i := 0; i < len(ms); i += batchSize {
		end := min(i+batchSize, len(ms))
		if err := saveBatch(ctx, s.db, sqliteUpsertMeasurement, ms[i:end]); err != nil {
			return err
		}
	}
	return nil
}

// saveBatch upserts one batch of measurements in a single transaction.
func saveBatch(ctx context.Context, db *sql.DB, query string, ms []Measurement) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, m := range ms {
		if _, err := stmt.ExecContext(ctx, m.Source, m.Site, m.Timestamp.UTC(), m.Variable, m.Value); err != nil {
			return fmt.Errorf("inserting measurement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMeasurements(ctx context.Context, q Query) ([]Measurement, error) {
	query, args := buildMeasurementQuery(q, "sqlite")
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying measurements: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	return scanMeasurements(rows)
}

func (s *SQLiteStore) GetDailySummary(ctx context.Context, source, site, variable string, date time.Time) (*DailySummary, error) {
	return dailySummary(ctx, s.db, "sqlite", source, site, variable, date)
}

func (s *SQLiteStore) GetDataRange(ctx context.Context, source, site string) (oldest, newest time.Time, err error) {
	var oldestRaw, newestRaw *string
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(timestamp), MAX(timestamp)
		FROM measurements
		WHERE source = ? AND site = ?`, source, site).Scan(&oldestRaw, &newestRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("querying data range: %w", err)
	}
	if oldestRaw == nil || newestRaw == nil {
		return time.Time{}, time.Time{}, nil
	}

	oldest, err = parseTimestamp(*oldestRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing oldest: %w", err)
	}
	newest, err = parseTimestamp(*newestRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing newest: %w", err)
	}
	return oldest, newest, nil
}

func (s *SQLiteStore) GetMeasurementCount(ctx context.Context, source, site string) (int, error) {
	return measurementCount(ctx, s.db, "sqlite", source, site)
}

func (s *SQLiteStore) SaveSite(ctx context.Context, site *Site) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sites (source, code, name, latitude, longitude, site_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, code) DO UPDATE SET
			name=excluded.name,
			latitude=excluded.latitude,
			longitude=excluded.longitude,
			site_type=excluded.site_type,
			updated_at=excluded.updated_at`,
		site.Source, site.Code, site.Name, site.Latitude, site.Longitude, site.SiteType,
		site.CreatedAt.UTC(), site.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving site: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSite(ctx context.Context, source, code string) (*Site, error) {
	return getSite(ctx, s.db, "sqlite", source, code)
}

func (s *SQLiteStore) GetSites(ctx context.Context) ([]Site, error) {
	return getSites(ctx, s.db)
}

func (s *SQLiteStore) SaveImportRun(ctx context.Context, run *ImportRun) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO import_runs (source, site, years, outcome, row_count, failed_years, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Source, run.Site, run.Years, run.Outcome, run.Rows, run.FailedYears,
		run.StartedAt.UTC(), run.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving import run: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		run.ID = id
	}
	return nil
}

func (s *SQLiteStore) GetImportRuns(ctx context.Context, limit int) ([]ImportRun, error) {
	return getImportRuns(ctx, s.db, "sqlite", limit)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Shared helpers ---

type scanner interface {
	Scan(dest ...any) error
}

// parseTimestamp handles both time.Time and string timestamp values from SQLite.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02 15:04:05.999999999-07:00",
			"2006-01-02 15:04:05+00:00",
			"2006-01-02 15:04:05 +0000 UTC",
			"2006-01-02 15:04:05",
			"2006-01-02 15:04",
			"2006-01-02 15",
			"2006-01-02",
		} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", t)
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type: %T", v)
	}
}

func scanMeasurement(row scanner) (Measurement, error) {
	var m Measurement
	var tsRaw any
	if err := row.Scan(&m.Source, &m.Site, &tsRaw, &m.Variable, &m.Value); err != nil {
		return Measurement{}, err
	}
	ts, err := parseTimestamp(tsRaw)
	if err != nil {
		return Measurement{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	m.Timestamp = ts
	return m, nil
}

func scanMeasurements(rows *sql.Rows) ([]Measurement, error) {
	var result []Measurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning measurement: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func buildMeasurementQuery(q Query, dialect string) (string, []any) {
	var timeGroup string
	switch int(q.Resolution.Minutes()) {
	case 60:
		if dialect == "sqlite" {
			timeGroup = "substr(timestamp,1,13)"
		} else {
			timeGroup = "date_trunc('hour', timestamp)"
		}
	case 1440:
		if dialect == "sqlite" {
			timeGroup = "substr(timestamp,1,10)"
		} else {
			timeGroup = "date_trunc('day', timestamp)"
		}
	default:
		// Raw rows.
	}

	where := "source = ? AND site = ?"
	args := []any{q.Source, q.Site}
	if !q.Start.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, q.Start.UTC())
	}
	if !q.End.IsZero() {
		where += " AND timestamp < ?"
		args = append(args, q.End.UTC())
	}
	if len(q.Variables) > 0 {
		where += " AND variable IN (?" + strings.Repeat(", ?", len(q.Variables)-1) + ")"
		for _, v := range q.Variables {
			args = append(args, v)
		}
	}

	var query string
	if timeGroup == "" {
		query = `SELECT source, site, timestamp, variable, value
		FROM measurements
		WHERE ` + where + `
		ORDER BY timestamp, variable`
	} else {
		query = fmt.Sprintf(`SELECT source, site, MIN(timestamp) AS timestamp, variable, AVG(value)
		FROM measurements
		WHERE %s
		GROUP BY source, site, variable, %s
		ORDER BY timestamp, variable`, where, timeGroup)
	}

	if dialect == "postgres" {
		query = replacePlaceholders(query)
	}
	return query, args
}

func rebind(query, dialect string) string {
	if dialect == "postgres" {
		return replacePlaceholders(query)
	}
	return query
}

func dailySummary(ctx context.Context, db *sql.DB, dialect, source, site, variable string, date time.Time) (*DailySummary, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	var minV, maxV, avgV sql.NullFloat64
	ds := DailySummary{Source: source, Site: site, Variable: variable, Date: dayStart}
	err := db.QueryRowContext(ctx, rebind(`
		SELECT MIN(value), MAX(value), AVG(value), COUNT(*)
		FROM measurements
		WHERE source = ? AND site = ? AND variable = ? AND timestamp >= ? AND timestamp < ?`, dialect),
		source, site, variable, dayStart, dayEnd).Scan(&minV, &maxV, &avgV, &ds.Count)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying daily summary: %w", err)
	}
	if ds.Count == 0 {
		return nil, nil
	}
	ds.Min, ds.Max, ds.Avg = minV.Float64, maxV.Float64, avgV.Float64
	return &ds, nil
}

func measurementCount(ctx context.Context, db *sql.DB, dialect, source, site string) (int, error) {
	query := `SELECT COUNT(*) FROM measurements`
	var args []any
	switch {
	case source != "" && site != "":
		query += ` WHERE source = ? AND site = ?`
		args = append(args, source, site)
	case source != "":
		query += ` WHERE source = ?`
		args = append(args, source)
	}

	var count int
	if err := db.QueryRowContext(ctx, rebind(query, dialect), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting measurements: %w", err)
	}
	return count, nil
}

const selectSite = `SELECT source, code, name, latitude, longitude, site_type, created_at, updated_at FROM sites`

func scanSite(row scanner) (Site, error) {
	var st Site
	var lat, lon sql.NullFloat64
	var created, updated any
	if err := row.Scan(&st.Source, &st.Code, &st.Name, &lat, &lon, &st.SiteType, &created, &updated); err != nil {
		return Site{}, err
	}
	if lat.Valid {
		st.Latitude = &lat.Float64
	}
	if lon.Valid {
		st.Longitude = &lon.Float64
	}
	var err error
	if st.CreatedAt, err = parseTimestamp(created); err != nil {
		return Site{}, err
	}
	if st.UpdatedAt, err = parseTimestamp(updated); err != nil {
		return Site{}, err
	}
	return st, nil
}

func getSite(ctx context.Context, db *sql.DB, dialect, source, code string) (*Site, error) {
	row := db.QueryRowContext(ctx, rebind(selectSite+` WHERE source = ? AND code = ?`, dialect), source, code)
	st, err := scanSite(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting site: %w", err)
	}
	return &st, nil
}

func getSites(ctx context.Context, db *sql.DB) ([]Site, error) {
	rows, err := db.QueryContext(ctx, selectSite+` ORDER BY source, code`)
	if err != nil {
		return nil, fmt.Errorf("listing sites: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var sites []Site
	for rows.Next() {
		st, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning site: %w", err)
		}
		sites = append(sites, st)
	}
	return sites, rows.Err()
}

func getImportRuns(ctx context.Context, db *sql.DB, dialect string, limit int) ([]ImportRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, rebind(`
		SELECT id, source, site, years, outcome, row_count, failed_years, started_at, finished_at
		FROM import_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, dialect), limit)
	if err != nil {
		return nil, fmt.Errorf("listing import runs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var runs []ImportRun
	for rows.Next() {
		var r ImportRun
		var started, finished any
		if err := rows.Scan(&r.ID, &r.Source, &r.Site, &r.Years, &r.Outcome, &r.Rows, &r.FailedYears, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning import run: %w", err)
		}
		if r.StartedAt, err = parseTimestamp(started); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseTimestamp(finished); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// replacePlaceholders converts ? to $1, $2, $3 etc for postgres.
func replacePlaceholders(query string) string {
	result := make([]byte, 0, len(query))
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, fmt.Sprintf("$%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
