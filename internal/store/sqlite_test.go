package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/chadmayfield/aqimport/pkg/frame"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dsn := filepath.Join(dir, "test.db")
	s, err := NewSQLiteStore(dsn)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeMeasurement(site string, ts time.Time, variable string, value float64) Measurement {
	return Measurement{Source: "aurn", Site: site, Timestamp: ts, Variable: variable, Value: value}
}

// hourlySeries returns n hourly values of each variable starting at base.
func hourlySeries(site string, base time.Time, n int, vars ...string) []Measurement {
	var ms []Measurement
	for i := 0; i < n; i++ {
		for j, v := range vars {
			ms = append(ms, makeMeasurement(site, base.Add(time.Duration(i)*time.Hour), v, float64(10*j+i)))
		}
	}
	return ms
}

func TestSQLiteStore_SaveAndGetMeasurements(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2019, 6, 15, 12, 0, 0, 0, time.UTC)
	if err := s.SaveMeasurements(ctx, []Measurement{
		makeMeasurement("MY1", base, "no2", 41.5),
		makeMeasurement("MY1", base, "o3", 12.25),
	}); err != nil {
		t.Fatalf("SaveMeasurements: %v", err)
	}

	got, err := s.GetMeasurements(ctx, Query{Source: "aurn", Site: "MY1"})
	if err != nil {
		t.Fatalf("GetMeasurements: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	if got[0].Variable != "no2" || got[0].Value != 41.5 {
		t.Errorf("first = %+v, want no2 41.5", got[0])
	}
	if !got[0].Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", got[0].Timestamp, base)
	}
}

func TestSQLiteStore_Upsert(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	ts := time.Date(2019, 6, 15, 12, 0, 0, 0, time.UTC)
	if err := s.SaveMeasurements(ctx, []Measurement{makeMeasurement("MY1", ts, "no2", 40)}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := s.SaveMeasurements(ctx, []Measurement{makeMeasurement("MY1", ts, "no2", 44)}); err != nil {
		t.Fatalf("second save (upsert): %v", err)
	}

	rows, err := s.GetMeasurements(ctx, Query{Source: "aurn", Site: "MY1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row after upsert, got %d", len(rows))
	}
	if rows[0].Value != 44 {
		t.Errorf("upsert: value = %v, want 44", rows[0].Value)
	}
}

func TestSQLiteStore_BatchInsert(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	ms := hourlySeries("MY1", base, 400, "no2", "pm10")

	if err := s.SaveMeasurements(ctx, ms); err != nil {
		t.Fatalf("SaveMeasurements: %v", err)
	}

	count, err := s.GetMeasurementCount(ctx, "aurn", "MY1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 800 {
		t.Errorf("count = %d, want 800", count)
	}
}

func TestSQLiteStore_QueryFilters(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.SaveMeasurements(ctx, hourlySeries("MY1", base, 48, "no2", "o3", "ws")); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMeasurements(ctx, hourlySeries("KC1", base, 48, "no2")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		q          Query
		wantRows   int
		resolution time.Duration
	}{
		{"all rows", Query{Source: "aurn", Site: "MY1"}, 144, 0},
		{"one variable", Query{Source: "aurn", Site: "MY1", Variables: []string{"no2"}}, 48, 0},
		{"two variables", Query{Source: "aurn", Site: "MY1", Variables: []string{"no2", "ws"}}, 96, 0},
		{"time window", Query{Source: "aurn", Site: "MY1", Start: base, End: base.Add(12 * time.Hour)}, 36, 0},
		{"hourly", Query{Source: "aurn", Site: "MY1", Variables: []string{"no2"}}, 48, time.Hour},
		{"daily", Query{Source: "aurn", Site: "MY1", Variables: []string{"no2"}}, 2, 24 * time.Hour},
		{"other site", Query{Source: "aurn", Site: "KC1"}, 48, 0},
		{"other source", Query{Source: "saqn", Site: "MY1"}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.q.Resolution = tt.resolution
			rows, err := s.GetMeasurements(ctx, tt.q)
			if err != nil {
				t.Fatal(err)
			}
			if len(rows) != tt.wantRows {
				t.Errorf("got %d rows, want %d", len(rows), tt.wantRows)
			}
		})
	}
}

func TestSQLiteStore_DailyAverage(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.SaveMeasurements(ctx, hourlySeries("MY1", base, 24, "no2")); err != nil {
		t.Fatal(err)
	}

	rows, err := s.GetMeasurements(ctx, Query{Source: "aurn", Site: "MY1", Resolution: 24 * time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	// mean of 0..23
	if rows[0].Value != 11.5 {
		t.Errorf("daily mean = %v, want 11.5", rows[0].Value)
	}
	if !rows[0].Timestamp.Equal(base) {
		t.Errorf("bucket timestamp = %v, want %v", rows[0].Timestamp, base)
	}
}

func TestSQLiteStore_DailySummary(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2019, 6, 15, 0, 0, 0, 0, time.UTC)
	var ms []Measurement
	for hour := 0; hour < 24; hour++ {
		ms = append(ms, makeMeasurement("MY1", base.Add(time.Duration(hour)*time.Hour), "pm10", 15+float64(hour)))
	}
	// next day must not leak into the summary
	ms = append(ms, makeMeasurement("MY1", base.AddDate(0, 0, 1), "pm10", 500))
	if err := s.SaveMeasurements(ctx, ms); err != nil {
		t.Fatal(err)
	}

	summary, err := s.GetDailySummary(ctx, "aurn", "MY1", "pm10", base.Add(13*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if summary == nil {
		t.Fatal("expected summary, got nil")
	}
	if summary.Max != 38 {
		t.Errorf("max = %v, want 38", summary.Max)
	}
	if summary.Min != 15 {
		t.Errorf("min = %v, want 15", summary.Min)
	}
	if summary.Avg != 26.5 {
		t.Errorf("avg = %v, want 26.5", summary.Avg)
	}
	if summary.Count != 24 {
		t.Errorf("count = %d, want 24", summary.Count)
	}
	if !summary.Date.Equal(base) {
		t.Errorf("date = %v, want %v", summary.Date, base)
	}

	empty, err := s.GetDailySummary(ctx, "aurn", "MY1", "pm10", base.AddDate(0, 0, 5))
	if err != nil {
		t.Fatal(err)
	}
	if empty != nil {
		t.Errorf("expected nil summary for a day without data, got %+v", empty)
	}
}

func TestSQLiteStore_GetDataRange(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	oldest, newest, err := s.GetDataRange(ctx, "aurn", "MY1")
	if err != nil {
		t.Fatal(err)
	}
	if !oldest.IsZero() || !newest.IsZero() {
		t.Error("expected zero times for empty store")
	}

	base := time.Date(2019, 6, 15, 0, 0, 0, 0, time.UTC)
	if err := s.SaveMeasurements(ctx, hourlySeries("MY1", base, 10, "no2")); err != nil {
		t.Fatal(err)
	}

	oldest, newest, err = s.GetDataRange(ctx, "aurn", "MY1")
	if err != nil {
		t.Fatal(err)
	}
	if !oldest.Equal(base) {
		t.Errorf("oldest = %v, want %v", oldest, base)
	}
	if want := base.Add(9 * time.Hour); !newest.Equal(want) {
		t.Errorf("newest = %v, want %v", newest, want)
	}
}

func TestSQLiteStore_MeasurementCount(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.SaveMeasurements(ctx, hourlySeries("MY1", base, 5, "no2")); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMeasurements(ctx, hourlySeries("KC1", base, 3, "no2")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		source, site string
		want         int
	}{
		{"aurn", "MY1", 5},
		{"aurn", "KC1", 3},
		{"aurn", "", 8},
		{"", "", 8},
		{"saqn", "", 0},
	}
	for _, tt := range tests {
		got, err := s.GetMeasurementCount(ctx, tt.source, tt.site)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("GetMeasurementCount(%q, %q) = %d, want %d", tt.source, tt.site, got, tt.want)
		}
	}
}

func TestSQLiteStore_Site(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	lat, lon := 51.52253, -0.154611
	site := &Site{
		Source:    "aurn",
		Code:      "MY1",
		Name:      "London Marylebone Road",
		Latitude:  &lat,
		Longitude: &lon,
		SiteType:  "Urban Traffic",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.SaveSite(ctx, site); err != nil {
		t.Fatalf("SaveSite: %v", err)
	}

	got, err := s.GetSite(ctx, "aurn", "MY1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected site, got nil")
	}
	if got.Name != "London Marylebone Road" {
		t.Errorf("name = %q", got.Name)
	}
	if got.Latitude == nil || *got.Latitude != lat {
		t.Errorf("latitude = %v, want %v", got.Latitude, lat)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, now)
	}

	// Update without coordinates.
	site.Name = "Marylebone Road"
	site.Latitude, site.Longitude = nil, nil
	if err := s.SaveSite(ctx, site); err != nil {
		t.Fatalf("SaveSite (update): %v", err)
	}
	got, err = s.GetSite(ctx, "aurn", "MY1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Marylebone Road" || got.Latitude != nil {
		t.Errorf("after update = %+v", got)
	}

	sites, err := s.GetSites(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sites) != 1 {
		t.Errorf("got %d sites, want 1", len(sites))
	}

	notFound, err := s.GetSite(ctx, "aurn", "ZZZ")
	if err != nil {
		t.Fatal(err)
	}
	if notFound != nil {
		t.Error("expected nil for unknown site")
	}
}

func TestSQLiteStore_ImportRuns(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, outcome := range []string{"success", "partial_failure", "total_failure"} {
		run := &ImportRun{
			Source:     "aurn",
			Site:       "MY1",
			Years:      "2019,2020",
			Outcome:    outcome,
			Rows:       100 * i,
			StartedAt:  start.Add(time.Duration(i) * time.Minute),
			FinishedAt: start.Add(time.Duration(i)*time.Minute + time.Second),
		}
		if err := s.SaveImportRun(ctx, run); err != nil {
			t.Fatalf("SaveImportRun: %v", err)
		}
		if run.ID == 0 {
			t.Error("expected ID to be assigned")
		}
	}

	runs, err := s.GetImportRuns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].Outcome != "total_failure" {
		t.Errorf("newest outcome = %q, want total_failure", runs[0].Outcome)
	}
	if runs[1].Rows != 100 {
		t.Errorf("rows = %d, want 100", runs[1].Rows)
	}
}

func TestSQLiteStore_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "perms.db")
	s, err := NewSQLiteStore(dsn)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	info, err := os.Stat(dsn)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permissions = %o, want 0600", perm)
	}
}

func TestSQLiteStore_SchemaVersion(t *testing.T) {
	s := newTestSQLiteStore(t)
	if err := goose.SetDialect("sqlite3"); err != nil {
		t.Fatal(err)
	}
	version, err := goose.GetDBVersion(s.DB())
	if err != nil {
		t.Fatal(err)
	}
	if version != LatestMigration {
		t.Errorf("schema version = %d, want %d", version, LatestMigration)
	}
}

func TestReplacePlaceholders(t *testing.T) {
	got := replacePlaceholders("SELECT * FROM t WHERE a = ? AND b IN (?, ?)")
	want := "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)"
	if got != want {
		t.Errorf("replacePlaceholders() = %q, want %q", got, want)
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2019, 6, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in      any
		wantErr bool
	}{
		{want, false},
		{"2019-06-15T12:00:00Z", false},
		{"2019-06-15 12:00:00+00:00", false},
		{"2019-06-15 12:00:00 +0000 UTC", false},
		{"2019-06-15 12:00:00", false},
		{"2019-06-15 12", false},
		{"15/06/2019", true},
		{42, true},
	}
	for _, tt := range tests {
		got, err := parseTimestamp(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTimestamp(%v) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !got.Equal(want) {
			t.Errorf("parseTimestamp(%v) = %v, want %v", tt.in, got, want)
		}
	}
}

func TestSaveImport(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	run := &ImportRun{Source: "aurn", Site: "MY1", Years: "2019", Outcome: "success", StartedAt: started}
	n, err := SaveImport(ctx, s, run, seriesFrame(t))
	if err != nil {
		t.Fatalf("SaveImport: %v", err)
	}
	if n != 3 || run.Rows != 3 {
		t.Errorf("stored = %d, run.Rows = %d, want 3", n, run.Rows)
	}
	if run.FinishedAt.IsZero() {
		t.Error("expected finished_at to be set")
	}

	count, err := s.GetMeasurementCount(ctx, "aurn", "MY1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	runs, err := s.GetImportRuns(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Rows != 3 {
		t.Errorf("runs = %+v", runs)
	}
}

func TestSaveImport_UnstorableFrame(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	f := frame.New()
	for _, err := range []error{
		f.AddString("code", []string{"MY1", "MY1"}),
		f.AddString("date", []string{"2019-01-01 00:00:00", "2019-01-01 01:00:00"}),
		f.AddFloat("no2", []float64{40, 41}),
	} {
		if err != nil {
			t.Fatal(err)
		}
	}

	run := &ImportRun{Source: "aurn", Site: "MY1", Years: "2019", Outcome: "success", StartedAt: time.Now().UTC()}
	n, err := SaveImport(ctx, s, run, f)
	if !errors.Is(err, ErrUnstorableFrame) {
		t.Fatalf("err = %v, want ErrUnstorableFrame", err)
	}
	if n != 0 {
		t.Errorf("stored = %d, want 0", n)
	}
	runs, err := s.GetImportRuns(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("runs = %+v, want none recorded", runs)
	}
}
