package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/chadmayfield/aqimport/pkg/frame"
)

// ErrUnstorableFrame is returned for a non-empty frame whose date or code
// column is missing or of the wrong kind.
var ErrUnstorableFrame = errors.New("frame cannot be stored")

// LatestMigration is the newest schema version embedded for both drivers.
const LatestMigration int64 = 2

// Store defines the interface for persisting imported series.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	// SaveMeasurements stores measurements in batched transactions.
	// Upserts on (source, site, variable, timestamp).
	SaveMeasurements(ctx context.Context, ms []Measurement) error

	// GetMeasurements retrieves measurements for a site within a time range.
	// Resolution controls data density: hourly and daily resolutions average
	// each variable per bucket, anything else returns raw rows.
	GetMeasurements(ctx context.Context, q Query) ([]Measurement, error)

	// GetSites retrieves all known sites.
	GetSites(ctx context.Context) ([]Site, error)

	// GetSite retrieves one site, or nil when it is unknown.
	GetSite(ctx context.Context, source, code string) (*Site, error)

	// SaveSite creates or updates a site record.
	SaveSite(ctx context.Context, site *Site) error

	// GetDataRange returns the oldest and newest measurement timestamps for a site.
	GetDataRange(ctx context.Context, source, site string) (oldest, newest time.Time, err error)

	// GetMeasurementCount returns the number of stored measurements for a
	// site, or for every site when site is empty.
	GetMeasurementCount(ctx context.Context, source, site string) (int, error)

	// GetDailySummary returns min/max/avg of one variable for a specific date.
	GetDailySummary(ctx context.Context, source, site, variable string, date time.Time) (*DailySummary, error)

	// SaveImportRun records the outcome of one import.
	SaveImportRun(ctx context.Context, run *ImportRun) error

	// GetImportRuns returns the most recent import runs, newest first.
	GetImportRuns(ctx context.Context, limit int) ([]ImportRun, error)

	// Close closes the database connection.
	Close() error
}

// Measurement is one value of one variable at one site and time.
type Measurement struct {
	Source    string    `json:"source"`
	Site      string    `json:"site"`
	Timestamp time.Time `json:"timestamp"`
	Variable  string    `json:"variable"`
	Value     float64   `json:"value"`
}

// Query selects stored measurements. An empty Variables list means all.
type Query struct {
	Source     string
	Site       string
	Start      time.Time
	End        time.Time
	Variables  []string
	Resolution time.Duration
}

// Site is the database model for site metadata.
type Site struct {
	Source    string    `json:"source"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	SiteType  string    `json:"site_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DailySummary holds aggregated daily values of one variable.
type DailySummary struct {
	Source   string    `json:"source"`
	Site     string    `json:"site"`
	Variable string    `json:"variable"`
	Date     time.Time `json:"date"`
	Min      float64   `json:"min"`
	Max      float64   `json:"max"`
	Avg      float64   `json:"avg"`
	Count    int       `json:"count"`
}

// ImportRun records one ImportSeries call.
type ImportRun struct {
	ID          int64     `json:"id"`
	Source      string    `json:"source"`
	Site        string    `json:"site"`
	Years       string    `json:"years"`
	Outcome     string    `json:"outcome"`
	Rows        int       `json:"rows"`
	FailedYears int       `json:"failed_years"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// MeasurementsFromFrame flattens a wide station series into measurements.
// Every numeric column becomes a variable; missing values are skipped.
// Rows without a date or code are skipped too. A frame with no rows yields
// nothing; otherwise date must be a time column and code a string column.
func MeasurementsFromFrame(sourceID string, f *frame.Frame) ([]Measurement, error) {
	if f.Len() == 0 {
		return nil, nil
	}
	if err := requireKind(f, frame.DateColumn, frame.Time); err != nil {
		return nil, err
	}
	if err := requireKind(f, frame.CodeColumn, frame.String); err != nil {
		return nil, err
	}
	dates, _ := f.Times(frame.DateColumn)
	codes, _ := f.Strings(frame.CodeColumn)

	var ms []Measurement
	for _, name := range f.Columns() {
		c := f.Column(name)
		if c.Kind != frame.Float {
			continue
		}
		for i, v := range c.Floats {
			if math.IsNaN(v) || dates[i].IsZero() || codes[i] == "" {
				continue
			}
			ms = append(ms, Measurement{
				Source:    sourceID,
				Site:      strings.ToUpper(codes[i]),
				Timestamp: dates[i].UTC(),
				Variable:  name,
				Value:     v,
			})
		}
	}
	return ms, nil
}

func requireKind(f *frame.Frame, name string, want frame.Kind) error {
	c := f.Column(name)
	if c == nil {
		return fmt.Errorf("%w: %w: %s", ErrUnstorableFrame, frame.ErrMissingColumn, name)
	}
	if c.Kind != want {
		return fmt.Errorf("%w: column %s is %s, want %s", ErrUnstorableFrame, name, c.Kind, want)
	}
	return nil
}

// SaveImport writes the measurements of f under run.Source and then records
// run with the number of measurements written. Nothing is recorded when f
// cannot be flattened.
func SaveImport(ctx context.Context, s Store, run *ImportRun, f *frame.Frame) (int, error) {
	ms, err := MeasurementsFromFrame(run.Source, f)
	if err != nil {
		return 0, fmt.Errorf("storing %s %s: %w", run.Source, run.Site, err)
	}
	if err := s.SaveMeasurements(ctx, ms); err != nil {
		return 0, fmt.Errorf("storing %s %s: %w", run.Source, run.Site, err)
	}
	run.Rows = len(ms)
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	if err := s.SaveImportRun(ctx, run); err != nil {
		return len(ms), err
	}
	return len(ms), nil
}

// Metadata column names tried by SitesFromFrame, in order.
var (
	nameColumns = []string{"site_name", "site", "name"}
	latColumns  = []string{"latitude", "lat"}
	lonColumns  = []string{"longitude", "lon", "long"}
	typeColumns = []string{"location_type", "site_type", "environment_type"}
)

// SitesFromFrame builds site records from a metadata frame keyed on key.
func SitesFromFrame(sourceID, key string, f *frame.Frame, now time.Time) []Site {
	codes, ok := f.Strings(key)
	if !ok {
		return nil
	}
	names := firstStrings(f, nameColumns)
	types := firstStrings(f, typeColumns)
	lats := firstFloats(f, latColumns)
	lons := firstFloats(f, lonColumns)

	sites := make([]Site, 0, len(codes))
	for i, code := range codes {
		if code == "" {
			continue
		}
		s := Site{
			Source:    sourceID,
			Code:      strings.ToUpper(code),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if names != nil {
			s.Name = names[i]
		}
		if types != nil {
			s.SiteType = types[i]
		}
		if lats != nil && !math.IsNaN(lats[i]) {
			lat := lats[i]
			s.Latitude = &lat
		}
		if lons != nil && !math.IsNaN(lons[i]) {
			lon := lons[i]
			s.Longitude = &lon
		}
		sites = append(sites, s)
	}
	return sites
}

func firstStrings(f *frame.Frame, names []string) []string {
	for _, n := range names {
		if v, ok := f.Strings(n); ok {
			return v
		}
	}
	return nil
}

func firstFloats(f *frame.Frame, names []string) []float64 {
	for _, n := range names {
		if v, ok := f.Floats(n); ok {
			return v
		}
	}
	return nil
}

// ToFrame pivots measurements back into a wide frame with code and date
// columns followed by one column per variable.
func ToFrame(ms []Measurement) (*frame.Frame, error) {
	n := len(ms)
	sites := make([]string, n)
	dates := make([]time.Time, n)
	vars := make([]string, n)
	vals := make([]float64, n)
	for i, m := range ms {
		sites[i] = m.Site
		dates[i] = m.Timestamp
		vars[i] = m.Variable
		vals[i] = m.Value
	}

	long := frame.New()
	for _, err := range []error{
		long.AddString(frame.CodeColumn, sites),
		long.AddTime(frame.DateColumn, dates),
		long.AddString("variable", vars),
		long.AddFloat("value", vals),
	} {
		if err != nil {
			return nil, err
		}
	}
	return frame.Pivot(long, []string{frame.CodeColumn, frame.DateColumn}, "variable", "value")
}
