package frame

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"
)

func hourly(start time.Time, n int) []time.Time {
	ts := make([]time.Time, n)
	for i := range ts {
		ts[i] = start.Add(time.Duration(i) * time.Hour)
	}
	return ts
}

func mustFrame(t *testing.T, site, code string, dates []time.Time, cols map[string][]float64, order ...string) *Frame {
	t.Helper()
	f := New()
	sites := make([]string, len(dates))
	codes := make([]string, len(dates))
	for i := range dates {
		sites[i] = site
		codes[i] = code
	}
	if err := f.AddString(SiteColumn, sites); err != nil {
		t.Fatal(err)
	}
	if err := f.AddString(CodeColumn, codes); err != nil {
		t.Fatal(err)
	}
	if err := f.AddTime(DateColumn, dates); err != nil {
		t.Fatal(err)
	}
	for _, name := range order {
		if err := f.AddFloat(name, cols[name]); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func TestFrame_AddColumnLengthMismatch(t *testing.T) {
	f := New()
	if err := f.AddFloat("a", []float64{1, 2}); err != nil {
		t.Fatal(err)
	}
	err := f.AddFloat("b", []float64{1})
	if !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("err = %v, want ErrLengthMismatch", err)
	}
	if err := f.AddFloat("a", []float64{3, 4}); !errors.Is(err, ErrDuplicateColumn) {
		t.Errorf("err = %v, want ErrDuplicateColumn", err)
	}
}

func TestFrame_SelectReportsAllMissing(t *testing.T) {
	f := New()
	_ = f.AddFloat("no2", []float64{1})

	_, err := f.Select("no2", "o3", "pm10")
	if !errors.Is(err, ErrMissingColumn) {
		t.Fatalf("err = %v, want ErrMissingColumn", err)
	}
	if got := err.Error(); got != "missing column: o3, pm10" {
		t.Errorf("error = %q", got)
	}
}

func TestConcat_PreservesOrderAndFillsMissing(t *testing.T) {
	start := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	a := mustFrame(t, "Marylebone Road", "MY1", hourly(start, 2),
		map[string][]float64{"no2": {1, 2}}, "no2")
	b := mustFrame(t, "Marylebone Road", "MY1", hourly(start.AddDate(1, 0, 0), 3),
		map[string][]float64{"no2": {3, 4, 5}, "o3": {7, 8, 9}}, "no2", "o3")

	got := Concat(a, nil, b)
	if got.Len() != 5 {
		t.Fatalf("rows = %d, want 5", got.Len())
	}
	want := []string{"site", "code", "date", "no2", "o3"}
	if !reflect.DeepEqual(got.Columns(), want) {
		t.Errorf("columns = %v, want %v", got.Columns(), want)
	}

	no2, _ := got.Floats("no2")
	if !reflect.DeepEqual(no2, []float64{1, 2, 3, 4, 5}) {
		t.Errorf("no2 = %v", no2)
	}
	o3, _ := got.Floats("o3")
	if !math.IsNaN(o3[0]) || !math.IsNaN(o3[1]) || o3[2] != 7 {
		t.Errorf("o3 = %v, want NaN NaN 7 8 9", o3)
	}
	dates, _ := got.Times("date")
	if !dates[2].Equal(start.AddDate(1, 0, 0)) {
		t.Errorf("dates[2] = %v, want rows in input order", dates[2])
	}
}

func TestConcat_KindConflictBecomesText(t *testing.T) {
	a := New()
	_ = a.AddFloat("flag", []float64{1.5})
	b := New()
	_ = b.AddString("flag", []string{"R"})

	got := Concat(a, b)
	vals, ok := got.Strings("flag")
	if !ok {
		t.Fatalf("flag kind = %v, want string", got.Column("flag").Kind)
	}
	if !reflect.DeepEqual(vals, []string{"1.5", "R"}) {
		t.Errorf("flag = %v", vals)
	}
}

func TestConcat_FrameWithoutRowsKeepsKinds(t *testing.T) {
	start := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	header := New()
	_ = header.AddFloat("date", []float64{})
	_ = header.AddFloat("no2", []float64{})
	_ = header.AddFloat("extra", []float64{})
	full := New()
	_ = full.AddTime("date", hourly(start, 2))
	_ = full.AddFloat("no2", []float64{1, 2})

	got := Concat(header, full)
	if got.Len() != 2 {
		t.Fatalf("rows = %d, want 2", got.Len())
	}
	dates, ok := got.Times("date")
	if !ok {
		t.Fatalf("date kind = %v, want time", got.Column("date").Kind)
	}
	if !dates[1].Equal(start.Add(time.Hour)) {
		t.Errorf("dates = %v", dates)
	}
	extra, ok := got.Floats("extra")
	if !ok || len(extra) != 2 || !math.IsNaN(extra[0]) {
		t.Errorf("extra = %v, want two NaN", extra)
	}
}

func TestConcat_Empty(t *testing.T) {
	got := Concat()
	if got.Len() != 0 || got.Width() != 0 {
		t.Errorf("empty concat = %d rows, %d cols", got.Len(), got.Width())
	}
}

func TestDropDuplicates_KeepsFirst(t *testing.T) {
	f := New()
	_ = f.AddString("site_id", []string{"MY1", "KC1", "MY1", "MY1", "BX1"})
	_ = f.AddString("parameter", []string{"NO2", "O3", "PM10", "O3", "NO2"})

	got, err := f.DropDuplicates("site_id")
	if err != nil {
		t.Fatal(err)
	}
	ids, _ := got.Strings("site_id")
	params, _ := got.Strings("parameter")
	if !reflect.DeepEqual(ids, []string{"MY1", "KC1", "BX1"}) {
		t.Errorf("site_id = %v", ids)
	}
	if !reflect.DeepEqual(params, []string{"NO2", "O3", "NO2"}) {
		t.Errorf("parameter = %v", params)
	}

	if _, err := f.DropDuplicates("nope"); !errors.Is(err, ErrMissingColumn) {
		t.Errorf("err = %v, want ErrMissingColumn", err)
	}
}

func TestLeftJoin(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	series := New()
	_ = series.AddString("site", []string{"Marylebone Road", "Unknown", "Marylebone Road"})
	_ = series.AddString("code", []string{"MY1", "ZZ9", "MY1"})
	_ = series.AddTime("date", hourly(start, 3))

	meta := New()
	_ = meta.AddString("site_id", []string{"KC1", "MY1"})
	_ = meta.AddString("site", []string{"Kensington", "Marylebone Road"})
	_ = meta.AddFloat("latitude", []float64{51.52, 51.52})

	got, err := LeftJoin(series, meta, "code", "site_id")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"site_x", "code", "date", "site_y", "latitude"}
	if !reflect.DeepEqual(got.Columns(), want) {
		t.Fatalf("columns = %v, want %v", got.Columns(), want)
	}
	if got.Len() != 3 {
		t.Fatalf("rows = %d, want 3", got.Len())
	}
	lat, _ := got.Floats("latitude")
	if lat[0] != 51.52 || !math.IsNaN(lat[1]) || lat[2] != 51.52 {
		t.Errorf("latitude = %v", lat)
	}
	if got.Has("site_id") {
		t.Error("right key column should be dropped")
	}
}

func TestLeftJoin_MissingKey(t *testing.T) {
	a := New()
	_ = a.AddString("code", []string{"MY1"})
	b := New()
	_ = b.AddString("other", []string{"MY1"})
	if _, err := LeftJoin(a, b, "code", "site_id"); !errors.Is(err, ErrMissingColumn) {
		t.Errorf("err = %v, want ErrMissingColumn", err)
	}
}

func TestTake_NegativeIndexIsMissing(t *testing.T) {
	f := New()
	_ = f.AddFloat("v", []float64{1, 2})
	_ = f.AddString("s", []string{"a", "b"})
	got := f.Take([]int{1, -1})
	v, _ := got.Floats("v")
	s, _ := got.Strings("s")
	if v[0] != 2 || !math.IsNaN(v[1]) || s[0] != "b" || s[1] != "" {
		t.Errorf("take = %v %v", v, s)
	}
}
