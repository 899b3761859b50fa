package importer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/chadmayfield/aqimport/pkg/decode"
	"github.com/chadmayfield/aqimport/pkg/fetch"
	"github.com/chadmayfield/aqimport/pkg/frame"
	"github.com/chadmayfield/aqimport/pkg/rdata"
	"github.com/chadmayfield/aqimport/pkg/source"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func yearFrame(t *testing.T, year, hours int) *frame.Frame {
	t.Helper()
	start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	f := frame.New()
	sites := make([]string, hours)
	codes := make([]string, hours)
	dates := make([]time.Time, hours)
	vals := make([]float64, hours)
	for i := range hours {
		sites[i] = "Marylebone Road"
		codes[i] = "MY1"
		dates[i] = start.Add(time.Duration(i) * time.Hour)
		vals[i] = float64(year%100 + i)
	}
	must := func(err error) {
		if err != nil {
			t.Fatal(err)
		}
	}
	must(f.AddString("site", sites))
	must(f.AddString("code", codes))
	must(f.AddTime("date", dates))
	must(f.AddFloat("no2", vals))
	must(f.AddFloat("o3", vals))
	must(f.AddFloat("benzene", vals))
	must(f.AddFloat("ws", vals))
	must(f.AddFloat("wd", vals))
	must(f.AddFloat("temp", vals))
	return f
}

func rdataBytes(t *testing.T, name string, f *frame.Frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := rdata.WriteDataFrame(&buf, name, f); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func metadataFrame(t *testing.T) *frame.Frame {
	t.Helper()
	f := frame.New()
	_ = f.AddString("site_id", []string{"MY1", "MY1", "KC1"})
	_ = f.AddString("site", []string{"Marylebone Road", "Marylebone Road", "North Kensington"})
	_ = f.AddString("parameter", []string{"NO2", "O3", "NO2"})
	_ = f.AddFloat("latitude", []float64{51.52253, 51.52253, 51.52105})
	return f
}

type fixture struct {
	srv      *httptest.Server
	hits     atomic.Int32
	importer *Importer
}

// newFixture serves the given paths and answers 404 for everything else.
func newFixture(t *testing.T, files map[string][]byte, opts ...Option) *fixture {
	t.Helper()
	fx := &fixture{}
	fx.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.hits.Add(1)
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(fx.srv.Close)

	reg, err := source.NewRegistry(map[string]source.Override{
		"aurn":   {BaseURL: fx.srv.URL + "/aurn/", MetadataURL: fx.srv.URL + "/aurn/AURN_metadata.RData"},
		"europe": {BaseURL: fx.srv.URL + "/eu/", MetadataURL: fx.srv.URL + "/eu/sites_table.csv.gz"},
	})
	if err != nil {
		t.Fatal(err)
	}
	f := fetch.New(fetch.Options{TempDir: t.TempDir(), Logger: testLogger()})
	fx.importer = New(reg, f, testLogger(), opts...)
	return fx
}

func TestImportSeries_Success(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/aurn/MY1_2019.RData": rdataBytes(t, "MY1_2019", yearFrame(t, 2019, 3)),
		"/aurn/MY1_2020.RData": rdataBytes(t, "MY1_2020", yearFrame(t, 2020, 2)),
	})

	res, err := fx.importer.ImportSeries(context.Background(), "aurn", "my1", []int{2019, 2020}, Options{Pollutants: []string{"all"}})
	if err != nil {
		t.Fatalf("ImportSeries: %v", err)
	}
	if res.Outcome != Success {
		t.Errorf("outcome = %v, want success", res.Outcome)
	}
	if len(res.Warnings) != 0 || len(res.Failures) != 0 {
		t.Errorf("warnings = %v, failures = %v", res.Warnings, res.Failures)
	}
	if res.Frame.Len() != 5 {
		t.Fatalf("rows = %d, want 5", res.Frame.Len())
	}
	dates, _ := res.Frame.Times("date")
	if dates[0].Year() != 2019 || dates[3].Year() != 2020 {
		t.Errorf("rows not in requested year order: %v", dates)
	}
	want := []string{"site", "code", "date", "o3", "no2", "ws", "wd", "temp"}
	if !reflect.DeepEqual(res.Frame.Columns(), want) {
		t.Errorf("columns = %v, want %v", res.Frame.Columns(), want)
	}
}

func TestImportSeries_RequestedOrderIsKept(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/aurn/MY1_2019.RData": rdataBytes(t, "MY1_2019", yearFrame(t, 2019, 1)),
		"/aurn/MY1_2020.RData": rdataBytes(t, "MY1_2020", yearFrame(t, 2020, 1)),
	})
	res, err := fx.importer.ImportSeries(context.Background(), "aurn", "MY1", []int{2020, 2019}, Options{HC: true})
	if err != nil {
		t.Fatal(err)
	}
	dates, _ := res.Frame.Times("date")
	if dates[0].Year() != 2020 || dates[1].Year() != 2019 {
		t.Errorf("dates = %v, want 2020 then 2019", dates)
	}
	if !res.Frame.Has("benzene") {
		t.Error("hc should keep hydrocarbon columns")
	}
}

func TestImportSeries_PartialFailure(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/aurn/MY1_2019.RData": rdataBytes(t, "MY1_2019", yearFrame(t, 2019, 4)),
	})

	res, err := fx.importer.ImportSeries(context.Background(), "aurn", "my1", []int{2019, 2020}, Options{})
	if err != nil {
		t.Fatalf("ImportSeries: %v", err)
	}
	if res.Outcome != PartialFailure {
		t.Errorf("outcome = %v, want partial_failure", res.Outcome)
	}
	if res.Frame.Len() != 4 {
		t.Errorf("rows = %d, want 4 from 2019 only", res.Frame.Len())
	}
	if len(res.Failures) != 1 || res.Failures[0].Year != 2020 || !errors.Is(res.Failures[0].Err, fetch.ErrNotFound) {
		t.Errorf("failures = %+v", res.Failures)
	}
	if !reflect.DeepEqual(res.Warnings, []string{WarnPartial}) {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestImportSeries_TotalFailure(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/aurn/MY1_2021.RData": []byte("<html>maintenance</html>"),
	})

	res, err := fx.importer.ImportSeries(context.Background(), "aurn", "my1", Years(2020, 2021), Options{Pollutants: []string{"no2"}})
	if err != nil {
		t.Fatalf("ImportSeries: %v", err)
	}
	if res.Outcome != TotalFailure {
		t.Errorf("outcome = %v, want total_failure", res.Outcome)
	}
	if res.Frame.Len() != 0 {
		t.Errorf("rows = %d, want 0", res.Frame.Len())
	}
	if len(res.Failures) != 2 || !errors.Is(res.Failures[1].Err, decode.ErrDecode) {
		t.Errorf("failures = %+v", res.Failures)
	}
	if !reflect.DeepEqual(res.Warnings, []string{WarnPartial, WarnEmpty}) {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestImportSeries_UnknownSourceMakesNoRequest(t *testing.T) {
	fx := newFixture(t, nil)
	_, err := fx.importer.ImportSeries(context.Background(), "bogus_source", "my1", []int{2020}, Options{})
	if !errors.Is(err, source.ErrUnknownSource) {
		t.Fatalf("err = %v, want ErrUnknownSource", err)
	}
	if n := fx.hits.Load(); n != 0 {
		t.Errorf("server hits = %d, want 0", n)
	}
}

func TestImportSeries_InvalidOptions(t *testing.T) {
	fx := newFixture(t, nil)
	tests := []struct {
		name  string
		site  string
		years []int
		opts  Options
	}{
		{"no years", "my1", nil, Options{}},
		{"empty site", " ", []int{2020}, Options{}},
		{"blank pollutant", "my1", []int{2020}, Options{Pollutants: []string{""}}},
		{"absurd year", "my1", []int{20}, Options{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.importer.ImportSeries(context.Background(), "aurn", tt.site, tt.years, tt.opts)
			if !errors.Is(err, ErrInvalidOptions) {
				t.Errorf("err = %v, want ErrInvalidOptions", err)
			}
		})
	}
}

func TestImportSeries_ExplicitPollutants(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/aurn/MY1_2019.RData": rdataBytes(t, "MY1_2019", yearFrame(t, 2019, 2)),
	})

	res, err := fx.importer.ImportSeries(context.Background(), "aurn", "my1", []int{2019}, Options{Pollutants: []string{"NO2"}})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"site", "code", "date", "no2", "ws", "wd", "temp"}
	if !reflect.DeepEqual(res.Frame.Columns(), want) {
		t.Errorf("columns = %v, want %v", res.Frame.Columns(), want)
	}

	_, err = fx.importer.ImportSeries(context.Background(), "aurn", "my1", []int{2019}, Options{Pollutants: []string{"pm10"}})
	if !errors.Is(err, frame.ErrMissingColumn) {
		t.Errorf("err = %v, want ErrMissingColumn", err)
	}
}

func TestImportSeries_IncludeMeta(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/aurn/MY1_2019.RData":       rdataBytes(t, "MY1_2019", yearFrame(t, 2019, 2)),
		"/aurn/AURN_metadata.RData": rdataBytes(t, "AURN_metadata", metadataFrame(t)),
	})

	res, err := fx.importer.ImportSeries(context.Background(), "aurn", "my1", []int{2019}, Options{IncludeMeta: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Frame.Len() != 2 {
		t.Fatalf("rows = %d, want 2 after deduplicated join", res.Frame.Len())
	}
	lat, ok := res.Frame.Floats("latitude")
	if !ok || lat[0] != 51.52253 {
		t.Errorf("latitude = %v", lat)
	}
	if !res.Frame.Has("site_x") || !res.Frame.Has("site_y") || res.Frame.Has("site_id") {
		t.Errorf("columns = %v", res.Frame.Columns())
	}
}

func TestImportSeries_IncludeMetaFailure(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/aurn/MY1_2019.RData": rdataBytes(t, "MY1_2019", yearFrame(t, 2019, 2)),
	})
	_, err := fx.importer.ImportSeries(context.Background(), "aurn", "my1", []int{2019}, Options{IncludeMeta: true})
	if !errors.Is(err, fetch.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound from metadata", err)
	}
}

func TestImportMetadata_Deduplicates(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/aurn/AURN_metadata.RData": rdataBytes(t, "AURN_metadata", metadataFrame(t)),
	})
	meta, err := fx.importer.ImportMetadata(context.Background(), "aurn")
	if err != nil {
		t.Fatal(err)
	}
	ids, _ := meta.Strings("site_id")
	if !reflect.DeepEqual(ids, []string{"MY1", "KC1"}) {
		t.Errorf("site_id = %v", ids)
	}
	params, _ := meta.Strings("parameter")
	if params[0] != "NO2" {
		t.Errorf("first occurrence not kept: %v", params)
	}
}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestImportSeries_LongShapedSource(t *testing.T) {
	fx := newFixture(t, map[string][]byte{
		"/eu/2020/air_quality_data_site_gb0682a_2020.csv.gz": gzipBytes(t,
			"date,date_end,site,variable,process,summary,validity,unit,value\n"+
				"2020-01-01 00:00:00,2020-01-01 01:00:00,gb0682a,no2,1,1,1,ug.m-3,40\n"+
				"2020-01-01 00:00:00,2020-01-01 01:00:00,gb0682a,o3,2,1,1,ug.m-3,12\n"+
				"2020-01-01 01:00:00,2020-01-01 02:00:00,gb0682a,no2,1,1,1,ug.m-3,38\n"),
	})

	res, err := fx.importer.ImportSeries(context.Background(), "europe", "GB0682A", []int{2020}, Options{HC: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Success {
		t.Fatalf("outcome = %v, failures = %+v", res.Outcome, res.Failures)
	}
	want := []string{"site", "code", "date", "no2", "o3"}
	if !reflect.DeepEqual(res.Frame.Columns(), want) {
		t.Errorf("columns = %v, want %v", res.Frame.Columns(), want)
	}
	codes, _ := res.Frame.Strings("code")
	if codes[0] != "gb0682a" || res.Frame.Len() != 2 {
		t.Errorf("codes = %v", codes)
	}
}

func TestImportSeries_HeaderOnlyYearKeepsDates(t *testing.T) {
	const header = "date,date_end,site,variable,process,summary,validity,unit,value\n"
	fx := newFixture(t, map[string][]byte{
		"/eu/2018/air_quality_data_site_gb0682a_2018.csv.gz": gzipBytes(t, header),
		"/eu/2019/air_quality_data_site_gb0682a_2019.csv.gz": gzipBytes(t, header+
			"2019-01-01 00:00:00,2019-01-01 01:00:00,gb0682a,no2,1,1,1,ug.m-3,40\n"+
			"2019-01-01 01:00:00,2019-01-01 02:00:00,gb0682a,no2,1,1,1,ug.m-3,38\n"),
	})

	res, err := fx.importer.ImportSeries(context.Background(), "europe", "gb0682a", []int{2018, 2019}, Options{HC: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Frame.Len() != 2 {
		t.Fatalf("rows = %d, want 2", res.Frame.Len())
	}
	if _, ok := res.Frame.Times(frame.DateColumn); !ok {
		t.Fatalf("date kind = %v, want time", res.Frame.Column(frame.DateColumn).Kind)
	}
	daily, err := frame.TimeAverage(res.Frame, frame.Daily, frame.Mean)
	if err != nil {
		t.Fatalf("TimeAverage: %v", err)
	}
	if no2, _ := daily.Floats("no2"); len(no2) != 1 || no2[0] != 39 {
		t.Errorf("daily no2 = %v, want [39]", no2)
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	downloads []error
	outcomes  []Outcome
}

func (r *recordingObserver) ObserveDownload(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloads = append(r.downloads, err)
}

func (r *recordingObserver) ObserveImport(_ string, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func TestImportSeries_ObserverAndProgress(t *testing.T) {
	obs := &recordingObserver{}
	var labels []string
	fx := newFixture(t, map[string][]byte{
		"/aurn/MY1_2019.RData": rdataBytes(t, "MY1_2019", yearFrame(t, 2019, 1)),
	}, WithObserver(obs), WithProgress(func(label string) fetch.ProgressFunc {
		labels = append(labels, label)
		return nil
	}))

	if _, err := fx.importer.ImportSeries(context.Background(), "aurn", "my1", []int{2019, 2020}, Options{}); err != nil {
		t.Fatal(err)
	}
	if len(obs.downloads) != 2 || obs.downloads[0] != nil || obs.downloads[1] == nil {
		t.Errorf("downloads = %v", obs.downloads)
	}
	if !reflect.DeepEqual(obs.outcomes, []Outcome{PartialFailure}) {
		t.Errorf("outcomes = %v", obs.outcomes)
	}
	if !reflect.DeepEqual(labels, []string{"MY1 2019", "MY1 2020"}) {
		t.Errorf("labels = %v", labels)
	}
}

func TestImportSeries_Cancelled(t *testing.T) {
	fx := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fx.importer.ImportSeries(ctx, "aurn", "my1", []int{2019}, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestYears(t *testing.T) {
	if got := Years(2020); !reflect.DeepEqual(got, []int{2020}) {
		t.Errorf("Years(2020) = %v", got)
	}
	if got := Years(2018, 2020); !reflect.DeepEqual(got, []int{2018, 2019, 2020}) {
		t.Errorf("Years(2018, 2020) = %v", got)
	}
	if got := Years(2020, 2018); !reflect.DeepEqual(got, []int{2020}) {
		t.Errorf("Years(2020, 2018) = %v", got)
	}
	if got := Years(2019, math.MaxInt); len(got) != maxYears || got[0] != 2019 {
		t.Errorf("Years(2019, MaxInt) has %d years, want %d", len(got), maxYears)
	}
	if got := Years(math.MinInt, 2019); len(got) != maxYears {
		t.Errorf("Years(MinInt, 2019) has %d years, want %d", len(got), maxYears)
	}
}

func TestYearRange(t *testing.T) {
	tests := []struct {
		from, to int
		want     []int
		wantErr  bool
	}{
		{2019, 2020, []int{2019, 2020}, false},
		{2019, 2019, []int{2019}, false},
		{2020, 2019, nil, true},
		{2019, math.MaxInt, nil, true},
		{-5, 2019, nil, true},
	}
	for _, tt := range tests {
		got, err := YearRange(tt.from, tt.to)
		if (err != nil) != tt.wantErr {
			t.Errorf("YearRange(%d, %d) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			continue
		}
		if tt.wantErr && !errors.Is(err, ErrInvalidOptions) {
			t.Errorf("YearRange(%d, %d) error = %v, want ErrInvalidOptions", tt.from, tt.to, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("YearRange(%d, %d) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseYears(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"2020", []int{2020}, false},
		{"2020,2019", []int{2020, 2019}, false},
		{"2018-2020, 2022", []int{2018, 2019, 2020, 2022}, false},
		{" 2019 ,", []int{2019}, false},
		{"", nil, true},
		{"twenty", nil, true},
		{"2020-2018", nil, true},
		{"2019-9000000000000", nil, true},
		{"1800-2019", nil, true},
		{"2019-2101", nil, true},
		{"99999", nil, true},
		{"1900-2100", Years(1900, 2100), false},
		{"1900-2100,2019", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseYears(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseYears(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if tt.wantErr && !errors.Is(err, ErrInvalidOptions) {
			t.Errorf("ParseYears(%q) error = %v, want ErrInvalidOptions", tt.in, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseYears(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOutcome_String(t *testing.T) {
	for o, want := range map[Outcome]string{Success: "success", PartialFailure: "partial_failure", TotalFailure: "total_failure"} {
		if o.String() != want {
			t.Errorf("%d.String() = %q, want %q", o, o.String(), want)
		}
	}
}
