package decode

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/chadmayfield/aqimport/pkg/frame"
)

// identifier columns stay text even when every value looks numeric
var textColumns = map[string]bool{
	frame.SiteColumn: true,
	frame.CodeColumn: true,
	"site_id":        true,
	"site_name":      true,
	"eoi_code":       true,
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05+00:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func readCSVGzip(path string) (*frame.Frame, int, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer fh.Close()

	zr, err := gzip.NewReader(fh)
	if err != nil {
		return nil, 0, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer zr.Close()

	return readCSV(zr)
}

func readCSV(r io.Reader) (*frame.Frame, int, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, errors.New("empty csv file")
		}
		return nil, 0, fmt.Errorf("reading header: %w", err)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	raw := make([][]string, len(header))
	skipped := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				skipped++
				continue
			}
			return nil, skipped, fmt.Errorf("reading csv: %w", err)
		}
		for i, v := range rec {
			raw[i] = append(raw[i], strings.TrimSpace(v))
		}
	}

	f := frame.New()
	for i, name := range header {
		if err := f.AddColumn(inferColumn(name, raw[i])); err != nil {
			return nil, skipped, err
		}
	}
	return f, skipped, nil
}

func isNA(s string) bool {
	switch s {
	case "", "NA", "NaN", "nan", "null", "NULL":
		return true
	}
	return false
}

func allNA(raw []string) bool {
	for _, s := range raw {
		if !isNA(s) {
			return false
		}
	}
	return true
}

// inferColumn picks float, then time, then text for a column of raw values.
func inferColumn(name string, raw []string) *frame.Column {
	if name == frame.DateColumn && allNA(raw) {
		return &frame.Column{Name: name, Kind: frame.Time, Times: make([]time.Time, len(raw))}
	}
	if !textColumns[name] {
		if vals, ok := parseFloats(raw); ok {
			return &frame.Column{Name: name, Kind: frame.Float, Floats: vals}
		}
		if vals, ok := parseTimes(raw); ok {
			return &frame.Column{Name: name, Kind: frame.Time, Times: vals}
		}
	}
	vals := make([]string, len(raw))
	for i, s := range raw {
		if !isNA(s) {
			vals[i] = s
		}
	}
	return &frame.Column{Name: name, Kind: frame.String, Strings: vals}
}

func parseFloats(raw []string) ([]float64, bool) {
	out := make([]float64, len(raw))
	for i, s := range raw {
		if isNA(s) {
			out[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func parseTimes(raw []string) ([]time.Time, bool) {
	out := make([]time.Time, len(raw))
	for i, s := range raw {
		if isNA(s) {
			continue
		}
		t, err := parseTimestamp(s)
		if err != nil {
			return nil, false
		}
		out[i] = t
	}
	return out, true
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", s)
}
