package frame

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

var (
	ErrInvalidGranularity = errors.New("invalid averaging period")
	ErrInvalidStatistic   = errors.New("invalid statistic")
)

// Granularity is a calendar bucket size for TimeAverage.
type Granularity string

const (
	Daily   Granularity = "daily"
	Monthly Granularity = "month"
	Yearly  Granularity = "year"
)

// Statistic is the reduction applied to each bucket.
type Statistic string

const (
	Mean   Statistic = "mean"
	Max    Statistic = "max"
	Min    Statistic = "min"
	Median Statistic = "median"
	Sum    Statistic = "sum"
)

// ParseGranularity validates a period name.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case Daily, Monthly, Yearly:
		return g, nil
	}
	return "", fmt.Errorf("%w: %q (want daily, month or year)", ErrInvalidGranularity, s)
}

// ParseStatistic validates a statistic name.
func ParseStatistic(s string) (Statistic, error) {
	switch st := Statistic(s); st {
	case Mean, Max, Min, Median, Sum:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q (want mean, max, min, median or sum)", ErrInvalidStatistic, s)
}

// floor truncates t to the start of its bucket.
func (g Granularity) floor(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Yearly:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// next returns the start of the bucket after start.
func (g Granularity) next(start time.Time) time.Time {
	switch g {
	case Monthly:
		return start.AddDate(0, 1, 0)
	case Yearly:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// label is the timestamp reported for a bucket: its start for daily buckets,
// its last day for monthly and yearly ones.
func (g Granularity) label(start time.Time) time.Time {
	if g == Daily {
		return start
	}
	return g.next(start).AddDate(0, 0, -1)
}

// offset returns the bucket number of t counted from origin.
func (g Granularity) offset(origin, t time.Time) int {
	t = g.floor(t)
	switch g {
	case Monthly:
		return (t.Year()-origin.Year())*12 + int(t.Month()) - int(origin.Month())
	case Yearly:
		return t.Year() - origin.Year()
	default:
		return int(t.Sub(origin) / (24 * time.Hour))
	}
}

// TimeAverage groups rows into calendar buckets on the date column and reduces
// every numeric column with stat. Missing values are skipped. Every bucket from
// the first to the last timestamp is present; a bucket without values is NaN,
// or 0 for Sum. Text columns are not carried over.
func TimeAverage(f *Frame, g Granularity, stat Statistic) (*Frame, error) {
	if _, err := ParseGranularity(string(g)); err != nil {
		return nil, err
	}
	if _, err := ParseStatistic(string(stat)); err != nil {
		return nil, err
	}
	dates, ok := f.Times(DateColumn)
	if !ok {
		return nil, fmt.Errorf("%w: %q timestamp column", ErrMissingColumn, DateColumn)
	}

	var first, last time.Time
	for _, t := range dates {
		if t.IsZero() {
			continue
		}
		if first.IsZero() || t.Before(first) {
			first = t
		}
		if last.IsZero() || t.After(last) {
			last = t
		}
	}

	var labels []time.Time
	var origin time.Time
	if !first.IsZero() {
		origin = g.floor(first)
		end := g.floor(last)
		for b := origin; !b.After(end); b = g.next(b) {
			labels = append(labels, g.label(b))
		}
	}

	bucketOf := make([]int, len(dates))
	for i, t := range dates {
		if t.IsZero() {
			bucketOf[i] = -1
			continue
		}
		bucketOf[i] = g.offset(origin, t)
	}

	out := New()
	if err := out.AddTime(DateColumn, labels); err != nil {
		return nil, err
	}

	groups := make([][]float64, len(labels))
	for _, c := range f.cols {
		if c.Kind != Float {
			continue
		}
		for b := range groups {
			groups[b] = groups[b][:0]
		}
		for i, v := range c.Floats {
			if bucketOf[i] < 0 || math.IsNaN(v) {
				continue
			}
			groups[bucketOf[i]] = append(groups[bucketOf[i]], v)
		}
		reduced := make([]float64, len(labels))
		for b, vals := range groups {
			reduced[b] = reduce(vals, stat)
		}
		if err := out.AddFloat(c.Name, reduced); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func reduce(vals []float64, stat Statistic) float64 {
	if len(vals) == 0 {
		if stat == Sum {
			return 0
		}
		return math.NaN()
	}
	switch stat {
	case Sum:
		var s float64
		for _, v := range vals {
			s += v
		}
		return s
	case Max:
		m := vals[0]
		for _, v := range vals[1:] {
			m = math.Max(m, v)
		}
		return m
	case Min:
		m := vals[0]
		for _, v := range vals[1:] {
			m = math.Min(m, v)
		}
		return m
	case Median:
		sorted := append([]float64(nil), vals...)
		sort.Float64s(sorted)
		n := len(sorted)
		if n%2 == 1 {
			return sorted[n/2]
		}
		return (sorted[n/2-1] + sorted[n/2]) / 2
	default:
		var s float64
		for _, v := range vals {
			s += v
		}
		return s / float64(len(vals))
	}
}
