// Package importer drives resolve, fetch and decode over a range of years and
// folds the outcome into a single result.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/chadmayfield/aqimport/pkg/decode"
	"github.com/chadmayfield/aqimport/pkg/fetch"
	"github.com/chadmayfield/aqimport/pkg/frame"
	"github.com/chadmayfield/aqimport/pkg/source"
)

// ErrInvalidOptions is returned when a request fails validation.
var ErrInvalidOptions = errors.New("invalid import options")

// Warning texts attached to degraded results.
const (
	WarnPartial = "Some data files were not able to be downloaded, check resulting frame carefully"
	WarnEmpty   = "Resulting frame is empty"
)

// Outcome classifies an import.
type Outcome int

const (
	Success Outcome = iota
	PartialFailure
	TotalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case PartialFailure:
		return "partial_failure"
	case TotalFailure:
		return "total_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText renders the outcome name in JSON.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Failure records a year that contributed no rows.
type Failure struct {
	Year int
	URL  string
	Err  error
}

// Result is the outcome of ImportSeries.
type Result struct {
	Frame    *frame.Frame
	Outcome  Outcome
	Failures []Failure
	Warnings []string
}

// Options shapes the imported series.
type Options struct {
	// Pollutants lists the columns to keep; empty or "all" keeps the standard
	// set.
	Pollutants []string `validate:"dive,required"`
	// HC keeps hydrocarbon columns when all pollutants are requested.
	HC bool
	// IncludeMeta joins the source's site metadata onto every row.
	IncludeMeta bool
}

type request struct {
	Source string `validate:"required"`
	Site   string `validate:"required"`
	Years  []int  `validate:"required,min=1,dive,gte=1900,lte=2100"`
	Opts   Options
}

// Fetcher is the download side of an Importer; *fetch.Fetcher satisfies it.
type Fetcher interface {
	Do(ctx context.Context, url string, progress fetch.ProgressFunc, fn func(path string) error) error
}

// Observer is notified about downloads and import outcomes.
type Observer interface {
	ObserveDownload(source string, err error)
	ObserveImport(source string, outcome Outcome)
}

// ProgressFactory returns a progress callback for a download labelled label,
// or nil for none.
type ProgressFactory func(label string) fetch.ProgressFunc

// Importer retrieves station series. It holds no per-call state.
type Importer struct {
	registry *source.Registry
	fetcher  Fetcher
	logger   *slog.Logger
	observer Observer
	progress ProgressFactory
	validate *validator.Validate
}

// Option configures an Importer.
type Option func(*Importer)

// WithObserver reports downloads and outcomes to o.
func WithObserver(o Observer) Option {
	return func(im *Importer) { im.observer = o }
}

// WithProgress attaches a progress callback to every download.
func WithProgress(p ProgressFactory) Option {
	return func(im *Importer) { im.progress = p }
}

// New creates an Importer. A nil registry selects source.Default().
func New(registry *source.Registry, fetcher Fetcher, logger *slog.Logger, opts ...Option) *Importer {
	if registry == nil {
		registry = source.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	im := &Importer{
		registry: registry,
		fetcher:  fetcher,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, o := range opts {
		o(im)
	}
	return im
}

// Bounds of an importable year. Every network publishes from the 1970s on.
const (
	MinYear = 1900
	MaxYear = 2100
)

// maxYears caps how many years one request may list.
const maxYears = MaxYear - MinYear + 1

// Years returns the inclusive range from..to, or the single year when to is
// not after from. The range is cut off after maxYears years.
func Years(from int, to ...int) []int {
	end := from
	if len(to) > 0 && to[0] > from {
		if uint(to[0])-uint(from) < maxYears {
			end = to[0]
		} else {
			end = from + maxYears - 1
		}
	}
	years := make([]int, 0, end-from+1)
	for y := from; y <= end; y++ {
		years = append(years, y)
	}
	return years
}

// YearRange is Years for untrusted input: both ends must lie within
// MinYear..MaxYear and to must not precede from.
func YearRange(from, to int) ([]int, error) {
	if err := checkYear(from); err != nil {
		return nil, err
	}
	if err := checkYear(to); err != nil {
		return nil, err
	}
	if to < from {
		return nil, fmt.Errorf("%w: year range %d-%d ends before it starts", ErrInvalidOptions, from, to)
	}
	return Years(from, to), nil
}

func checkYear(y int) error {
	if y < MinYear || y > MaxYear {
		return fmt.Errorf("%w: year %d outside %d-%d", ErrInvalidOptions, y, MinYear, MaxYear)
	}
	return nil
}

// ParseYears parses a comma separated list of years and inclusive ranges,
// e.g. "2018-2020,2022". Order is preserved.
func ParseYears(s string) ([]int, error) {
	var years []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		from, to, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(strings.TrimSpace(from))
		if err != nil {
			return nil, fmt.Errorf("%w: year %q", ErrInvalidOptions, part)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(strings.TrimSpace(to)); err != nil {
				return nil, fmt.Errorf("%w: year range %q", ErrInvalidOptions, part)
			}
		}
		span, err := YearRange(start, end)
		if err != nil {
			return nil, err
		}
		if len(years)+len(span) > maxYears {
			return nil, fmt.Errorf("%w: more than %d years in %q", ErrInvalidOptions, maxYears, s)
		}
		years = append(years, span...)
	}
	if len(years) == 0 {
		return nil, fmt.Errorf("%w: no years in %q", ErrInvalidOptions, s)
	}
	return years, nil
}

// ImportSeries downloads and decodes every requested year of site in order.
// Years that fail are recorded in Result.Failures and reflected in the
// outcome; they never make the call fail.
func (im *Importer) ImportSeries(ctx context.Context, sourceID, site string, years []int, opts Options) (*Result, error) {
	req := request{Source: sourceID, Site: strings.TrimSpace(site), Years: years, Opts: opts}
	if err := im.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	src, err := im.registry.Lookup(sourceID)
	if err != nil {
		return nil, err
	}
	urls := make([]string, len(years))
	for i, y := range years {
		if urls[i], err = src.SiteURL(req.Site, y); err != nil {
			return nil, err
		}
	}

	res := &Result{}
	var frames []*frame.Frame
	for i, year := range years {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		im.logger.Info("importing year",
			"source", src.ID,
			"site", req.Site,
			"year", year,
			"chunk", fmt.Sprintf("%d/%d", i+1, len(years)),
		)

		f, err := im.fetchFrame(ctx, urls[i], fmt.Sprintf("%s %d", strings.ToUpper(req.Site), year), src.Format)
		im.observeDownload(src.ID, err)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			im.logger.Warn("year not imported", "source", src.ID, "site", req.Site, "year", year, "error", err)
			res.Failures = append(res.Failures, Failure{Year: year, URL: urls[i], Err: err})
			continue
		}
		if src.Shape == source.Long {
			if f, err = widen(f); err != nil {
				im.logger.Warn("year not imported", "source", src.ID, "site", req.Site, "year", year, "error", err)
				res.Failures = append(res.Failures, Failure{Year: year, URL: urls[i], Err: fmt.Errorf("%w: %w", decode.ErrDecode, err)})
				continue
			}
		}
		frames = append(frames, f)
	}

	switch {
	case len(frames) == 0:
		res.Outcome = TotalFailure
		res.Frame = frame.New()
	case len(res.Failures) > 0:
		res.Outcome = PartialFailure
		res.Frame = frame.Concat(frames...)
	default:
		res.Outcome = Success
		res.Frame = frame.Concat(frames...)
	}

	if res.Frame.Len() > 0 {
		if res.Frame, err = frame.SelectPollutants(res.Frame, opts.Pollutants, opts.HC); err != nil {
			return nil, fmt.Errorf("selecting pollutants: %w", err)
		}
		if opts.IncludeMeta {
			meta, err := im.ImportMetadata(ctx, src.ID)
			if err != nil {
				return nil, fmt.Errorf("joining metadata: %w", err)
			}
			if res.Frame, err = frame.LeftJoin(res.Frame, meta, frame.CodeColumn, src.MetadataKey); err != nil {
				return nil, fmt.Errorf("joining metadata: %w", err)
			}
		}
	}

	if res.Outcome != Success {
		res.Warnings = append(res.Warnings, WarnPartial)
	}
	if res.Frame.Len() == 0 {
		res.Warnings = append(res.Warnings, WarnEmpty)
	}
	for _, w := range res.Warnings {
		im.logger.Warn(w, "source", src.ID, "site", req.Site, "failed_years", len(res.Failures))
	}
	if im.observer != nil {
		im.observer.ObserveImport(src.ID, res.Outcome)
	}
	im.logger.Info("import complete",
		"source", src.ID,
		"site", req.Site,
		"outcome", res.Outcome.String(),
		"rows", res.Frame.Len(),
	)
	return res, nil
}

// ImportMetadata downloads the site metadata of a source and keeps the first
// row for every key.
func (im *Importer) ImportMetadata(ctx context.Context, sourceID string) (*frame.Frame, error) {
	src, err := im.registry.Lookup(sourceID)
	if err != nil {
		return nil, err
	}
	f, err := im.fetchFrame(ctx, src.MetadataURL, src.ID+" metadata", src.MetadataFormat)
	im.observeDownload(src.ID, err)
	if err != nil {
		return nil, fmt.Errorf("importing %s metadata: %w", src.ID, err)
	}
	meta, err := f.DropDuplicates(src.MetadataKey)
	if err != nil {
		return nil, fmt.Errorf("deduplicating %s metadata: %w", src.ID, err)
	}
	im.logger.Debug("metadata loaded", "source", src.ID, "rows", meta.Len(), "duplicates", f.Len()-meta.Len())
	return meta, nil
}

func (im *Importer) fetchFrame(ctx context.Context, url, label string, format decode.Format) (*frame.Frame, error) {
	var progress fetch.ProgressFunc
	if im.progress != nil {
		progress = im.progress(label)
	}
	var out *frame.Frame
	err := im.fetcher.Do(ctx, url, progress, func(path string) error {
		f, err := decode.File(path, format)
		if err != nil {
			return err
		}
		out = f
		return nil
	})
	return out, err
}

func (im *Importer) observeDownload(sourceID string, err error) {
	if im.observer != nil {
		im.observer.ObserveDownload(sourceID, err)
	}
}

// widen pivots a long observation table to one column per variable and adds
// the code column, which equals the site for long-shaped sources.
func widen(f *frame.Frame) (*frame.Frame, error) {
	wide, err := frame.Pivot(f, []string{frame.SiteColumn, frame.DateColumn}, "variable", "value")
	if err != nil {
		return nil, err
	}
	sites, ok := wide.Strings(frame.SiteColumn)
	if !ok {
		return nil, fmt.Errorf("site column is %s, want string", wide.Column(frame.SiteColumn).Kind)
	}
	if err := wide.AddString(frame.CodeColumn, append([]string(nil), sites...)); err != nil {
		return nil, err
	}
	order := []string{frame.SiteColumn, frame.CodeColumn, frame.DateColumn}
	for _, c := range wide.Columns() {
		if c != frame.SiteColumn && c != frame.CodeColumn && c != frame.DateColumn {
			order = append(order, c)
		}
	}
	return wide.Select(order...)
}
