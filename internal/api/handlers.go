package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chadmayfield/aqimport/internal/metrics"
	"github.com/chadmayfield/aqimport/internal/store"
	"github.com/chadmayfield/aqimport/pkg/fetch"
	"github.com/chadmayfield/aqimport/pkg/frame"
	"github.com/chadmayfield/aqimport/pkg/importer"
	"github.com/chadmayfield/aqimport/pkg/source"
)

// SeriesImporter is the part of *importer.Importer the handlers use.
type SeriesImporter interface {
	ImportSeries(ctx context.Context, sourceID, site string, years []int, opts importer.Options) (*importer.Result, error)
	ImportMetadata(ctx context.Context, sourceID string) (*frame.Frame, error)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Store         store.Store
	Importer      SeriesImporter
	Registry      *source.Registry
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	StartTime     time.Time
	StorageDriver string
	StoragePath   string
	Version       string
}

// apiError is a JSON error response.
type apiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

const (
	defaultLimit = 1000
	maxLimit     = 10000
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg, Code: status})
}

// importStatus maps import errors onto HTTP status codes.
func importStatus(err error) int {
	switch {
	case errors.Is(err, source.ErrUnknownSource):
		return http.StatusNotFound
	case errors.Is(err, source.ErrInvalidSite),
		errors.Is(err, importer.ErrInvalidOptions),
		errors.Is(err, frame.ErrMissingColumn),
		errors.Is(err, frame.ErrInvalidGranularity),
		errors.Is(err, frame.ErrInvalidStatistic):
		return http.StatusBadRequest
	case errors.Is(err, fetch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func parseTime(s string) (time.Time, error) {
	// Try RFC3339 first, then YYYY-MM-DD, then Unix epoch.
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(epoch, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time format: %q (expected RFC3339, YYYY-MM-DD, or Unix epoch)", s)
}

func parseResolution(s string) (time.Duration, bool) {
	switch s {
	case "", "raw":
		return 0, true
	case "1h":
		return time.Hour, true
	case "1d", "24h":
		return 24 * time.Hour, true
	}
	return 0, false
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseYears reads either ?years=2019,2020 or ?from=2019&to=2020.
func parseYears(r *http.Request) ([]int, error) {
	q := r.URL.Query()
	if v := q.Get("years"); v != "" {
		return importer.ParseYears(v)
	}
	from := q.Get("from")
	if from == "" {
		return nil, errors.New("missing 'years' or 'from' parameter")
	}
	start, err := strconv.Atoi(from)
	if err != nil {
		return nil, fmt.Errorf("invalid 'from' parameter %q", from)
	}
	end := start
	if to := q.Get("to"); to != "" {
		if end, err = strconv.Atoi(to); err != nil {
			return nil, fmt.Errorf("invalid 'to' parameter %q", to)
		}
	}
	return importer.YearRange(start, end)
}

// parseImportQuery reads the years and import options shared by the live and
// storing import endpoints.
func parseImportQuery(r *http.Request) ([]int, importer.Options, error) {
	years, err := parseYears(r)
	if err != nil {
		return nil, importer.Options{}, err
	}
	q := r.URL.Query()
	return years, importer.Options{
		Pollutants:  splitList(q.Get("pollutants")),
		HC:          parseBool(q.Get("hc")),
		IncludeMeta: parseBool(q.Get("meta")),
	}, nil
}

// parsePage reads limit and offset with the same bounds for every listing.
func parsePage(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit = defaultLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxLimit {
			limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// frameRows renders rows [offset, offset+limit) of f as JSON objects.
func frameRows(f *frame.Frame, limit, offset int) []map[string]any {
	if offset >= f.Len() {
		return []map[string]any{}
	}
	end := min(offset+limit, f.Len())
	rows := make([]map[string]any, 0, end-offset)
	for i := offset; i < end; i++ {
		rows = append(rows, f.Row(i))
	}
	return rows
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// ListSources handles GET /api/v1/sources
func (h *Handlers) ListSources(w http.ResponseWriter, r *http.Request) {
	type sourceResponse struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		BaseURL     string `json:"base_url"`
		MetadataURL string `json:"metadata_url"`
		Format      string `json:"format"`
		Shape       string `json:"shape"`
	}

	all := h.Registry.All()
	result := make([]sourceResponse, 0, len(all))
	for _, s := range all {
		result = append(result, sourceResponse{
			ID:          s.ID,
			Name:        s.Name,
			BaseURL:     s.BaseURL,
			MetadataURL: s.MetadataURL,
			Format:      string(s.Format),
			Shape:       s.Shape.String(),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

// GetMetadata handles GET /api/v1/sources/{source}/metadata
func (h *Handlers) GetMetadata(w http.ResponseWriter, r *http.Request) {
	sourceID := r.PathValue("source")
	meta, err := h.Importer.ImportMetadata(r.Context(), sourceID)
	if err != nil {
		h.Logger.Warn("metadata import failed", "source", sourceID, "error", err)
		writeError(w, importStatus(err), err.Error())
		return
	}

	limit, offset := parsePage(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"source":  sourceID,
		"columns": meta.Columns(),
		"total":   meta.Len(),
		"limit":   limit,
		"offset":  offset,
		"rows":    frameRows(meta, limit, offset),
	})
}

// ImportSite handles GET /api/v1/sources/{source}/sites/{site}
func (h *Handlers) ImportSite(w http.ResponseWriter, r *http.Request) {
	sourceID, site := r.PathValue("source"), r.PathValue("site")
	q := r.URL.Query()

	years, opts, err := parseImportQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var period frame.Granularity
	var stat frame.Statistic
	if v := q.Get("period"); v != "" {
		if period, err = frame.ParseGranularity(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		statName := q.Get("stat")
		if statName == "" {
			statName = string(frame.Mean)
		}
		if stat, err = frame.ParseStatistic(statName); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	res, err := h.Importer.ImportSeries(r.Context(), sourceID, site, years, opts)
	if err != nil {
		h.Logger.Warn("import failed", "source", sourceID, "site", site, "error", err)
		writeError(w, importStatus(err), err.Error())
		return
	}

	f := res.Frame
	if period != "" && f.Len() > 0 {
		if f, err = frame.TimeAverage(f, period, stat); err != nil {
			writeError(w, importStatus(err), err.Error())
			return
		}
	}

	type failureResponse struct {
		Year  int    `json:"year"`
		URL   string `json:"url"`
		Error string `json:"error"`
	}
	failures := make([]failureResponse, 0, len(res.Failures))
	for _, fl := range res.Failures {
		failures = append(failures, failureResponse{Year: fl.Year, URL: fl.URL, Error: fl.Err.Error()})
	}

	limit, offset := parsePage(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"source":   sourceID,
		"site":     strings.ToUpper(site),
		"years":    years,
		"period":   string(period),
		"outcome":  res.Outcome,
		"warnings": append([]string{}, res.Warnings...),
		"failures": failures,
		"columns":  f.Columns(),
		"total":    f.Len(),
		"limit":    limit,
		"offset":   offset,
		"rows":     frameRows(f, limit, offset),
	})
}

// StoreSite handles POST /api/v1/sources/{source}/sites/{site}/import
// It imports the series, saves it to the store and records the run.
func (h *Handlers) StoreSite(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	sourceID, site := r.PathValue("source"), strings.ToUpper(r.PathValue("site"))

	years, opts, err := parseImportQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	started := time.Now().UTC()
	res, err := h.Importer.ImportSeries(r.Context(), sourceID, site, years, opts)
	if err != nil {
		h.Logger.Warn("import failed", "source", sourceID, "site", site, "error", err)
		writeError(w, importStatus(err), err.Error())
		return
	}

	yearStrs := make([]string, len(years))
	for i, y := range years {
		yearStrs[i] = strconv.Itoa(y)
	}
	run := &store.ImportRun{
		Source:      sourceID,
		Site:        site,
		Years:       strings.Join(yearStrs, ","),
		Outcome:     res.Outcome.String(),
		FailedYears: len(res.Failures),
		StartedAt:   started,
	}
	n, err := store.SaveImport(r.Context(), h.Store, run, res.Frame)
	if err != nil {
		h.Logger.Error("storing import", "source", sourceID, "site", site, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store measurements")
		return
	}
	if h.Metrics != nil {
		h.Metrics.ObserveStored(sourceID, n)
	}
	h.Logger.Info("import stored", "source", sourceID, "site", site, "outcome", res.Outcome, "measurements", n)

	writeJSON(w, http.StatusCreated, map[string]any{
		"run":      run,
		"warnings": append([]string{}, res.Warnings...),
	})
}

// GetStored handles GET /api/v1/sources/{source}/sites/{site}/stored
func (h *Handlers) GetStored(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	sourceID, site := r.PathValue("source"), strings.ToUpper(r.PathValue("site"))
	q := r.URL.Query()

	query := store.Query{Source: sourceID, Site: site, Variables: splitList(q.Get("variables"))}
	var err error
	if v := q.Get("start"); v != "" {
		if query.Start, err = parseTime(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'start' parameter (RFC3339 or YYYY-MM-DD)")
			return
		}
	}
	if v := q.Get("end"); v != "" {
		if query.End, err = parseTime(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'end' parameter (RFC3339 or YYYY-MM-DD)")
			return
		}
	}
	if !query.Start.IsZero() && !query.End.IsZero() && !query.Start.Before(query.End) {
		writeError(w, http.StatusBadRequest, "'start' must be before 'end'")
		return
	}
	resolution, ok := parseResolution(q.Get("resolution"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid 'resolution' parameter (raw, 1h or 1d)")
		return
	}
	query.Resolution = resolution

	ms, err := h.Store.GetMeasurements(r.Context(), query)
	if err != nil {
		h.Logger.Error("querying stored measurements", "source", sourceID, "site", site, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get measurements")
		return
	}
	f, err := store.ToFrame(ms)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to shape measurements")
		return
	}

	type rangeResponse struct {
		Oldest *time.Time `json:"oldest"`
		Newest *time.Time `json:"newest"`
	}
	var dr rangeResponse
	if oldest, newest, err := h.Store.GetDataRange(r.Context(), sourceID, site); err == nil && !oldest.IsZero() {
		dr.Oldest, dr.Newest = &oldest, &newest
	}

	limit, offset := parsePage(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"source":       sourceID,
		"site":         site,
		"range":        dr,
		"measurements": len(ms),
		"columns":      f.Columns(),
		"total":        f.Len(),
		"limit":        limit,
		"offset":       offset,
		"rows":         frameRows(f, limit, offset),
	})
}

// GetDailySummary handles GET /api/v1/sources/{source}/sites/{site}/summary
func (h *Handlers) GetDailySummary(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	q := r.URL.Query()
	dateStr := q.Get("date")
	if dateStr == "" {
		writeError(w, http.StatusBadRequest, "missing 'date' parameter (YYYY-MM-DD)")
		return
	}
	date, err := time.Parse(time.DateOnly, dateStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'date' parameter (YYYY-MM-DD)")
		return
	}
	variable := q.Get("variable")
	if variable == "" {
		writeError(w, http.StatusBadRequest, "missing 'variable' parameter")
		return
	}

	summary, err := h.Store.GetDailySummary(r.Context(), r.PathValue("source"), strings.ToUpper(r.PathValue("site")), variable, date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get daily summary")
		return
	}
	if summary == nil {
		writeError(w, http.StatusNotFound, "no data for this date")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListSites handles GET /api/v1/sites
func (h *Handlers) ListSites(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	sites, err := h.Store.GetSites(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sites")
		return
	}
	if sites == nil {
		sites = []store.Site{}
	}
	writeJSON(w, http.StatusOK, sites)
}

// ListImports handles GET /api/v1/imports
func (h *Handlers) ListImports(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	runs, err := h.Store.GetImportRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list imports")
		return
	}
	if runs == nil {
		runs = []store.ImportRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	type dbHealth struct {
		Driver            string `json:"driver"`
		Status            string `json:"status"`
		SizeBytes         int64  `json:"size_bytes,omitempty"`
		TotalMeasurements int    `json:"total_measurements"`
		Sites             int    `json:"sites"`
	}
	type lastImport struct {
		Source     string    `json:"source"`
		Site       string    `json:"site"`
		Outcome    string    `json:"outcome"`
		Rows       int       `json:"rows"`
		FinishedAt time.Time `json:"finished_at"`
	}
	type healthResponse struct {
		Status     string      `json:"status"`
		Version    string      `json:"version"`
		Uptime     string      `json:"uptime"`
		Sources    []string    `json:"sources"`
		Database   dbHealth    `json:"database"`
		LastImport *lastImport `json:"last_import,omitempty"`
	}

	resp := healthResponse{
		Status:  "healthy",
		Version: h.Version,
		Uptime:  formatUptime(time.Since(h.StartTime)),
	}
	if h.Registry != nil {
		resp.Sources = h.Registry.IDs()
	}

	// Database health (path omitted to avoid exposing filesystem details).
	resp.Database = dbHealth{Driver: h.StorageDriver, Status: "not configured"}
	if h.Store != nil {
		resp.Database.Status = "ok"
		if count, err := h.Store.GetMeasurementCount(r.Context(), "", ""); err == nil {
			resp.Database.TotalMeasurements = count
		} else {
			resp.Status = "degraded"
			resp.Database.Status = "error"
		}
		if sites, err := h.Store.GetSites(r.Context()); err == nil {
			resp.Database.Sites = len(sites)
		}
		if runs, err := h.Store.GetImportRuns(r.Context(), 1); err == nil && len(runs) > 0 {
			resp.LastImport = &lastImport{
				Source:     runs[0].Source,
				Site:       runs[0].Site,
				Outcome:    runs[0].Outcome,
				Rows:       runs[0].Rows,
				FinishedAt: runs[0].FinishedAt,
			}
		}
	}
	if h.StorageDriver == "sqlite" && h.StoragePath != "" {
		if info, err := os.Stat(h.StoragePath); err == nil {
			resp.Database.SizeBytes = info.Size()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
