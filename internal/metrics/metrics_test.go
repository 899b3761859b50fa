package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chadmayfield/aqimport/pkg/decode"
	"github.com/chadmayfield/aqimport/pkg/fetch"
	"github.com/chadmayfield/aqimport/pkg/importer"
)

func TestObserveDownload(t *testing.T) {
	m := New()
	m.ObserveDownload("aurn", nil)
	m.ObserveDownload("aurn", nil)
	m.ObserveDownload("aurn", fmt.Errorf("fetching: %w", fetch.ErrNotFound))
	m.ObserveDownload("aurn", fmt.Errorf("fetching: %w", fetch.ErrTransport))
	m.ObserveDownload("saqn", fmt.Errorf("%w: bad magic", decode.ErrDecode))
	m.ObserveDownload("saqn", errors.New("boom"))

	tests := []struct {
		source, result string
		want           float64
	}{
		{"aurn", "ok", 2},
		{"aurn", "not_found", 1},
		{"aurn", "transport_error", 1},
		{"saqn", "decode_error", 1},
		{"saqn", "error", 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.downloads.WithLabelValues(tt.source, tt.result)); got != tt.want {
			t.Errorf("downloads{%s,%s} = %v, want %v", tt.source, tt.result, got, tt.want)
		}
	}
}

func TestObserveImport(t *testing.T) {
	m := New()
	m.ObserveImport("aurn", importer.Success)
	m.ObserveImport("aurn", importer.PartialFailure)
	m.ObserveImport("aurn", importer.PartialFailure)

	if got := testutil.ToFloat64(m.imports.WithLabelValues("aurn", "partial_failure")); got != 2 {
		t.Errorf("partial imports = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.imports.WithLabelValues("aurn", "success")); got != 1 {
		t.Errorf("successful imports = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveStored("aurn", 42)
	m.ObserveRequest("/api/v1/health", http.StatusOK, 3*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		`aqimport_stored_measurements_total{source="aurn"} 42`,
		`aqimport_http_requests_total{code="200",route="/api/v1/health"} 1`,
		"aqimport_http_request_duration_seconds_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestNew_Independent(t *testing.T) {
	a, b := New(), New()
	a.ObserveStored("aurn", 1)
	if got := testutil.ToFloat64(b.storedRows.WithLabelValues("aurn")); got != 0 {
		t.Errorf("registries share state: %v", got)
	}
}
