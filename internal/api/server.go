package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chadmayfield/aqimport/internal/metrics"
	"github.com/chadmayfield/aqimport/internal/store"
	"github.com/chadmayfield/aqimport/pkg/source"
)

// Server is the REST API server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
}

// NewServer creates a new API server with all routes registered. s and m may
// be nil; storage routes then answer 503 and /metrics is not served.
func NewServer(s store.Store, im SeriesImporter, reg *source.Registry, m *metrics.Metrics, logger *slog.Logger) *Server {
	if reg == nil {
		reg = source.Default()
	}
	h := &Handlers{
		Store:     s,
		Importer:  im,
		Registry:  reg,
		Metrics:   m,
		Logger:    logger,
		StartTime: time.Now(),
	}

	mux := http.NewServeMux()
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, Observe(logger, m, pattern)(fn))
	}

	// API routes.
	route("GET /api/v1/sources", h.ListSources)
	route("GET /api/v1/sources/{source}/metadata", h.GetMetadata)
	route("GET /api/v1/sources/{source}/sites/{site}", h.ImportSite)
	route("POST /api/v1/sources/{source}/sites/{site}/import", h.StoreSite)
	route("GET /api/v1/sources/{source}/sites/{site}/stored", h.GetStored)
	route("GET /api/v1/sources/{source}/sites/{site}/summary", h.GetDailySummary)
	route("GET /api/v1/sites", h.ListSites)
	route("GET /api/v1/imports", h.ListImports)
	route("GET /api/v1/health", h.Health)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	// Apply middleware (outermost runs first).
	var handler http.Handler = mux
	handler = apiHeaders(handler)
	handler = CORS("")(handler)
	handler = Recovery(logger)(handler)
	handler = RequestID(handler)

	srv := &http.Server{
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// Live imports download one artifact per year.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, handlers: h}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server. Blocks until context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer.Addr = addr
	slog.Info("api server starting", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// SetVersion sets the version string for the health endpoint.
func (s *Server) SetVersion(v string) { s.handlers.Version = v }

// SetStorageInfo sets storage driver and path for the health endpoint.
func (s *Server) SetStorageInfo(driver, path string) {
	s.handlers.StorageDriver = driver
	s.handlers.StoragePath = path
}
