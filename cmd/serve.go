package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chadmayfield/aqimport/internal/api"
	"github.com/chadmayfield/aqimport/internal/metrics"
	"github.com/chadmayfield/aqimport/internal/store"
	"github.com/chadmayfield/aqimport/pkg/importer"
)

var (
	listenAddr    string
	storageDriver string
	noStore       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve imports over the REST API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&storageDriver, "storage-driver", "", "storage driver (overrides config)")
	serveCmd.Flags().BoolVar(&noStore, "no-store", false, "serve live imports only, without a database")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Apply flag overrides.
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}

	reg, err := cfg.Registry()
	if err != nil {
		return err
	}

	slog.Info("starting aqimport server",
		"listen_addr", cfg.ListenAddr,
		"storage_driver", cfg.Storage.Driver,
		"sources", len(reg.IDs()),
	)

	m := metrics.New()
	im, err := newImporter(cfg, false, importer.WithObserver(m))
	if err != nil {
		return err
	}

	var s store.Store
	if !noStore {
		if s, err = openStore(cfg); err != nil {
			return err
		}
		defer s.Close() //nolint:errcheck
	}

	srv := api.NewServer(s, im, reg, m, slog.Default())
	if s != nil {
		storagePath := cfg.DSN()
		if cfg.Storage.Driver == "postgres" {
			storagePath = redactDSN(storagePath)
		}
		srv.SetStorageInfo(cfg.Storage.Driver, storagePath)
	}
	srv.SetVersion(Version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("aqimport ready", "addr", cfg.ListenAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.ListenAddr) })

	waitErr := g.Wait()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		slog.Error("aqimport exited with error", "error", waitErr)
	}

	// Always run graceful cleanup, even on error.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)

	slog.Info("aqimport shutdown complete")
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

// redactDSN masks the password in a PostgreSQL DSN for safe display.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
