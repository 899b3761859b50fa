package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chadmayfield/aqimport/internal/export"
	"github.com/chadmayfield/aqimport/internal/store"
)

var (
	metaSource string
	metaOut    string
	metaStore  bool
)

var metaCmd = &cobra.Command{
	Use:   "meta",
	Short: "Download the site metadata table of a source",
	RunE:  runMeta,
}

func init() {
	metaCmd.Flags().StringVar(&metaSource, "source", "aurn", "source network")
	metaCmd.Flags().StringVar(&metaOut, "out", "", "output file (.csv, .csv.gz, .xlsx, .RData); default CSV on stdout")
	metaCmd.Flags().BoolVar(&metaStore, "store", false, "save the sites to the configured database")
	rootCmd.AddCommand(metaCmd)
}

func runMeta(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	im, err := newImporter(cfg, false)
	if err != nil {
		return err
	}
	meta, err := im.ImportMetadata(ctx, metaSource)
	if err != nil {
		return err
	}
	slog.Info("metadata imported", "source", metaSource, "sites", meta.Len())

	if metaStore {
		reg, err := cfg.Registry()
		if err != nil {
			return err
		}
		src, err := reg.Lookup(metaSource)
		if err != nil {
			return err
		}
		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close() //nolint:errcheck

		sites := store.SitesFromFrame(src.ID, src.MetadataKey, meta, time.Now().UTC())
		for i := range sites {
			if err := s.SaveSite(ctx, &sites[i]); err != nil {
				return fmt.Errorf("saving site %s: %w", sites[i].Code, err)
			}
		}
		slog.Info("sites stored", "source", src.ID, "sites", len(sites))
	}

	if metaOut == "" {
		return export.WriteCSV(os.Stdout, meta)
	}
	return export.WriteFile(metaOut, metaSource+"_meta", meta)
}
