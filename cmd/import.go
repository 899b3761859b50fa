package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/chadmayfield/aqimport/internal/config"
	"github.com/chadmayfield/aqimport/internal/export"
	"github.com/chadmayfield/aqimport/internal/store"
	"github.com/chadmayfield/aqimport/pkg/fetch"
	"github.com/chadmayfield/aqimport/pkg/frame"
	"github.com/chadmayfield/aqimport/pkg/importer"
)

// seriesFlags are shared by every command that imports a site series.
type seriesFlags struct {
	source     string
	site       string
	years      string
	from       int
	to         int
	pollutants string
	hc         bool
	meta       bool
	progress   bool
}

func (f *seriesFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.source, "source", "aurn", "source network (see 'aqimport sources')")
	cmd.Flags().StringVar(&f.site, "site", "", "site code, e.g. my1")
	cmd.Flags().StringVar(&f.years, "years", "", "years to import, e.g. 2019,2020 or 2015-2020")
	cmd.Flags().IntVar(&f.from, "from", 0, "first year to import")
	cmd.Flags().IntVar(&f.to, "to", 0, "last year to import (default: --from)")
	cmd.Flags().StringVar(&f.pollutants, "pollutants", "all", "comma-separated pollutant columns, or 'all'")
	cmd.Flags().BoolVar(&f.hc, "hc", false, "keep hydrocarbon columns with --pollutants all")
	cmd.Flags().BoolVar(&f.meta, "meta", false, "join site metadata onto every row")
	cmd.Flags().BoolVar(&f.progress, "progress", true, "show a download progress bar")
	_ = cmd.MarkFlagRequired("site")
}

func (f *seriesFlags) yearList() ([]int, error) {
	switch {
	case f.years != "" && f.from != 0:
		return nil, errors.New("use either --years or --from/--to, not both")
	case f.years != "":
		return importer.ParseYears(f.years)
	case f.from != 0:
		if f.to == 0 {
			return importer.YearRange(f.from, f.from)
		}
		return importer.YearRange(f.from, f.to)
	}
	return nil, errors.New("one of --years or --from is required")
}

func (f *seriesFlags) options() importer.Options {
	var pollutants []string
	for _, p := range strings.Split(f.pollutants, ",") {
		if p = strings.TrimSpace(p); p != "" {
			pollutants = append(pollutants, p)
		}
	}
	return importer.Options{Pollutants: pollutants, HC: f.hc, IncludeMeta: f.meta}
}

// newImporter builds an importer from the configuration.
func newImporter(cfg *config.Config, progress bool, opts ...importer.Option) (*importer.Importer, error) {
	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	logger := slog.Default()
	if progress {
		opts = append(opts, importer.WithProgress(progressBar))
	}
	return importer.New(reg, fetch.New(cfg.FetchOptions(logger)), logger, opts...), nil
}

// progressBar draws one terminal bar per download on stderr.
func progressBar(label string) fetch.ProgressFunc {
	var bar *progressbar.ProgressBar
	return func(transferred, total int64) {
		if bar == nil {
			bar = progressbar.DefaultBytes(total, label)
		}
		_ = bar.Set64(transferred)
		if total > 0 && transferred >= total {
			_ = bar.Finish()
		}
	}
}

// runSeries imports the requested series. The importer logs failed years and
// warnings itself; a total failure is reported as an error.
func runSeries(ctx context.Context, im *importer.Importer, sf *seriesFlags) (*importer.Result, []int, error) {
	years, err := sf.yearList()
	if err != nil {
		return nil, nil, err
	}

	res, err := im.ImportSeries(ctx, sf.source, sf.site, years, sf.options())
	if err != nil {
		return nil, years, err
	}
	if res.Outcome == importer.TotalFailure {
		return res, years, fmt.Errorf("no data imported for %s %s", sf.source, strings.ToUpper(sf.site))
	}
	return res, years, nil
}

var (
	importSeries seriesFlags
	importPeriod string
	importStat   string
	importOut    string
	importFormat string
	importStore  bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import the hourly series of one site",
	Example: `  aqimport import --site my1 --years 2019,2020 --out my1.csv
  aqimport import --source saqn --site ED3 --from 2015 --to 2020 --period month --out ed3.xlsx
  aqimport import --site kc1 --years 2019 --pollutants no2,o3 --store`,
	RunE: runImport,
}

func init() {
	importSeries.register(importCmd)
	importCmd.Flags().StringVar(&importPeriod, "period", "", "average into daily, month or year buckets")
	importCmd.Flags().StringVar(&importStat, "stat", "mean", "statistic for --period (mean, max, min, median, sum)")
	importCmd.Flags().StringVar(&importOut, "out", "", "output file (.csv, .csv.gz, .xlsx, .RData); default CSV on stdout")
	importCmd.Flags().StringVar(&importFormat, "format", "", "output format, overriding the --out extension")
	importCmd.Flags().BoolVar(&importStore, "store", false, "also save the hourly series to the configured database")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var period frame.Granularity
	var stat frame.Statistic
	if importPeriod != "" {
		if period, err = frame.ParseGranularity(importPeriod); err != nil {
			return err
		}
		if stat, err = frame.ParseStatistic(importStat); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	im, err := newImporter(cfg, importSeries.progress)
	if err != nil {
		return err
	}

	started := time.Now().UTC()
	res, years, err := runSeries(ctx, im, &importSeries)
	if err != nil {
		return err
	}
	site := strings.ToUpper(importSeries.site)
	slog.Info("import finished",
		"source", importSeries.source,
		"site", site,
		"outcome", res.Outcome,
		"rows", res.Frame.Len(),
		"columns", res.Frame.Width(),
	)

	if importStore {
		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close() //nolint:errcheck

		run := &store.ImportRun{
			Source:      importSeries.source,
			Site:        site,
			Years:       joinYears(years),
			Outcome:     res.Outcome.String(),
			FailedYears: len(res.Failures),
			StartedAt:   started,
		}
		n, err := store.SaveImport(ctx, s, run, res.Frame)
		if err != nil {
			return err
		}
		slog.Info("measurements stored", "site", site, "measurements", n, "run_id", run.ID)
	}

	out := res.Frame
	if period != "" && out.Len() > 0 {
		if out, err = frame.TimeAverage(out, period, stat); err != nil {
			return err
		}
	}

	if importOut == "" {
		return export.WriteCSV(os.Stdout, out)
	}
	if importFormat != "" {
		format, err := export.ParseFormat(importFormat)
		if err != nil {
			return err
		}
		err = export.WriteFileAs(importOut, site, format, out)
		if err != nil {
			return err
		}
	} else if err := export.WriteFile(importOut, site, out); err != nil {
		return err
	}
	slog.Info("wrote output", "path", importOut, "rows", out.Len())
	return nil
}

func joinYears(years []int) string {
	parts := make([]string, len(years))
	for i, y := range years {
		parts[i] = strconv.Itoa(y)
	}
	return strings.Join(parts, ",")
}
