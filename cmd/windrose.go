package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chadmayfield/aqimport/pkg/windrose"
)

var (
	roseSeries seriesFlags
	roseDir    string
)

var windroseCmd = &cobra.Command{
	Use:   "windrose",
	Short: "Plot a wind rose of a site's modelled wind speed and direction",
	RunE:  runWindrose,
}

func init() {
	roseSeries.register(windroseCmd)
	windroseCmd.Flags().StringVar(&roseDir, "dir", ".", "directory for {site}_wind_rose.png")
	rootCmd.AddCommand(windroseCmd)
}

func runWindrose(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	im, err := newImporter(cfg, roseSeries.progress)
	if err != nil {
		return err
	}
	res, _, err := runSeries(ctx, im, &roseSeries)
	if err != nil {
		return err
	}

	path, err := windrose.Save(res.Frame, roseSeries.site, roseDir)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}
