package cmd

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var statusServer string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the health endpoint of a running aqimport server",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusServer, "server", "http://localhost:8080", "aqimport server URL")
	rootCmd.AddCommand(statusCmd)
}

// healthReport mirrors the JSON served by GET /api/v1/health.
type healthReport struct {
	Status   string   `json:"status"`
	Version  string   `json:"version"`
	Uptime   string   `json:"uptime"`
	Sources  []string `json:"sources"`
	Database struct {
		Driver            string `json:"driver"`
		Status            string `json:"status"`
		SizeBytes         int64  `json:"size_bytes"`
		TotalMeasurements int    `json:"total_measurements"`
		Sites             int    `json:"sites"`
	} `json:"database"`
	LastImport *struct {
		Source     string    `json:"source"`
		Site       string    `json:"site"`
		Outcome    string    `json:"outcome"`
		Rows       int       `json:"rows"`
		FinishedAt time.Time `json:"finished_at"`
	} `json:"last_import"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
	health, err := fetchHealth(client, statusServer)
	if err != nil {
		return err
	}
	printHealth(cmd.OutOrStdout(), health)
	return nil
}

func fetchHealth(client *http.Client, server string) (*healthReport, error) {
	resp, err := client.Get(strings.TrimSuffix(server, "/") + "/api/v1/health")
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", server, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check returned %s", resp.Status)
	}

	var health healthReport
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&health); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &health, nil
}

func printHealth(w io.Writer, health *healthReport) {
	fmt.Fprintf(w, "aqimport %s\n", health.Version)
	fmt.Fprintf(w, "Status: %s\n", health.Status)
	fmt.Fprintf(w, "Uptime: %s\n", health.Uptime)
	if len(health.Sources) > 0 {
		fmt.Fprintf(w, "Sources: %s\n", strings.Join(health.Sources, ", "))
	}
	fmt.Fprintln(w)

	db := health.Database
	if db.Driver != "" {
		fmt.Fprintf(w, "Database: %s (%s)\n", db.Driver, db.Status)
	} else {
		fmt.Fprintf(w, "Database: %s\n", db.Status)
	}
	if db.SizeBytes > 0 {
		fmt.Fprintf(w, "  Size: %s\n", formatBytes(db.SizeBytes))
	}
	if db.TotalMeasurements > 0 {
		fmt.Fprintf(w, "  Measurements: %s\n", formatNumber(db.TotalMeasurements))
	}
	if db.Sites > 0 {
		fmt.Fprintf(w, "  Sites: %s\n", formatNumber(db.Sites))
	}

	if li := health.LastImport; li != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Last import: %s %s (%s, %s rows) at %s\n",
			li.Source, li.Site, li.Outcome, formatNumber(li.Rows), li.FinishedAt.Format(time.RFC3339))
	}
}

// formatNumber formats an integer with comma separators (e.g., 1,247,832).
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
