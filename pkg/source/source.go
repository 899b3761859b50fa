// Package source holds the registry of monitoring networks and resolves
// (source, site, year) triples to download URLs.
package source

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/chadmayfield/aqimport/pkg/decode"
)

var (
	// ErrUnknownSource is returned for a source id missing from the registry.
	ErrUnknownSource = errors.New("unknown source")
	// ErrInvalidSite is returned for an empty or malformed site code.
	ErrInvalidSite = errors.New("invalid site")
)

// SiteCase is the letter case a network uses for site codes in its URLs.
type SiteCase int

const (
	Upper SiteCase = iota
	Lower
)

// Shape describes how a network lays out its observation tables.
type Shape int

const (
	// Wide tables have one column per pollutant.
	Wide Shape = iota
	// Long tables have date, site, variable and value columns.
	Long
)

func (s Shape) String() string {
	if s == Long {
		return "long"
	}
	return "wide"
}

// Source describes one monitoring network.
type Source struct {
	ID             string
	Name           string
	BaseURL        string
	MetadataURL    string
	MetadataKey    string
	Format         decode.Format
	MetadataFormat decode.Format
	SiteCase       SiteCase
	Shape          Shape
	// Pattern builds a site-year URL from the {base}, {site} and {year}
	// placeholders.
	Pattern string
}

const ukPattern = "{base}{site}_{year}.RData"

var builtin = []Source{
	{
		ID:          "aurn",
		Name:        "Automatic Urban and Rural Network",
		BaseURL:     "https://uk-air.defra.gov.uk/openair/R_data/",
		MetadataURL: "https://uk-air.defra.gov.uk/openair/R_data/AURN_metadata.RData",
	},
	{
		ID:          "saqn",
		Name:        "Scottish Air Quality Network",
		BaseURL:     "https://www.scottishairquality.scot/openair/R_data/",
		MetadataURL: "https://www.scottishairquality.scot/openair/R_data/SCOT_metadata.RData",
	},
	{
		ID:          "aqe",
		Name:        "Air Quality England",
		BaseURL:     "https://airqualityengland.co.uk/assets/openair/R_data/",
		MetadataURL: "https://airqualityengland.co.uk/assets/openair/R_data/AQE_metadata.RData",
	},
	{
		ID:          "waqn",
		Name:        "Welsh Air Quality Network",
		BaseURL:     "https://airquality.gov.wales/sites/default/files/openair/R_data/",
		MetadataURL: "https://airquality.gov.wales/sites/default/files/openair/R_data/WAQ_metadata.RData",
	},
	{
		ID:          "ni",
		Name:        "Northern Ireland Air Quality",
		BaseURL:     "https://www.airqualityni.co.uk/openair/R_data/",
		MetadataURL: "https://www.airqualityni.co.uk/openair/R_data/NI_metadata.RData",
	},
	{
		ID:             "europe",
		Name:           "European air quality (saqgetr)",
		BaseURL:        "http://aq-data.ricardo-aea.com/R_data/saqgetr/observations/",
		MetadataURL:    "http://aq-data.ricardo-aea.com/R_data/saqgetr/helper_tables/sites_table.csv.gz",
		MetadataKey:    "site",
		Format:         decode.FormatCSVGzip,
		MetadataFormat: decode.FormatCSVGzip,
		SiteCase:       Lower,
		Shape:          Long,
		Pattern:        "{base}{year}/air_quality_data_site_{site}_{year}.csv.gz",
	},
}

// Override replaces the endpoints of a registered source, typically to point
// at a mirror.
type Override struct {
	BaseURL     string
	MetadataURL string
}

// Registry maps source ids to their descriptions.
type Registry struct {
	sources map[string]Source
}

// NewRegistry returns the built-in sources with the given overrides applied.
// Overrides for unknown ids fail with ErrUnknownSource.
func NewRegistry(overrides map[string]Override) (*Registry, error) {
	r := &Registry{sources: make(map[string]Source, len(builtin))}
	for _, s := range builtin {
		if s.MetadataKey == "" {
			s.MetadataKey = "site_id"
		}
		if s.Format == "" {
			s.Format = decode.FormatRData
		}
		if s.MetadataFormat == "" {
			s.MetadataFormat = decode.FormatRData
		}
		if s.Pattern == "" {
			s.Pattern = ukPattern
		}
		r.sources[s.ID] = s
	}

	for id, o := range overrides {
		key := normalize(id)
		s, ok := r.sources[key]
		if !ok {
			return nil, fmt.Errorf("override for %q: %w", id, ErrUnknownSource)
		}
		if o.BaseURL != "" {
			s.BaseURL = withSlash(o.BaseURL)
		}
		if o.MetadataURL != "" {
			s.MetadataURL = o.MetadataURL
		}
		r.sources[key] = s
	}
	return r, nil
}

var defaultRegistry, _ = NewRegistry(nil)

// Default returns the registry of built-in sources.
func Default() *Registry {
	return defaultRegistry
}

// Lookup returns the source registered under id. Ids are case-insensitive.
func (r *Registry) Lookup(id string) (Source, error) {
	s, ok := r.sources[normalize(id)]
	if !ok {
		return Source{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownSource, id, strings.Join(r.IDs(), ", "))
	}
	return s, nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns every registered source sorted by id.
func (r *Registry) All() []Source {
	out := make([]Source, 0, len(r.sources))
	for _, id := range r.IDs() {
		out = append(out, r.sources[id])
	}
	return out
}

// Resolve returns the URL of the yearly artifact for site. No network access
// happens here.
func (r *Registry) Resolve(id, site string, year int) (string, error) {
	s, err := r.Lookup(id)
	if err != nil {
		return "", err
	}
	return s.SiteURL(site, year)
}

// ResolveMetadata returns the URL of the source's site metadata table.
func (r *Registry) ResolveMetadata(id string) (string, error) {
	s, err := r.Lookup(id)
	if err != nil {
		return "", err
	}
	return s.MetadataURL, nil
}

// SiteURL expands the source's URL pattern.
func (s Source) SiteURL(site string, year int) (string, error) {
	site = strings.TrimSpace(site)
	if site == "" || strings.ContainsAny(site, "/?#") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSite, site)
	}
	if s.SiteCase == Lower {
		site = strings.ToLower(site)
	} else {
		site = strings.ToUpper(site)
	}
	return strings.NewReplacer(
		"{base}", s.BaseURL,
		"{site}", site,
		"{year}", strconv.Itoa(year),
	).Replace(s.Pattern), nil
}

// Resolve resolves against the default registry.
func Resolve(id, site string, year int) (string, error) {
	return Default().Resolve(id, site, year)
}

// ResolveMetadata resolves against the default registry.
func ResolveMetadata(id string) (string, error) {
	return Default().ResolveMetadata(id)
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func withSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}
