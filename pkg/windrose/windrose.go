// Package windrose computes and draws wind roses, polar histograms of wind
// direction split by speed class.
package windrose

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"path/filepath"
	"strings"

	"github.com/fogleman/gg"

	"github.com/chadmayfield/aqimport/pkg/frame"
)

// ErrNoWind is returned when a frame has no usable wind observations.
var ErrNoWind = errors.New("no wind observations")

const (
	DefaultSectors = 16
	DefaultSize    = 640
	// CalmBelow is the speed in m/s under which an observation counts as calm.
	CalmBelow = 0.5
)

// DefaultBins are the lower edges of the speed classes in m/s.
var DefaultBins = []float64{0, 2, 4, 6, 8, 10}

var palette = []color.RGBA{
	{0x31, 0x36, 0x95, 0xff},
	{0x45, 0x75, 0xb4, 0xff},
	{0x74, 0xad, 0xd1, 0xff},
	{0xfe, 0xe0, 0x90, 0xff},
	{0xf4, 0x6d, 0x43, 0xff},
	{0xa5, 0x00, 0x26, 0xff},
}

// Rose holds the percentage of observations per direction sector and speed
// class.
type Rose struct {
	Sectors int
	Bins    []float64
	// Freq[sector][bin] is a percentage of all valid observations.
	Freq  [][]float64
	Calm  float64
	Count int
}

// Compute bins paired wind speed and direction observations. Pairs with a
// missing value are ignored.
func Compute(ws, wd []float64, sectors int, bins []float64) (*Rose, error) {
	if len(ws) != len(wd) {
		return nil, fmt.Errorf("%w: %d speeds, %d directions", frame.ErrLengthMismatch, len(ws), len(wd))
	}
	if sectors <= 0 {
		sectors = DefaultSectors
	}
	if len(bins) == 0 {
		bins = DefaultBins
	}

	r := &Rose{Sectors: sectors, Bins: bins, Freq: make([][]float64, sectors)}
	for i := range r.Freq {
		r.Freq[i] = make([]float64, len(bins))
	}

	width := 360 / float64(sectors)
	calm := 0
	for i := range ws {
		s, d := ws[i], wd[i]
		if math.IsNaN(s) || math.IsNaN(d) || s < 0 {
			continue
		}
		r.Count++
		if s < CalmBelow {
			calm++
			continue
		}
		sector := int(math.Mod(math.Mod(d, 360)+360+width/2, 360) / width)
		r.Freq[sector%sectors][speedBin(bins, s)]++
	}
	if r.Count == 0 {
		return nil, ErrNoWind
	}

	scale := 100 / float64(r.Count)
	for i := range r.Freq {
		for j := range r.Freq[i] {
			r.Freq[i][j] *= scale
		}
	}
	r.Calm = float64(calm) * scale
	return r, nil
}

func speedBin(bins []float64, s float64) int {
	b := 0
	for i, edge := range bins {
		if s >= edge {
			b = i
		}
	}
	return b
}

// FromFrame computes a rose from the ws and wd columns of f.
func FromFrame(f *frame.Frame) (*Rose, error) {
	ws, ok := f.Floats("ws")
	if !ok {
		return nil, fmt.Errorf("%w: %q", frame.ErrMissingColumn, "ws")
	}
	wd, ok := f.Floats("wd")
	if !ok {
		return nil, fmt.Errorf("%w: %q", frame.ErrMissingColumn, "wd")
	}
	return Compute(ws, wd, DefaultSectors, DefaultBins)
}

func (r *Rose) maxTotal() float64 {
	m := 0.0
	for _, sector := range r.Freq {
		t := 0.0
		for _, v := range sector {
			t += v
		}
		m = math.Max(m, t)
	}
	return m
}

// Draw renders the rose on a square canvas of size pixels.
func (r *Rose) Draw(title string, size int) *gg.Context {
	if size <= 0 {
		size = DefaultSize
	}
	dc := gg.NewContext(size, size)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	cx, cy := float64(size)/2, float64(size)/2+10
	radius := float64(size)/2 - 50
	peak := r.maxTotal()
	if peak == 0 {
		peak = 1
	}

	// grid rings every quarter of the peak
	dc.SetRGB(0.8, 0.8, 0.8)
	dc.SetLineWidth(1)
	for i := 1; i <= 4; i++ {
		rr := radius * float64(i) / 4
		dc.DrawCircle(cx, cy, rr)
		dc.Stroke()
		dc.SetRGB(0.4, 0.4, 0.4)
		dc.DrawStringAnchored(fmt.Sprintf("%.1f%%", peak*float64(i)/4), cx+rr+2, cy, 0, 0.5)
		dc.SetRGB(0.8, 0.8, 0.8)
	}

	width := 2 * math.Pi / float64(r.Sectors)
	for s, sector := range r.Freq {
		center := float64(s)*width - math.Pi/2
		a1, a2 := center-width*0.45, center+width*0.45
		inner := 0.0
		for b, v := range sector {
			if v == 0 {
				continue
			}
			outer := inner + radius*v/peak
			c := palette[b%len(palette)]
			dc.SetRGBA255(int(c.R), int(c.G), int(c.B), int(c.A))
			dc.NewSubPath()
			dc.DrawArc(cx, cy, outer, a1, a2)
			dc.DrawArc(cx, cy, inner, a2, a1)
			dc.ClosePath()
			dc.Fill()
			inner = outer
		}
	}

	dc.SetRGB(0, 0, 0)
	for i, label := range []string{"N", "E", "S", "W"} {
		a := float64(i)*math.Pi/2 - math.Pi/2
		dc.DrawStringAnchored(label, cx+(radius+14)*math.Cos(a), cy+(radius+14)*math.Sin(a), 0.5, 0.5)
	}
	dc.DrawStringAnchored(title, float64(size)/2, 14, 0.5, 0.5)
	dc.DrawStringAnchored(fmt.Sprintf("calm %.1f%%, n=%d", r.Calm, r.Count), float64(size)/2, float64(size)-12, 0.5, 0.5)
	return dc
}

// FileName returns the PNG name used for a site's wind rose.
func FileName(site string) string {
	site = strings.NewReplacer("/", "_", " ", "_").Replace(strings.TrimSpace(site))
	return site + "_wind_rose.png"
}

// Save draws the wind rose of f and writes it to dir as {site}_wind_rose.png.
func Save(f *frame.Frame, site, dir string) (string, error) {
	r, err := FromFrame(f)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName(site))
	if err := r.Draw(site+" wind rose", DefaultSize).SavePNG(path); err != nil {
		return "", fmt.Errorf("saving wind rose: %w", err)
	}
	return path, nil
}
