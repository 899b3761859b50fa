package rdata

import (
	"fmt"
	"math"
	"time"

	"github.com/chadmayfield/aqimport/pkg/frame"
)

const secondsPerDay = 86400

// ToFrame converts a data.frame object into a frame. POSIXct and Date columns
// become timestamps in UTC, factors become text, and integer and logical
// columns become floats with NA mapped to NaN.
func ToFrame(o *Object) (*frame.Frame, error) {
	if o == nil || o.Type != VecSXP || !o.Inherits("data.frame") {
		return nil, ErrNoDataFrame
	}
	names := o.Attr("names")
	if names == nil || names.Type != StrSXP || len(names.Strings) != len(o.Items) {
		return nil, fmt.Errorf("%w: data.frame without matching names", ErrFormat)
	}

	f := frame.New()
	for i, item := range o.Items {
		col, err := toColumn(names.Strings[i], item)
		if err != nil {
			return nil, err
		}
		if err := f.AddColumn(col); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func toColumn(name string, o *Object) (*frame.Column, error) {
	switch {
	case o.Inherits("POSIXct"):
		return timeColumn(name, numbers(o), 1), nil
	case o.Inherits("Date"):
		return timeColumn(name, numbers(o), secondsPerDay), nil
	case o.Type == IntSXP && o.Inherits("factor"):
		return factorColumn(name, o)
	}

	switch o.Type {
	case IntSXP, LglSXP, RealSXP:
		return &frame.Column{Name: name, Kind: frame.Float, Floats: numbers(o)}, nil
	case StrSXP:
		vals := make([]string, len(o.Strings))
		for i, s := range o.Strings {
			if !o.NA[i] {
				vals[i] = s
			}
		}
		return &frame.Column{Name: name, Kind: frame.String, Strings: vals}, nil
	}
	return nil, fmt.Errorf("%w: column %q has type %d", ErrUnsupported, name, o.Type)
}

// numbers returns the numeric payload of o with NA as NaN.
func numbers(o *Object) []float64 {
	if o.Type == RealSXP {
		return o.Reals
	}
	out := make([]float64, len(o.Ints))
	for i, v := range o.Ints {
		if v == NAInteger {
			out[i] = math.NaN()
			continue
		}
		out[i] = float64(v)
	}
	return out
}

func timeColumn(name string, vals []float64, unit float64) *frame.Column {
	times := make([]time.Time, len(vals))
	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		times[i] = time.UnixMicro(int64(math.Round(v * unit * 1e6))).UTC()
	}
	return &frame.Column{Name: name, Kind: frame.Time, Times: times}
}

func factorColumn(name string, o *Object) (*frame.Column, error) {
	levels := o.Attr("levels")
	if levels == nil || levels.Type != StrSXP {
		return nil, fmt.Errorf("%w: factor %q without levels", ErrFormat, name)
	}
	vals := make([]string, len(o.Ints))
	for i, code := range o.Ints {
		if code == NAInteger {
			continue
		}
		if code < 1 || int(code) > len(levels.Strings) {
			return nil, fmt.Errorf("%w: factor %q code %d out of range", ErrFormat, name, code)
		}
		vals[i] = levels.Strings[code-1]
	}
	return &frame.Column{Name: name, Kind: frame.String, Strings: vals}, nil
}

// ReadDataFrame decodes path and converts its first data.frame.
func ReadDataFrame(path string) (*frame.Frame, error) {
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	n, err := f.FirstDataFrame()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	out, err := ToFrame(n.Object)
	if err != nil {
		return nil, fmt.Errorf("converting %s: %w", n.Name, err)
	}
	return out, nil
}
