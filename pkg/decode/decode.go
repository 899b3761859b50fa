// Package decode turns downloaded artifacts into frames.
package decode

import (
	"errors"
	"fmt"

	"github.com/chadmayfield/aqimport/pkg/frame"
	"github.com/chadmayfield/aqimport/pkg/rdata"
)

// ErrDecode is returned when an artifact cannot be turned into a frame.
var ErrDecode = errors.New("decode failed")

// Format identifies the encoding of an artifact.
type Format string

const (
	// FormatRData is an R serialization stream holding a data.frame.
	FormatRData Format = "rdata"
	// FormatCSVGzip is a gzip-compressed CSV file with a header row.
	FormatCSVGzip Format = "csv.gz"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatRData, FormatCSVGzip:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q (want rdata or csv.gz)", s)
}

// File decodes the artifact at path. Every failure wraps ErrDecode.
func File(path string, format Format) (*frame.Frame, error) {
	var (
		f   *frame.Frame
		err error
	)
	switch format {
	case FormatRData:
		f, err = rdata.ReadDataFrame(path)
	case FormatCSVGzip:
		f, _, err = readCSVGzip(path)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrDecode, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return f, nil
}

// CSV decodes a gzip CSV file and also reports how many malformed rows were
// skipped.
func CSV(path string) (*frame.Frame, int, error) {
	f, skipped, err := readCSVGzip(path)
	if err != nil {
		return nil, skipped, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return f, skipped, nil
}
