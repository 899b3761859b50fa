// Package export writes imported frames to CSV, gzip CSV, XLSX and RData files.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/xuri/excelize/v2"

	"github.com/chadmayfield/aqimport/pkg/frame"
	"github.com/chadmayfield/aqimport/pkg/rdata"
)

// ErrUnknownFormat is returned for an output path or format name that no
// writer handles.
var ErrUnknownFormat = errors.New("unknown export format")

// Format names an output encoding.
type Format string

const (
	CSV     Format = "csv"
	CSVGzip Format = "csv.gz"
	XLSX    Format = "xlsx"
	RData   Format = "rdata"
)

// ParseFormat accepts a format name case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimPrefix(s, "."))); f {
	case CSV, CSVGzip, XLSX, RData:
		return f, nil
	case "rda", "rds":
		return RData, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".csv.gz") {
		return CSVGzip, nil
	}
	ext := filepath.Ext(lower)
	if ext == "" {
		return "", fmt.Errorf("%w: %q has no extension", ErrUnknownFormat, path)
	}
	return ParseFormat(ext)
}

// WriteFile writes f to path in the format implied by its extension. name
// labels the RData object or the XLSX sheet.
func WriteFile(path, name string, f *frame.Frame) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	return WriteFileAs(path, name, format, f)
}

// WriteFileAs writes f to path in the given format.
func WriteFileAs(path, name string, format Format, f *frame.Frame) error {
	if name == "" {
		name = "data"
	}
	switch format {
	case RData:
		return rdata.WriteDataFrameFile(path, name, f)
	case XLSX:
		return writeXLSX(path, name, f)
	case CSV, CSVGzip:
		out, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
		var w io.Writer = out
		var zw *gzip.Writer
		if format == CSVGzip {
			zw = gzip.NewWriter(out)
			w = zw
		}
		if err := WriteCSV(w, f); err != nil {
			_ = out.Close()
			return err
		}
		if zw != nil {
			if err := zw.Close(); err != nil {
				_ = out.Close()
				return fmt.Errorf("closing gzip stream: %w", err)
			}
		}
		return out.Close()
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// WriteCSV writes a header row followed by one record per frame row. Missing
// values are empty fields and times are RFC 3339 in UTC.
func WriteCSV(w io.Writer, f *frame.Frame) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(f.Columns()); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	record := make([]string, f.Width())
	for i := range f.Len() {
		for j := range record {
			record[j] = f.ColumnAt(j).Format(i)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing csv row %d: %w", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing csv: %w", err)
	}
	return nil
}

func writeXLSX(path, sheet string, f *frame.Frame) error {
	x := excelize.NewFile()
	defer x.Close() //nolint:errcheck

	sheet = sheetName(sheet)
	if err := x.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	sw, err := x.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("opening sheet writer: %w", err)
	}

	header := make([]any, f.Width())
	for j, name := range f.Columns() {
		header[j] = name
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("writing xlsx header: %w", err)
	}

	row := make([]any, f.Width())
	for i := range f.Len() {
		for j := range row {
			row[j] = f.ColumnAt(j).Value(i)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, row); err != nil {
			return fmt.Errorf("writing xlsx row %d: %w", i, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flushing xlsx: %w", err)
	}
	if err := x.SaveAs(path); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}

// sheetName trims s to the 31 characters Excel allows and drops the
// characters it forbids.
func sheetName(s string) string {
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\`, r) {
			return '_'
		}
		return r
	}, s)
	if r := []rune(s); len(r) > 31 {
		s = string(r[:31])
	}
	if s == "" {
		return "data"
	}
	return s
}
