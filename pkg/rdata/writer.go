package rdata

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"

	"github.com/chadmayfield/aqimport/pkg/frame"
)

const (
	writerVersion    = 0x040301
	minReaderVersion = 0x030500
)

// naReal is the bit pattern R uses for NA_real_.
var naReal = math.Float64frombits(0x7ff00000000007a2)

// WriteDataFrame writes f as a gzip-compressed version 3 .RData stream holding
// a single data.frame called name. Timestamps are written as POSIXct in GMT.
func WriteDataFrame(w io.Writer, name string, f *frame.Frame) error {
	zw := gzip.NewWriter(w)
	e := &encoder{w: bufio.NewWriter(zw)}

	e.raw([]byte("RDX3\nX\n"))
	e.int(3)
	e.int(writerVersion)
	e.int(minReaderVersion)
	e.int(5)
	e.raw([]byte("UTF-8"))

	e.int(int32(ListSXP) | hasTagBit)
	e.symbol(name)
	e.dataFrame(f)
	e.int(nilValueSXP)

	if e.err != nil {
		return fmt.Errorf("encoding data frame: %w", e.err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("flushing data frame: %w", err)
	}
	return zw.Close()
}

// WriteDataFrameFile writes f to path, see WriteDataFrame.
func WriteDataFrameFile(path, name string, f *frame.Frame) error {
	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := WriteDataFrame(fh, name, f); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

// encoder keeps the first write error and ignores later writes.
type encoder struct {
	w   *bufio.Writer
	err error
	buf [8]byte
}

func (e *encoder) raw(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

func (e *encoder) int(v int32) {
	binary.BigEndian.PutUint32(e.buf[:4], uint32(v))
	e.raw(e.buf[:4])
}

func (e *encoder) double(v float64) {
	if math.IsNaN(v) {
		v = naReal
	}
	binary.BigEndian.PutUint64(e.buf[:8], math.Float64bits(v))
	e.raw(e.buf[:8])
}

func (e *encoder) length(n int) {
	if n <= math.MaxInt32 {
		e.int(int32(n))
		return
	}
	e.int(-1)
	e.int(int32(uint64(n) >> 32))
	e.int(int32(uint32(n)))
}

func (e *encoder) chars(s string, na bool) {
	if na {
		e.int(int32(CharSXP))
		e.int(-1)
		return
	}
	enc := int32(asciiMask)
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			enc = utf8Mask
			break
		}
	}
	e.int(int32(CharSXP) | enc<<12)
	e.int(int32(len(s)))
	e.raw([]byte(s))
}

func (e *encoder) symbol(name string) {
	e.int(int32(SymSXP))
	e.chars(name, false)
}

func (e *encoder) strings(vals []string, naEmpty bool) {
	e.int(int32(StrSXP))
	e.length(len(vals))
	for _, s := range vals {
		e.chars(s, naEmpty && s == "")
	}
}

// attr writes one tagged attribute node; the caller terminates the list.
func (e *encoder) attr(name string, value func()) {
	e.int(int32(ListSXP) | hasTagBit)
	e.symbol(name)
	value()
}

func (e *encoder) dataFrame(f *frame.Frame) {
	e.int(int32(VecSXP) | isObjectBit | hasAttrBit)
	e.length(f.Width())
	for i := range f.Width() {
		e.column(f.ColumnAt(i))
	}

	e.attr("names", func() { e.strings(f.Columns(), false) })
	e.attr("class", func() { e.strings([]string{"data.frame"}, false) })
	e.attr("row.names", func() {
		// compact form c(NA, -n)
		e.int(int32(IntSXP))
		e.length(2)
		e.int(NAInteger)
		e.int(int32(-f.Len()))
	})
	e.int(nilValueSXP)
}

func (e *encoder) column(c *frame.Column) {
	switch c.Kind {
	case frame.String:
		e.strings(c.Strings, true)
	case frame.Time:
		e.int(int32(RealSXP) | isObjectBit | hasAttrBit)
		e.length(len(c.Times))
		for _, t := range c.Times {
			e.double(posixSeconds(t))
		}
		e.attr("class", func() { e.strings([]string{"POSIXct", "POSIXt"}, false) })
		e.attr("tzone", func() { e.strings([]string{"GMT"}, false) })
		e.int(nilValueSXP)
	default:
		e.int(int32(RealSXP))
		e.length(len(c.Floats))
		for _, v := range c.Floats {
			e.double(v)
		}
	}
}

func posixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return math.NaN()
	}
	return float64(t.UnixMicro()) / 1e6
}
