// Package frame provides the column-oriented table shared by the decoders, the
// importer and the post-processors.
package frame

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Well-known column names of a station series.
const (
	SiteColumn = "site"
	CodeColumn = "code"
	DateColumn = "date"
)

var (
	// ErrMissingColumn is returned when a requested column does not exist.
	ErrMissingColumn = errors.New("missing column")
	// ErrLengthMismatch is returned when a column does not match the frame's row count.
	ErrLengthMismatch = errors.New("column length mismatch")
	// ErrDuplicateColumn is returned when a column name is added twice.
	ErrDuplicateColumn = errors.New("duplicate column")
)

// Kind is the storage type of a column.
type Kind uint8

const (
	Float Kind = iota
	String
	Time
)

func (k Kind) String() string {
	switch k {
	case Float:
		return "float"
	case String:
		return "string"
	case Time:
		return "time"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Column is a named vector. Exactly one of Floats, Strings or Times is used,
// selected by Kind. Missing values are NaN, "" and the zero time respectively.
type Column struct {
	Name    string
	Kind    Kind
	Floats  []float64
	Strings []string
	Times   []time.Time
}

// Len returns the number of values in the column.
func (c *Column) Len() int {
	switch c.Kind {
	case String:
		return len(c.Strings)
	case Time:
		return len(c.Times)
	default:
		return len(c.Floats)
	}
}

// IsNA reports whether row i holds a missing value.
func (c *Column) IsNA(i int) bool {
	switch c.Kind {
	case String:
		return c.Strings[i] == ""
	case Time:
		return c.Times[i].IsZero()
	default:
		return math.IsNaN(c.Floats[i])
	}
}

// Value returns row i as float64, string or time.Time, or nil when missing.
func (c *Column) Value(i int) any {
	if c.IsNA(i) {
		return nil
	}
	switch c.Kind {
	case String:
		return c.Strings[i]
	case Time:
		return c.Times[i]
	default:
		return c.Floats[i]
	}
}

// Format renders row i as text; missing values render as "".
func (c *Column) Format(i int) string {
	if c.IsNA(i) {
		return ""
	}
	switch c.Kind {
	case String:
		return c.Strings[i]
	case Time:
		return c.Times[i].UTC().Format(time.RFC3339)
	default:
		return strconv.FormatFloat(c.Floats[i], 'g', -1, 64)
	}
}

func (c *Column) empty() *Column {
	return &Column{Name: c.Name, Kind: c.Kind}
}

func (c *Column) appendNA(n int) {
	for range n {
		switch c.Kind {
		case String:
			c.Strings = append(c.Strings, "")
		case Time:
			c.Times = append(c.Times, time.Time{})
		default:
			c.Floats = append(c.Floats, math.NaN())
		}
	}
}

// appendFrom appends every value of src, converting to text when the kinds differ.
func (c *Column) appendFrom(src *Column) {
	if src.Kind == c.Kind {
		switch c.Kind {
		case String:
			c.Strings = append(c.Strings, src.Strings...)
		case Time:
			c.Times = append(c.Times, src.Times...)
		default:
			c.Floats = append(c.Floats, src.Floats...)
		}
		return
	}
	for i := range src.Len() {
		c.Strings = append(c.Strings, src.Format(i))
	}
}

// take builds a new column from the given row indexes; -1 yields a missing value.
func (c *Column) take(idx []int) *Column {
	out := c.empty()
	switch c.Kind {
	case String:
		out.Strings = make([]string, len(idx))
		for i, j := range idx {
			if j >= 0 {
				out.Strings[i] = c.Strings[j]
			}
		}
	case Time:
		out.Times = make([]time.Time, len(idx))
		for i, j := range idx {
			if j >= 0 {
				out.Times[i] = c.Times[j]
			}
		}
	default:
		out.Floats = make([]float64, len(idx))
		for i, j := range idx {
			if j >= 0 {
				out.Floats[i] = c.Floats[j]
			} else {
				out.Floats[i] = math.NaN()
			}
		}
	}
	return out
}

// Frame is an ordered collection of equally long columns.
type Frame struct {
	cols  []*Column
	index map[string]int
	rows  int
}

// New returns an empty frame.
func New() *Frame {
	return &Frame{index: make(map[string]int)}
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return f.rows
}

// Width returns the number of columns.
func (f *Frame) Width() int {
	if f == nil {
		return 0
	}
	return len(f.cols)
}

// Columns returns the column names in order.
func (f *Frame) Columns() []string {
	if f == nil {
		return nil
	}
	names := make([]string, len(f.cols))
	for i, c := range f.cols {
		names[i] = c.Name
	}
	return names
}

// Has reports whether the frame holds a column called name.
func (f *Frame) Has(name string) bool {
	return f.Column(name) != nil
}

// Column returns the named column or nil.
func (f *Frame) Column(name string) *Column {
	if f == nil {
		return nil
	}
	i, ok := f.index[name]
	if !ok {
		return nil
	}
	return f.cols[i]
}

// ColumnAt returns the i-th column.
func (f *Frame) ColumnAt(i int) *Column {
	return f.cols[i]
}

// AddColumn appends c. The first column fixes the row count.
func (f *Frame) AddColumn(c *Column) error {
	if _, ok := f.index[c.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateColumn, c.Name)
	}
	if len(f.cols) == 0 {
		f.rows = c.Len()
	} else if c.Len() != f.rows {
		return fmt.Errorf("%w: %q has %d rows, frame has %d", ErrLengthMismatch, c.Name, c.Len(), f.rows)
	}
	f.index[c.Name] = len(f.cols)
	f.cols = append(f.cols, c)
	return nil
}

// AddFloat appends a numeric column.
func (f *Frame) AddFloat(name string, values []float64) error {
	return f.AddColumn(&Column{Name: name, Kind: Float, Floats: values})
}

// AddString appends a text column.
func (f *Frame) AddString(name string, values []string) error {
	return f.AddColumn(&Column{Name: name, Kind: String, Strings: values})
}

// AddTime appends a timestamp column.
func (f *Frame) AddTime(name string, values []time.Time) error {
	return f.AddColumn(&Column{Name: name, Kind: Time, Times: values})
}

// Floats returns the values of a numeric column.
func (f *Frame) Floats(name string) ([]float64, bool) {
	c := f.Column(name)
	if c == nil || c.Kind != Float {
		return nil, false
	}
	return c.Floats, true
}

// Strings returns the values of a text column.
func (f *Frame) Strings(name string) ([]string, bool) {
	c := f.Column(name)
	if c == nil || c.Kind != String {
		return nil, false
	}
	return c.Strings, true
}

// Times returns the values of a timestamp column.
func (f *Frame) Times(name string) ([]time.Time, bool) {
	c := f.Column(name)
	if c == nil || c.Kind != Time {
		return nil, false
	}
	return c.Times, true
}

// Select returns a frame holding only the named columns, in the given order.
// Every missing column is reported in a single ErrMissingColumn error.
func (f *Frame) Select(names ...string) (*Frame, error) {
	var missing []string
	for _, n := range names {
		if !f.Has(n) {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}

	out := New()
	out.rows = f.Len()
	for _, n := range names {
		if out.Has(n) {
			continue
		}
		out.index[n] = len(out.cols)
		out.cols = append(out.cols, f.Column(n))
	}
	return out, nil
}

// Drop returns a frame without the named columns. Unknown names are ignored.
func (f *Frame) Drop(names ...string) *Frame {
	skip := make(map[string]bool, len(names))
	for _, n := range names {
		skip[n] = true
	}
	out := New()
	out.rows = f.Len()
	for _, c := range f.cols {
		if skip[c.Name] {
			continue
		}
		out.index[c.Name] = len(out.cols)
		out.cols = append(out.cols, c)
	}
	return out
}

// Rename changes the name of a column in place.
func (f *Frame) Rename(from, to string) error {
	i, ok := f.index[from]
	if !ok {
		return fmt.Errorf("%w: %q", ErrMissingColumn, from)
	}
	if from == to {
		return nil
	}
	if _, ok := f.index[to]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateColumn, to)
	}
	col := *f.cols[i]
	col.Name = to
	f.cols[i] = &col
	delete(f.index, from)
	f.index[to] = i
	return nil
}

// Take returns the rows at the given indexes; -1 produces a row of missing values.
func (f *Frame) Take(idx []int) *Frame {
	out := New()
	out.rows = len(idx)
	for _, c := range f.cols {
		out.index[c.Name] = len(out.cols)
		out.cols = append(out.cols, c.take(idx))
	}
	return out
}

// Head returns at most the first n rows.
func (f *Frame) Head(n int) *Frame {
	if n > f.Len() {
		n = f.Len()
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return f.Take(idx)
}

// Row returns row i keyed by column name, with nil for missing values.
func (f *Frame) Row(i int) map[string]any {
	row := make(map[string]any, len(f.cols))
	for _, c := range f.cols {
		row[c.Name] = c.Value(i)
	}
	return row
}

// Concat stacks frames vertically in order. Columns are the union of all inputs
// in first-seen order; cells a frame does not provide are missing. Columns whose
// kinds disagree between inputs become text.
func Concat(frames ...*Frame) *Frame {
	var order []*Column
	kinds := make(map[string]int)
	// typed marks columns whose kind came from a frame with rows. A frame
	// without rows only contributes column names.
	typed := make(map[string]bool)
	total := 0
	for _, f := range frames {
		if f == nil {
			continue
		}
		total += f.Len()
		for _, c := range f.cols {
			i, ok := kinds[c.Name]
			if !ok {
				kinds[c.Name] = len(order)
				order = append(order, c.empty())
				typed[c.Name] = f.Len() > 0
				continue
			}
			switch {
			case f.Len() == 0:
			case !typed[c.Name]:
				order[i].Kind = c.Kind
				typed[c.Name] = true
			case order[i].Kind != c.Kind:
				order[i].Kind = String
			}
		}
	}

	out := New()
	out.rows = total
	for _, col := range order {
		for _, f := range frames {
			if f == nil {
				continue
			}
			if src := f.Column(col.Name); src != nil {
				col.appendFrom(src)
			} else {
				col.appendNA(f.Len())
			}
		}
		out.index[col.Name] = len(out.cols)
		out.cols = append(out.cols, col)
	}
	return out
}
