package frame

import (
	"fmt"
	"math"
	"strings"
)

// Pivot turns a long table into a wide one. Rows sharing the same index
// values collapse into one output row; every distinct value of the variable
// column becomes a numeric column filled from the value column. Index columns
// come first, followed by variables in first-seen order. When a cell is given
// more than once the last non-missing value wins.
func Pivot(f *Frame, index []string, variable, value string) (*Frame, error) {
	keys := make([]*Column, len(index))
	for i, name := range index {
		if keys[i] = f.Column(name); keys[i] == nil {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, name)
		}
	}
	varCol := f.Column(variable)
	if varCol == nil {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, variable)
	}
	valCol := f.Column(value)
	if valCol == nil {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, value)
	}
	if valCol.Kind != Float {
		return nil, fmt.Errorf("pivot value column %q is %s, want float", value, valCol.Kind)
	}

	rowOf := make(map[string]int)
	var first []int
	varOf := make(map[string]int)
	var varNames []string
	var cells [][]float64

	var sb strings.Builder
	for i := range f.Len() {
		sb.Reset()
		for _, k := range keys {
			sb.WriteString(k.Format(i))
			sb.WriteByte(0)
		}
		r, ok := rowOf[sb.String()]
		if !ok {
			r = len(first)
			rowOf[sb.String()] = r
			first = append(first, i)
			for v := range cells {
				cells[v] = append(cells[v], math.NaN())
			}
		}

		if varCol.IsNA(i) {
			continue
		}
		name := varCol.Format(i)
		v, ok := varOf[name]
		if !ok {
			v = len(varNames)
			varOf[name] = v
			varNames = append(varNames, name)
			col := make([]float64, len(first))
			for j := range col {
				col[j] = math.NaN()
			}
			cells = append(cells, col)
		}
		if x := valCol.Floats[i]; !math.IsNaN(x) {
			cells[v][r] = x
		}
	}

	out := New()
	out.rows = len(first)
	for _, k := range keys {
		col := k.take(first)
		out.index[col.Name] = len(out.cols)
		out.cols = append(out.cols, col)
	}
	for v, name := range varNames {
		if out.Has(name) {
			return nil, fmt.Errorf("%w: variable %q collides with an index column", ErrDuplicateColumn, name)
		}
		if err := out.AddFloat(name, cells[v]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
