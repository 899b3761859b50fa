package frame

import "fmt"

// DropDuplicates keeps the first row for every distinct value of key.
func (f *Frame) DropDuplicates(key string) (*Frame, error) {
	col := f.Column(key)
	if col == nil {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, key)
	}

	seen := make(map[string]bool, f.Len())
	idx := make([]int, 0, f.Len())
	for i := range f.Len() {
		k := col.Format(i)
		if seen[k] {
			continue
		}
		seen[k] = true
		idx = append(idx, i)
	}
	return f.Take(idx), nil
}

// LeftJoin merges right into left on left[leftKey] == right[rightKey]. Every
// left row is kept, repeated once per matching right row; rows without a match
// get missing values for the right-hand columns. The right key column is not
// carried over. Other names present on both sides get "_x" and "_y" suffixes.
func LeftJoin(left, right *Frame, leftKey, rightKey string) (*Frame, error) {
	lk := left.Column(leftKey)
	if lk == nil {
		return nil, fmt.Errorf("left frame: %w: %q", ErrMissingColumn, leftKey)
	}
	rk := right.Column(rightKey)
	if rk == nil {
		return nil, fmt.Errorf("right frame: %w: %q", ErrMissingColumn, rightKey)
	}

	lookup := make(map[string][]int, right.Len())
	for j := range right.Len() {
		if rk.IsNA(j) {
			continue
		}
		k := rk.Format(j)
		lookup[k] = append(lookup[k], j)
	}

	var leftIdx, rightIdx []int
	for i := range left.Len() {
		var matches []int
		if !lk.IsNA(i) {
			matches = lookup[lk.Format(i)]
		}
		if len(matches) == 0 {
			leftIdx = append(leftIdx, i)
			rightIdx = append(rightIdx, -1)
			continue
		}
		for _, j := range matches {
			leftIdx = append(leftIdx, i)
			rightIdx = append(rightIdx, j)
		}
	}

	rightCols := right.Drop(rightKey)
	overlap := make(map[string]bool)
	for _, name := range rightCols.Columns() {
		if left.Has(name) {
			overlap[name] = true
		}
	}

	out := New()
	for _, c := range left.cols {
		col := c.take(leftIdx)
		if overlap[c.Name] {
			col.Name += "_x"
		}
		if err := out.AddColumn(col); err != nil {
			return nil, err
		}
	}
	for _, c := range rightCols.cols {
		col := c.take(rightIdx)
		if overlap[c.Name] {
			col.Name += "_y"
		}
		if err := out.AddColumn(col); err != nil {
			return nil, err
		}
	}
	out.rows = len(leftIdx)
	return out, nil
}
