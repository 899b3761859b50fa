package rdata

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

// chunk bounds up-front allocations so a corrupt length fails on EOF instead
// of exhausting memory.
const chunk = 1 << 16

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	bzip2Magic = []byte("BZh")
	xzMagic    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// ReadFile decodes the file at path.
func ReadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer fh.Close()

	f, err := Read(fh)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return f, nil
}

// Read decodes an .RData or .rds stream. Gzip, bzip2 and xz compression are
// detected from the leading bytes.
func Read(r io.Reader) (*File, error) {
	br, err := decompress(r)
	if err != nil {
		return nil, err
	}

	rdata := false
	head, _ := br.Peek(5)
	switch string(head) {
	case "RDX2\n", "RDX3\n":
		rdata = true
		if _, err := br.Discard(5); err != nil {
			return nil, err
		}
	case "RDA2\n", "RDA3\n", "RDB2\n", "RDB3\n":
		return nil, fmt.Errorf("%w: %q save format", ErrUnsupported, strings.TrimSpace(string(head)))
	}

	format := make([]byte, 2)
	if _, err := io.ReadFull(br, format); err != nil {
		return nil, fmt.Errorf("%w: reading format: %v", ErrFormat, err)
	}
	switch string(format) {
	case "X\n":
	case "A\n", "B\n":
		return nil, fmt.Errorf("%w: %q serialization", ErrUnsupported, format[0])
	default:
		return nil, ErrFormat
	}

	d := &decoder{r: br}
	out := &File{}
	version, err := d.readInt()
	if err != nil {
		return nil, fmt.Errorf("%w: reading version: %v", ErrFormat, err)
	}
	out.Version = int(version)
	// writer version and minimal reader version
	if _, err := d.readInt(); err != nil {
		return nil, err
	}
	if _, err := d.readInt(); err != nil {
		return nil, err
	}
	switch out.Version {
	case 2:
	case 3:
		n, err := d.readInt()
		if err != nil {
			return nil, err
		}
		enc, err := d.readBytes(int64(n))
		if err != nil {
			return nil, fmt.Errorf("reading native encoding: %w", err)
		}
		out.Encoding = string(enc)
	default:
		return nil, fmt.Errorf("%w: serialization version %d", ErrUnsupported, out.Version)
	}

	top, err := d.readItem()
	if err != nil {
		return nil, err
	}
	if !rdata {
		out.Objects = []Named{{Object: top}}
		return out, nil
	}
	if top.Type != ListSXP && top.Type != NilSXP {
		return nil, fmt.Errorf("%w: top level is type %d, want pairlist", ErrFormat, top.Type)
	}
	for i, item := range top.Items {
		out.Objects = append(out.Objects, Named{Name: top.Tags[i], Object: item})
	}
	return out, nil
}

func decompress(r io.Reader) (*bufio.Reader, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(6)
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		return bufio.NewReader(zr), nil
	case bytes.HasPrefix(head, bzip2Magic):
		return bufio.NewReader(bzip2.NewReader(br)), nil
	case bytes.HasPrefix(head, xzMagic):
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening xz stream: %w", err)
		}
		return bufio.NewReader(xr), nil
	}
	return br, nil
}

type decoder struct {
	r    *bufio.Reader
	refs []*Object
	buf  [8]byte
}

func (d *decoder) readInt() (int32, error) {
	if _, err := io.ReadFull(d.r, d.buf[:4]); err != nil {
		return 0, unexpected(err)
	}
	return int32(binary.BigEndian.Uint32(d.buf[:4])), nil
}

func (d *decoder) readDouble() (float64, error) {
	if _, err := io.ReadFull(d.r, d.buf[:8]); err != nil {
		return 0, unexpected(err)
	}
	return math.Float64frombits(binary.BigEndian.Uint64(d.buf[:8])), nil
}

func (d *decoder) readBytes(n int64) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrFormat, n)
	}
	b, err := io.ReadAll(io.LimitReader(d.r, n))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) != n {
		return nil, io.ErrUnexpectedEOF
	}
	return b, nil
}

// readLength reads a vector length, including the long-vector form.
func (d *decoder) readLength() (int64, error) {
	n, err := d.readInt()
	if err != nil {
		return 0, err
	}
	if n != -1 {
		if n < 0 {
			return 0, fmt.Errorf("%w: negative length %d", ErrFormat, n)
		}
		return int64(n), nil
	}
	hi, err := d.readInt()
	if err != nil {
		return 0, err
	}
	lo, err := d.readInt()
	if err != nil {
		return 0, err
	}
	return int64(uint32(hi))<<32 | int64(uint32(lo)), nil
}

func (d *decoder) readItem() (*Object, error) {
	flags, err := d.readInt()
	if err != nil {
		return nil, err
	}
	return d.readBody(flags)
}

func (d *decoder) readBody(flags int32) (*Object, error) {
	typ := uint8(flags & 0xff)
	levels := flags >> 12
	isObj := flags&isObjectBit != 0
	hasAttr := flags&hasAttrBit != 0

	var err error
	switch typ {
	case nilValueSXP:
		return nilObject, nil
	case emptyEnvSXP, baseEnvSXP, globalEnvSXP, baseNamespaceSXP:
		return &Object{Type: EnvSXP}, nil
	case unboundValueSXP, missingArgSXP:
		return &Object{Type: SymSXP}, nil
	case refSXP:
		idx := flags >> 8
		if idx == 0 {
			if idx, err = d.readInt(); err != nil {
				return nil, err
			}
		}
		if idx < 1 || int(idx) > len(d.refs) {
			return nil, fmt.Errorf("%w: reference %d out of range", ErrFormat, idx)
		}
		return d.refs[idx-1], nil
	case persistSXP, packageSXP, namespaceSXP:
		names, err := d.readStringVec()
		if err != nil {
			return nil, err
		}
		obj := &Object{Type: EnvSXP, Strings: names}
		d.refs = append(d.refs, obj)
		return obj, nil
	case uint8(SymSXP):
		name, err := d.readItem()
		if err != nil {
			return nil, err
		}
		obj := &Object{Type: SymSXP, Name: symbolName(name)}
		d.refs = append(d.refs, obj)
		return obj, nil
	case uint8(EnvSXP):
		return d.readEnv(isObj)
	case uint8(ListSXP), uint8(LangSXP), uint8(CloSXP), uint8(PromSXP), uint8(DotSXP), attrListSXP, attrLangSXP:
		return d.readPairlist(flags)
	case altrepSXP:
		return d.readAltrep(isObj)
	case genericRefSXP, classRefSXP:
		return nil, fmt.Errorf("%w: reference class item %d", ErrUnsupported, typ)
	case uint8(BCodeSXP):
		return nil, fmt.Errorf("%w: byte code", ErrUnsupported)
	}

	obj := &Object{Type: Type(typ), IsObject: isObj}
	switch Type(typ) {
	case CharSXP:
		s, na, err := d.readChars(levels)
		if err != nil {
			return nil, err
		}
		obj.Strings, obj.NA = []string{s}, []bool{na}
		return obj, nil
	case SpecialSXP, BuiltinSXP:
		n, err := d.readInt()
		if err != nil {
			return nil, err
		}
		b, err := d.readBytes(int64(n))
		if err != nil {
			return nil, err
		}
		obj.Name = string(b)
	case ExtPtrSXP:
		d.refs = append(d.refs, obj)
		prot, err := d.readItem()
		if err != nil {
			return nil, err
		}
		tag, err := d.readItem()
		if err != nil {
			return nil, err
		}
		obj.Items = []*Object{prot, tag}
	case WeakRefSXP:
		d.refs = append(d.refs, obj)
	case LglSXP, IntSXP:
		if obj.Ints, err = d.readInts(); err != nil {
			return nil, err
		}
	case RealSXP:
		if obj.Reals, err = d.readReals(); err != nil {
			return nil, err
		}
	case CplxSXP:
		n, err := d.readLength()
		if err != nil {
			return nil, err
		}
		obj.Complex = make([]complex128, 0, min(n, chunk))
		for range n {
			re, err := d.readDouble()
			if err != nil {
				return nil, err
			}
			im, err := d.readDouble()
			if err != nil {
				return nil, err
			}
			obj.Complex = append(obj.Complex, complex(re, im))
		}
	case StrSXP:
		n, err := d.readLength()
		if err != nil {
			return nil, err
		}
		obj.Strings = make([]string, 0, min(n, chunk))
		obj.NA = make([]bool, 0, min(n, chunk))
		for range n {
			item, err := d.readItem()
			if err != nil {
				return nil, err
			}
			if item.Type != CharSXP {
				return nil, fmt.Errorf("%w: character vector element of type %d", ErrFormat, item.Type)
			}
			obj.Strings = append(obj.Strings, item.Strings[0])
			obj.NA = append(obj.NA, item.NA[0])
		}
	case VecSXP, ExprSXP:
		n, err := d.readLength()
		if err != nil {
			return nil, err
		}
		obj.Items = make([]*Object, 0, min(n, chunk))
		for range n {
			item, err := d.readItem()
			if err != nil {
				return nil, err
			}
			obj.Items = append(obj.Items, item)
		}
	case RawSXP:
		n, err := d.readLength()
		if err != nil {
			return nil, err
		}
		if obj.Bytes, err = d.readBytes(n); err != nil {
			return nil, err
		}
	case S4SXP:
	default:
		return nil, fmt.Errorf("%w: unknown item type %d", ErrFormat, typ)
	}

	if hasAttr {
		attr, err := d.readItem()
		if err != nil {
			return nil, err
		}
		obj.setAttributes(attr)
	}
	return obj, nil
}

func (d *decoder) readStringVec() ([]string, error) {
	if _, err := d.readInt(); err != nil {
		return nil, err
	}
	n, err := d.readLength()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, min(n, chunk))
	for range n {
		item, err := d.readItem()
		if err != nil {
			return nil, err
		}
		out = append(out, symbolName(item))
	}
	return out, nil
}

func (d *decoder) readChars(levels int32) (string, bool, error) {
	n, err := d.readInt()
	if err != nil {
		return "", false, err
	}
	if n == -1 {
		return "", true, nil
	}
	b, err := d.readBytes(int64(n))
	if err != nil {
		return "", false, err
	}
	if levels&latin1Mask != 0 {
		runes := make([]rune, len(b))
		for i, c := range b {
			runes[i] = rune(c)
		}
		return string(runes), false, nil
	}
	return string(b), false, nil
}

func (d *decoder) readInts() ([]int32, error) {
	n, err := d.readLength()
	if err != nil {
		return nil, err
	}
	out := make([]int32, 0, min(n, chunk))
	for range n {
		v, err := d.readInt()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *decoder) readReals() ([]float64, error) {
	n, err := d.readLength()
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, min(n, chunk))
	for range n {
		v, err := d.readDouble()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *decoder) readEnv(isObj bool) (*Object, error) {
	// locked flag
	if _, err := d.readInt(); err != nil {
		return nil, err
	}
	obj := &Object{Type: EnvSXP, IsObject: isObj}
	d.refs = append(d.refs, obj)

	var parts [3]*Object
	for i := range parts {
		p, err := d.readItem()
		if err != nil {
			return nil, err
		}
		parts[i] = p
	}
	// enclosure, frame and hash table are kept for completeness only
	obj.Items = parts[:]
	attr, err := d.readItem()
	if err != nil {
		return nil, err
	}
	obj.setAttributes(attr)
	return obj, nil
}

func isPairlist(typ uint8) bool {
	switch typ {
	case uint8(ListSXP), uint8(LangSXP), uint8(CloSXP), uint8(PromSXP), uint8(DotSXP), attrListSXP, attrLangSXP:
		return true
	}
	return false
}

// readPairlist walks a cons chain iteratively; long attribute lists and saved
// workspaces would otherwise recurse once per node.
func (d *decoder) readPairlist(flags int32) (*Object, error) {
	typ := Type(flags & 0xff)
	switch uint8(typ) {
	case attrListSXP:
		typ = ListSXP
	case attrLangSXP:
		typ = LangSXP
	}
	obj := &Object{Type: typ, IsObject: flags&isObjectBit != 0}

	first := true
	for {
		if flags&hasAttrBit != 0 || uint8(flags) == attrListSXP || uint8(flags) == attrLangSXP {
			attr, err := d.readItem()
			if err != nil {
				return nil, err
			}
			if first {
				obj.setAttributes(attr)
			}
		}
		tag := ""
		if flags&hasTagBit != 0 {
			t, err := d.readItem()
			if err != nil {
				return nil, err
			}
			tag = symbolName(t)
		}
		car, err := d.readItem()
		if err != nil {
			return nil, err
		}
		obj.Items = append(obj.Items, car)
		obj.Tags = append(obj.Tags, tag)
		first = false

		if flags, err = d.readInt(); err != nil {
			return nil, err
		}
		switch next := uint8(flags); {
		case next == nilValueSXP:
			return obj, nil
		case isPairlist(next):
			continue
		default:
			tail, err := d.readBody(flags)
			if err != nil {
				return nil, err
			}
			obj.Items = append(obj.Items, tail)
			obj.Tags = append(obj.Tags, "")
			return obj, nil
		}
	}
}

// readAltrep expands the compact representations R writes for sequences,
// deferred string conversions and wrapper objects.
func (d *decoder) readAltrep(isObj bool) (*Object, error) {
	info, err := d.readItem()
	if err != nil {
		return nil, err
	}
	state, err := d.readItem()
	if err != nil {
		return nil, err
	}
	attr, err := d.readItem()
	if err != nil {
		return nil, err
	}
	if len(info.Items) == 0 {
		return nil, fmt.Errorf("%w: altrep without class information", ErrFormat)
	}

	class := symbolName(info.Items[0])
	var obj *Object
	switch class {
	case "compact_intseq":
		n, start, step, err := seqState(state)
		if err != nil {
			return nil, err
		}
		obj = &Object{Type: IntSXP, Ints: make([]int32, 0, min(n, chunk))}
		for i := range n {
			obj.Ints = append(obj.Ints, int32(start+float64(i)*step))
		}
	case "compact_realseq":
		n, start, step, err := seqState(state)
		if err != nil {
			return nil, err
		}
		obj = &Object{Type: RealSXP, Reals: make([]float64, 0, min(n, chunk))}
		for i := range n {
			obj.Reals = append(obj.Reals, start+float64(i)*step)
		}
	case "deferred_string":
		if len(state.Items) == 0 {
			return nil, fmt.Errorf("%w: empty deferred_string state", ErrFormat)
		}
		obj = deferredStrings(state.Items[0])
	case "wrap_integer", "wrap_logical", "wrap_real", "wrap_complex", "wrap_string", "wrap_list", "wrap_raw":
		if len(state.Items) == 0 {
			return nil, fmt.Errorf("%w: empty %s state", ErrFormat, class)
		}
		inner := *state.Items[0]
		obj = &inner
		obj.Attributes = nil
	default:
		return nil, fmt.Errorf("%w: altrep class %q", ErrUnsupported, class)
	}

	obj.IsObject = isObj
	obj.setAttributes(attr)
	return obj, nil
}

func seqState(state *Object) (n int64, start, step float64, err error) {
	switch {
	case state.Type == RealSXP && len(state.Reals) == 3:
		return int64(state.Reals[0]), state.Reals[1], state.Reals[2], nil
	case state.Type == IntSXP && len(state.Ints) == 3:
		return int64(state.Ints[0]), float64(state.Ints[1]), float64(state.Ints[2]), nil
	}
	return 0, 0, 0, fmt.Errorf("%w: malformed compact sequence state", ErrFormat)
}

func deferredStrings(src *Object) *Object {
	out := &Object{Type: StrSXP}
	switch src.Type {
	case IntSXP, LglSXP:
		for _, v := range src.Ints {
			if v == NAInteger {
				out.Strings = append(out.Strings, "")
				out.NA = append(out.NA, true)
				continue
			}
			out.Strings = append(out.Strings, strconv.Itoa(int(v)))
			out.NA = append(out.NA, false)
		}
	case RealSXP:
		for _, v := range src.Reals {
			if math.IsNaN(v) {
				out.Strings = append(out.Strings, "")
				out.NA = append(out.NA, true)
				continue
			}
			out.Strings = append(out.Strings, strconv.FormatFloat(v, 'g', 15, 64))
			out.NA = append(out.NA, false)
		}
	}
	return out
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
