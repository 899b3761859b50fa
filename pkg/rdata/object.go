// Package rdata reads and writes R's XDR serialization format as used by
// .RData and .rds files.
package rdata

import (
	"errors"
	"slices"
)

var (
	// ErrFormat is returned when the input is not an XDR serialization stream.
	ErrFormat = errors.New("not an R data stream")
	// ErrUnsupported is returned for valid streams using features this package
	// does not decode.
	ErrUnsupported = errors.New("unsupported R data feature")
	// ErrNoDataFrame is returned when a file holds no data.frame object.
	ErrNoDataFrame = errors.New("no data.frame in file")
)

// Type is an R SEXP type code.
type Type uint8

const (
	NilSXP     Type = 0
	SymSXP     Type = 1
	ListSXP    Type = 2
	CloSXP     Type = 3
	EnvSXP     Type = 4
	PromSXP    Type = 5
	LangSXP    Type = 6
	SpecialSXP Type = 7
	BuiltinSXP Type = 8
	CharSXP    Type = 9
	LglSXP     Type = 10
	IntSXP     Type = 13
	RealSXP    Type = 14
	CplxSXP    Type = 15
	StrSXP     Type = 16
	DotSXP     Type = 17
	VecSXP     Type = 19
	ExprSXP    Type = 20
	BCodeSXP   Type = 21
	ExtPtrSXP  Type = 22
	WeakRefSXP Type = 23
	RawSXP     Type = 24
	S4SXP      Type = 25
)

// Pseudo types that only occur in the serialized stream.
const (
	altrepSXP        = 238
	attrListSXP      = 239
	attrLangSXP      = 240
	baseEnvSXP       = 241
	emptyEnvSXP      = 242
	genericRefSXP    = 245
	classRefSXP      = 246
	persistSXP       = 247
	packageSXP       = 248
	namespaceSXP     = 249
	baseNamespaceSXP = 250
	missingArgSXP    = 251
	unboundValueSXP  = 252
	globalEnvSXP     = 253
	nilValueSXP      = 254
	refSXP           = 255
)

// Flag bits of an item header.
const (
	isObjectBit = 1 << 8
	hasAttrBit  = 1 << 9
	hasTagBit   = 1 << 10
)

// CHARSXP encoding bits, stored in the levels field.
const (
	latin1Mask = 1 << 2
	utf8Mask   = 1 << 3
	asciiMask  = 1 << 6
)

// NAInteger is R's missing integer.
const NAInteger int32 = -1 << 31

// Attribute is one entry of an object's attribute pairlist.
type Attribute struct {
	Name  string
	Value *Object
}

// Object is a decoded SEXP. The populated payload field depends on Type:
// Ints for logical and integer vectors, Reals, Complex, Strings with NA for
// character vectors, Items with Tags for generic vectors and pairlists, Bytes
// for raw vectors and Name for symbols.
type Object struct {
	Type       Type
	IsObject   bool
	Attributes []Attribute

	Ints    []int32
	Reals   []float64
	Complex []complex128
	Strings []string
	NA      []bool
	Items   []*Object
	Tags    []string
	Bytes   []byte
	Name    string
}

var nilObject = &Object{Type: NilSXP}

// Attr returns the named attribute or nil.
func (o *Object) Attr(name string) *Object {
	if o == nil {
		return nil
	}
	for _, a := range o.Attributes {
		if a.Name == name {
			return a.Value
		}
	}
	return nil
}

// Class returns the class attribute.
func (o *Object) Class() []string {
	c := o.Attr("class")
	if c == nil || c.Type != StrSXP {
		return nil
	}
	return c.Strings
}

// Inherits reports whether class is among the object's classes.
func (o *Object) Inherits(class string) bool {
	return slices.Contains(o.Class(), class)
}

// Len returns the vector length of o.
func (o *Object) Len() int {
	switch o.Type {
	case LglSXP, IntSXP:
		return len(o.Ints)
	case RealSXP:
		return len(o.Reals)
	case CplxSXP:
		return len(o.Complex)
	case StrSXP, CharSXP:
		return len(o.Strings)
	case VecSXP, ExprSXP, ListSXP, LangSXP:
		return len(o.Items)
	case RawSXP:
		return len(o.Bytes)
	default:
		return 0
	}
}

// setAttributes flattens an attribute pairlist onto o.
func (o *Object) setAttributes(list *Object) {
	if list == nil || list.Type == NilSXP {
		return
	}
	for i, item := range list.Items {
		o.Attributes = append(o.Attributes, Attribute{Name: list.Tags[i], Value: item})
	}
}

// symbolName returns the printable name of a tag item.
func symbolName(o *Object) string {
	switch {
	case o == nil:
		return ""
	case o.Type == SymSXP:
		return o.Name
	case o.Type == CharSXP && len(o.Strings) == 1:
		return o.Strings[0]
	default:
		return ""
	}
}

// Named is a top-level object of an .RData file.
type Named struct {
	Name   string
	Object *Object
}

// File is a decoded serialization stream.
type File struct {
	// Version is the serialization format version, 2 or 3.
	Version int
	// Encoding is the native encoding recorded by version 3 streams.
	Encoding string
	// Objects holds the saved objects in file order; an .rds stream holds a
	// single unnamed object.
	Objects []Named
}

// FirstDataFrame returns the first object classed data.frame.
func (f *File) FirstDataFrame() (Named, error) {
	for _, n := range f.Objects {
		if n.Object.Type == VecSXP && n.Object.Inherits("data.frame") {
			return n, nil
		}
	}
	return Named{}, ErrNoDataFrame
}
