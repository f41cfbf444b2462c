package abi

import (
	"fmt"
	"strings"
)

// Kind is the semantic classification of a parameter type.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindFloat
	KindComposite
	KindIntegral
	KindPointer
)

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindComposite:
		return "composite"
	case KindIntegral:
		return "integral"
	case KindPointer:
		return "pointer"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParameterDescriptor describes one parameter, return or field type as
// reported by the type-reflection capability.
type ParameterDescriptor struct {
	Name    string
	Kind    Kind
	Size    int
	Align   int
	Boolean bool
	Fields  []FieldDescriptor
}

// FieldDescriptor is one member of a composite type. Offset is measured from
// the start of the boxed object; BoxedCorrection is added to it when the
// owning instance is an unboxed value type.
type FieldDescriptor struct {
	Name            string
	Type            ParameterDescriptor
	Offset          int
	BoxedCorrection int
}

// Common scalar descriptors.
var (
	Bool    = ParameterDescriptor{Name: "bool", Kind: KindIntegral, Size: 1, Align: 1, Boolean: true}
	Int8    = ParameterDescriptor{Name: "int8", Kind: KindIntegral, Size: 1, Align: 1}
	Int16   = ParameterDescriptor{Name: "int16", Kind: KindIntegral, Size: 2, Align: 2}
	Int32   = ParameterDescriptor{Name: "int32", Kind: KindIntegral, Size: 4, Align: 4}
	Int64   = ParameterDescriptor{Name: "int64", Kind: KindIntegral, Size: 8, Align: 8}
	Float32 = ParameterDescriptor{Name: "float32", Kind: KindFloat, Size: 4, Align: 4}
	Float64 = ParameterDescriptor{Name: "float64", Kind: KindFloat, Size: 8, Align: 8}
	Pointer = ParameterDescriptor{Name: "pointer", Kind: KindPointer, Size: 8, Align: 8}
)

// Struct builds a composite descriptor with C layout rules from the given
// named members.
func Struct(name string, members ...FieldDescriptor) ParameterDescriptor {
	d := ParameterDescriptor{Name: name, Kind: KindComposite, Align: 1}
	off := 0
	for _, m := range members {
		a := m.Type.Align
		if a < 1 {
			a = 1
		}
		off = alignUp(off, a)
		m.Offset = off
		off += m.Type.Size
		if a > d.Align {
			d.Align = a
		}
		d.Fields = append(d.Fields, m)
	}
	d.Size = alignUp(off, d.Align)
	return d
}

// Field is shorthand for an unplaced FieldDescriptor used with Struct.
func Field(name string, t ParameterDescriptor) FieldDescriptor {
	return FieldDescriptor{Name: name, Type: t}
}

// FieldByName returns the index of the named field, or -1.
func (d ParameterDescriptor) FieldByName(name string) int {
	for i, f := range d.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// HFA reports whether d is a homogeneous floating-point aggregate and, if so,
// its member count and whether the members are doubles.
func (d ParameterDescriptor) HFA() (members int, double bool, ok bool) {
	if d.Kind != KindComposite {
		return 0, false, false
	}
	elem := 0
	n := 0
	if !collectFloats(d, &elem, &n) || n == 0 || n > 4 {
		return 0, false, false
	}
	if n*elem != d.Size {
		return 0, false, false
	}
	return n, elem == 8, true
}

func collectFloats(d ParameterDescriptor, elem, n *int) bool {
	switch d.Kind {
	case KindFloat:
		if *elem != 0 && *elem != d.Size {
			return false
		}
		*elem = d.Size
		*n++
		return true
	case KindComposite:
		if len(d.Fields) == 0 {
			return false
		}
		for _, f := range d.Fields {
			if !collectFloats(f.Type, elem, n) {
				return false
			}
		}
		return true
	}
	return false
}

// Equal reports whether two descriptors denote the same type shape. Names are
// only compared when both sides carry one.
func (d ParameterDescriptor) Equal(o ParameterDescriptor) bool {
	if d.Kind != o.Kind || d.Size != o.Size || d.Boolean != o.Boolean {
		return false
	}
	if d.Name != "" && o.Name != "" && d.Name != o.Name {
		return false
	}
	if d.Kind != KindComposite {
		return true
	}
	if len(d.Fields) != len(o.Fields) {
		return false
	}
	for i := range d.Fields {
		if d.Fields[i].Offset != o.Fields[i].Offset || !d.Fields[i].Type.Equal(o.Fields[i].Type) {
			return false
		}
	}
	return true
}

// PointerLike reports whether values of d fit a single general register as an
// address.
func (d ParameterDescriptor) PointerLike() bool {
	return d.Kind == KindPointer && d.Size == 8
}

func (d ParameterDescriptor) String() string {
	if d.Name != "" {
		return d.Name
	}
	if d.Kind != KindComposite {
		return fmt.Sprintf("%s%d", d.Kind, d.Size*8)
	}
	var b strings.Builder
	b.WriteString("{")
	for i, f := range d.Fields {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(f.Type.String())
	}
	b.WriteString("}")
	return b.String()
}

func alignUp(v, a int) int {
	if a <= 1 {
		return v
	}
	return (v + a - 1) / a * a
}
