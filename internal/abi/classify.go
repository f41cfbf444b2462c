package abi

import (
	"errors"
	"fmt"
)

const (
	// NumGPRs and NumVecRegs are the argument registers x0-x7 and v0-v7.
	NumGPRs    = 8
	NumVecRegs = 8

	// IndirectResultReg carries the caller-allocated result buffer for
	// composites returned in memory.
	IndirectResultReg = 8
)

// ErrUnsupportedLayout is wrapped by every LayoutError.
var ErrUnsupportedLayout = errors.New("unsupported parameter layout")

// LayoutError reports a type shape the classifier cannot place. It signals an
// unhandled case in the classifier rather than a caller mistake.
type LayoutError struct {
	Index  int
	Type   ParameterDescriptor
	Reason string
}

func (e *LayoutError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("abi: return type %s: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("abi: parameter %d (%s): %s", e.Index, e.Type, e.Reason)
}

func (e *LayoutError) Unwrap() error { return ErrUnsupportedLayout }

// Classify computes the AAPCS64 argument layout of params. If instance is set
// an implicit receiver takes x0 before the first declared parameter.
//
// The result depends only on its inputs.
func Classify(params []ParameterDescriptor, instance bool) (*CallLayout, error) {
	l := &CallLayout{Instance: instance, Args: make([]Argument, 0, len(params))}
	c := cursor{}
	if instance {
		l.Receiver = Argument{Type: Pointer, Storage: Storage{Kind: IntReg, Reg: 0}, Size: 8}
		c.ngrn = 1
	}
	for i, p := range params {
		arg, err := prepare(i, p)
		if err != nil {
			return nil, err
		}
		if err := c.allocate(i, &arg); err != nil {
			return nil, err
		}
		l.Args = append(l.Args, arg)
	}
	l.GPRs = c.ngrn
	l.VecRegs = c.nsrn
	l.StackBytes = c.nsaa
	return l, nil
}

// prepare is the per-parameter pre-pass.
func prepare(i int, p ParameterDescriptor) (Argument, error) {
	arg := Argument{Type: p, Size: p.Size}
	if p.Size <= 0 {
		return arg, &LayoutError{Index: i, Type: p, Reason: "non-positive size"}
	}
	if p.Kind != KindComposite {
		return arg, nil
	}
	if m, double, ok := p.HFA(); ok {
		arg.Members = m
		arg.Storage.Double = double
		return arg, nil
	}
	if p.Size > 16 {
		arg.Indirect = true
		arg.Size = 8
		return arg, nil
	}
	arg.Size = alignUp(p.Size, 8)
	return arg, nil
}

type cursor struct {
	ngrn int
	nsrn int
	nsaa int
}

func (c *cursor) stack(arg *Argument, align int) {
	if align < 8 {
		align = 8
	}
	c.nsaa = alignUp(c.nsaa, align)
	arg.Storage.Kind = Stack
	arg.Storage.Offset = c.nsaa
	c.nsaa += alignUp(arg.Size, 8)
}

func (c *cursor) allocate(i int, arg *Argument) error {
	t := arg.Type
	switch {
	case arg.Indirect:
		return c.general(arg)

	case t.Kind == KindFloat:
		if t.Size != 4 && t.Size != 8 {
			return &LayoutError{Index: i, Type: t, Reason: "floating-point size must be 4 or 8"}
		}
		if c.nsrn < NumVecRegs {
			arg.Storage = Storage{Kind: VecReg, Reg: c.nsrn, Double: t.Size == 8}
			c.nsrn++
			return nil
		}
		arg.Storage.Double = t.Size == 8
		c.stack(arg, 8)
		return nil

	case arg.Members > 0:
		if c.nsrn+arg.Members <= NumVecRegs {
			arg.Storage = Storage{Kind: VecRegRange, Reg: c.nsrn, Count: arg.Members, Double: arg.Storage.Double}
			c.nsrn += arg.Members
			return nil
		}
		c.nsrn = NumVecRegs
		align := t.Align
		if align > 8 {
			align = 16
		}
		c.stack(arg, align)
		return nil

	case t.Kind == KindIntegral || t.Kind == KindPointer:
		if t.Size > 8 {
			return &LayoutError{Index: i, Type: t, Reason: "scalar wider than a general register"}
		}
		return c.general(arg)

	case t.Kind == KindComposite:
		if t.Align >= 16 {
			c.ngrn = alignUp(c.ngrn, 2)
		}
		n := arg.Size / 8
		if c.ngrn+n <= NumGPRs {
			arg.Storage = Storage{Kind: IntRegRange, Reg: c.ngrn, Count: n}
			c.ngrn += n
			return nil
		}
		c.ngrn = NumGPRs
		c.stack(arg, t.Align)
		return nil
	}
	return &LayoutError{Index: i, Type: t, Reason: "unclassifiable type kind " + t.Kind.String()}
}

func (c *cursor) general(arg *Argument) error {
	if c.ngrn < NumGPRs {
		arg.Storage = Storage{Kind: IntReg, Reg: c.ngrn}
		c.ngrn++
		return nil
	}
	c.stack(arg, 8)
	return nil
}

// ClassifyReturn places a return value. It returns nil for void. Composites
// returned in memory report Indirect with storage x8, the caller's result
// buffer pointer.
func ClassifyReturn(ret *ParameterDescriptor) (*Argument, error) {
	if ret == nil {
		return nil, nil
	}
	arg, err := prepare(-1, *ret)
	if err != nil {
		return nil, err
	}
	t := arg.Type
	switch {
	case arg.Indirect:
		arg.Storage = Storage{Kind: IntReg, Reg: IndirectResultReg}
	case t.Kind == KindFloat:
		if t.Size != 4 && t.Size != 8 {
			return nil, &LayoutError{Index: -1, Type: t, Reason: "floating-point size must be 4 or 8"}
		}
		arg.Storage = Storage{Kind: VecReg, Double: t.Size == 8}
	case arg.Members > 0:
		arg.Storage = Storage{Kind: VecRegRange, Count: arg.Members, Double: arg.Storage.Double}
	case t.Kind == KindIntegral || t.Kind == KindPointer:
		if t.Size > 8 {
			return nil, &LayoutError{Index: -1, Type: t, Reason: "scalar wider than a general register"}
		}
		arg.Storage = Storage{Kind: IntReg}
	case t.Kind == KindComposite:
		arg.Storage = Storage{Kind: IntRegRange, Count: arg.Size / 8}
	default:
		return nil, &LayoutError{Index: -1, Type: t, Reason: "unclassifiable type kind " + t.Kind.String()}
	}
	return &arg, nil
}
