// Package ffi calls native code through an address paired with the signature
// it was generated for, instead of casting raw pointers to Go funcs.
package ffi

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/ebitengine/purego"

	"github.com/k2io/hookgen/internal/abi"
)

// maxArgs is the most arguments purego.SyscallN forwards.
const maxArgs = 15

var (
	// ErrSignature means the call does not match the function's signature.
	ErrSignature = errors.New("call does not match native signature")
	// ErrNilFunc means the function has no address.
	ErrNilFunc = errors.New("nil native function")
)

// Func is a native function pointer of known signature.
type Func struct {
	Addr uintptr
	Sig  abi.Signature
}

// New pairs addr with sig.
func New(addr uintptr, sig abi.Signature) Func {
	return Func{Addr: addr, Sig: sig}
}

func wordSized(d abi.ParameterDescriptor) bool {
	switch d.Kind {
	case abi.KindIntegral, abi.KindPointer:
		return d.Size <= 8
	case abi.KindComposite:
		// Passed by reference once it no longer fits two registers.
		_, _, hfa := d.HFA()
		return !hfa && d.Size > 16
	}
	return false
}

// registerResult reports whether a result comes back whole in x0. Memory
// results need an x8 buffer, which SyscallN never supplies.
func registerResult(d abi.ParameterDescriptor) bool {
	switch d.Kind {
	case abi.KindIntegral, abi.KindPointer:
		return d.Size <= 8
	}
	return false
}

// Call invokes a function whose receiver, parameters and result all travel in
// general registers. Arguments are raw register values; the receiver, if any,
// comes first.
func (f Func) Call(args ...uint64) (uint64, error) {
	if f.Addr == 0 {
		return 0, ErrNilFunc
	}
	want := len(f.Sig.Params)
	if f.Sig.Instance {
		want++
	}
	if len(args) != want {
		return 0, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrSignature, f.Sig.Name, want, len(args))
	}
	if len(args) > maxArgs {
		return 0, fmt.Errorf("%w: %d arguments exceed the limit of %d", ErrSignature, len(args), maxArgs)
	}
	for i, p := range f.Sig.Params {
		if !wordSized(p.Type) {
			return 0, fmt.Errorf("%w: parameter %d (%s) needs Bind", ErrSignature, i, p.Type)
		}
	}
	if r := f.Sig.Return; r != nil && !registerResult(*r) {
		return 0, fmt.Errorf("%w: result %s needs Bind", ErrSignature, r)
	}
	raw := make([]uintptr, len(args))
	for i, a := range args {
		raw[i] = uintptr(a)
	}
	r1, _, _ := purego.SyscallN(f.Addr, raw...)
	return uint64(r1), nil
}

// Bind points the func variable fptr at the native function after checking
// that its Go type agrees with the signature.
func (f Func) Bind(fptr any) (err error) {
	if f.Addr == 0 {
		return ErrNilFunc
	}
	v := reflect.ValueOf(fptr)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Func {
		return fmt.Errorf("%w: want pointer to func, got %T", ErrSignature, fptr)
	}
	ft := v.Elem().Type()
	params := f.Sig.Params
	in := 0
	if f.Sig.Instance {
		if ft.NumIn() == 0 {
			return fmt.Errorf("%w: missing receiver", ErrSignature)
		}
		if err := match("receiver", ft.In(0), abi.Pointer); err != nil {
			return err
		}
		in = 1
	}
	if ft.NumIn()-in != len(params) {
		return fmt.Errorf("%w: %s takes %d parameters, func has %d", ErrSignature, f.Sig.Name, len(params), ft.NumIn()-in)
	}
	for i, p := range params {
		if err := match(p.Name, ft.In(in+i), p.Type); err != nil {
			return err
		}
	}
	switch {
	case f.Sig.Return == nil && ft.NumOut() != 0:
		return fmt.Errorf("%w: void function bound to %d results", ErrSignature, ft.NumOut())
	case f.Sig.Return != nil:
		if ft.NumOut() != 1 {
			return fmt.Errorf("%w: want one result", ErrSignature)
		}
		if err := match("result", ft.Out(0), *f.Sig.Return); err != nil {
			return err
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ffi: bind %s: %v", f.Sig.Name, r)
		}
	}()
	purego.RegisterFunc(fptr, f.Addr)
	return nil
}

func match(name string, t reflect.Type, want abi.ParameterDescriptor) error {
	got, err := abi.FromReflect(t)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSignature, name, err)
	}
	if got.Kind != want.Kind || got.Size != want.Size {
		return fmt.Errorf("%w: %s is %s, native type is %s", ErrSignature, name, t, want)
	}
	return nil
}
