package hookgen

import (
	"fmt"

	"github.com/k2io/hookgen/internal/abi"
)

// SourceKind selects where an injected parameter's value comes from.
type SourceKind uint8

const (
	// SourceOriginalParam passes one of the hooked call's parameters.
	SourceOriginalParam SourceKind = iota
	// SourceLoadField passes a field of the hooked call's instance.
	SourceLoadField
	// SourceInstance passes the hooked call's instance pointer.
	SourceInstance
	// SourceResult passes the hooked call's return value.
	SourceResult
	// SourceRunOriginal passes the current run-original flag.
	SourceRunOriginal
)

func (k SourceKind) String() string {
	switch k {
	case SourceOriginalParam:
		return "param"
	case SourceLoadField:
		return "field"
	case SourceInstance:
		return "instance"
	case SourceResult:
		return "result"
	case SourceRunOriginal:
		return "run-original"
	}
	return fmt.Sprintf("source(%d)", uint8(k))
}

// ParameterInjection describes the value passed for one parameter of an
// injected call. Parameters and fields are selected by Index, or by Name when
// Name is set.
type ParameterInjection struct {
	Kind  SourceKind
	Index int
	Name  string
	ByRef bool
}

// OriginalParam passes parameter idx of the hooked call, or its address.
func OriginalParam(idx int, byRef bool) ParameterInjection {
	return ParameterInjection{Kind: SourceOriginalParam, Index: idx, ByRef: byRef}
}

// NamedParam is OriginalParam selecting the parameter by name.
func NamedParam(name string, byRef bool) ParameterInjection {
	return ParameterInjection{Kind: SourceOriginalParam, Name: name, ByRef: byRef}
}

// LoadField passes field idx of the instance, or its address.
func LoadField(idx int, byRef bool) ParameterInjection {
	return ParameterInjection{Kind: SourceLoadField, Index: idx, ByRef: byRef}
}

// NamedField is LoadField selecting the field by name.
func NamedField(name string, byRef bool) ParameterInjection {
	return ParameterInjection{Kind: SourceLoadField, Name: name, ByRef: byRef}
}

// Instance passes the instance pointer.
func Instance() ParameterInjection {
	return ParameterInjection{Kind: SourceInstance}
}

// Result passes the return value, or the address of the return slot.
func Result(byRef bool) ParameterInjection {
	return ParameterInjection{Kind: SourceResult, ByRef: byRef}
}

// RunOriginal passes the run-original flag.
func RunOriginal() ParameterInjection {
	return ParameterInjection{Kind: SourceRunOriginal}
}

// Placement orders an injected call relative to the original.
type Placement uint8

const (
	// Before calls run ahead of the original and may veto it by returning
	// false.
	Before Placement = iota
	// After calls run once the original has returned (or been skipped).
	After
)

// InjectedCall is a static native function invoked by the trampoline.
type InjectedCall struct {
	Addr      uintptr
	Sig       abi.Signature
	Inject    []ParameterInjection
	Placement Placement
}

// OriginalFunction describes the function being hooked. ValueType marks an
// instance method on an unboxed value type, whose field offsets take the
// boxed-header correction.
type OriginalFunction struct {
	Sig       abi.Signature
	Entry     uintptr
	ValueType bool
}

// HookRequest is one hook to compile and install.
type HookRequest struct {
	Original OriginalFunction
	Calls    []InjectedCall
}
