package hookgen

import (
	"errors"
	"fmt"
	"strings"

	"github.com/k2io/hookgen/internal/abi"
)

var (
	// ErrValidation matches every ValidationError.
	ErrValidation = errors.New("invalid hook request")
	// ErrUnresolvedName means a parameter or field could not be found.
	ErrUnresolvedName = errors.New("unresolved name")
	// ErrTypeMismatch means an injected parameter does not accept its source.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrNonStatic means an injected function takes an instance.
	ErrNonStatic = errors.New("injected function is not static")
	// ErrNoInstance means an instance source was used on a static original.
	ErrNoInstance = errors.New("original function has no instance")
	// ErrArity means the injections do not cover the parameters exactly.
	ErrArity = errors.New("injection count does not match parameters")
	// ErrFrameTooLarge means the trampoline frame cannot be addressed.
	ErrFrameTooLarge = errors.New("trampoline frame too large")
	// ErrNoAddress means a function entry address is missing.
	ErrNoAddress = errors.New("missing function address")
)

// ValidationError rejects a HookRequest before any code is emitted. Call and
// Param are -1 when the error is not specific to one.
type ValidationError struct {
	Call   int
	Callee string
	Param  int
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("hookgen: ")
	if e.Call >= 0 {
		fmt.Fprintf(&b, "call %d", e.Call)
		if e.Callee != "" {
			fmt.Fprintf(&b, " (%s)", e.Callee)
		}
		if e.Param >= 0 {
			fmt.Fprintf(&b, " param %d", e.Param)
		}
		b.WriteString(": ")
	}
	b.WriteString(e.Err.Error())
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// source is a ParameterInjection with names resolved.
type source struct {
	kind        SourceKind
	index       int
	byRef       bool
	fieldOffset int
}

type plannedCall struct {
	InjectedCall
	layout     *abi.CallLayout
	sources    []source
	boolReturn bool
}

// plan is a validated HookRequest.
type plan struct {
	req      *HookRequest
	layout   *abi.CallLayout
	ret      *abi.Argument
	calls    []plannedCall
	scratch  bool
	maxStack int
}

func validate(req *HookRequest) (*plan, error) {
	if req == nil {
		return nil, &ValidationError{Call: -1, Param: -1, Err: ErrNoAddress, Reason: "nil request"}
	}
	orig := req.Original.Sig
	p := &plan{req: req}
	var err error
	if p.layout, err = orig.Layout(); err != nil {
		return nil, fmt.Errorf("classify %s: %w", orig.Name, err)
	}
	if p.ret, err = abi.ClassifyReturn(orig.Return); err != nil {
		return nil, fmt.Errorf("classify %s: %w", orig.Name, err)
	}
	p.maxStack = p.layout.StackBytes

	for ci, call := range req.Calls {
		pc, err := p.resolveCall(ci, call)
		if err != nil {
			return nil, err
		}
		if pc.layout.StackBytes > p.maxStack {
			p.maxStack = pc.layout.StackBytes
		}
		p.calls = append(p.calls, pc)
	}
	return p, nil
}

func (p *plan) resolveCall(ci int, call InjectedCall) (plannedCall, error) {
	fail := func(param int, err error, format string, args ...any) (plannedCall, error) {
		return plannedCall{}, &ValidationError{
			Call:   ci,
			Callee: call.Sig.Name,
			Param:  param,
			Err:    err,
			Reason: fmt.Sprintf(format, args...),
		}
	}
	if call.Addr == 0 {
		return fail(-1, ErrNoAddress, "injected function has no entry")
	}
	if call.Sig.Instance {
		return fail(-1, ErrNonStatic, "")
	}
	if len(call.Inject) != len(call.Sig.Params) {
		return fail(-1, ErrArity, "%d injections for %d parameters", len(call.Inject), len(call.Sig.Params))
	}
	layout, err := call.Sig.Layout()
	if err != nil {
		return plannedCall{}, fmt.Errorf("classify %s: %w", call.Sig.Name, err)
	}
	ret, err := abi.ClassifyReturn(call.Sig.Return)
	if err != nil {
		return plannedCall{}, fmt.Errorf("classify %s: %w", call.Sig.Name, err)
	}
	if ret != nil && ret.Indirect {
		return fail(-1, ErrTypeMismatch, "injected function returns %s in memory", ret.Type)
	}
	pc := plannedCall{InjectedCall: call, layout: layout}
	if r := call.Sig.Return; r != nil && r.Boolean {
		pc.boolReturn = true
	}

	orig := p.req.Original
	for pi, inj := range call.Inject {
		want := call.Sig.Params[pi].Type
		src := source{kind: inj.Kind, byRef: inj.ByRef, index: inj.Index}
		if inj.ByRef && !want.PointerLike() {
			return fail(pi, ErrTypeMismatch, "by-reference %s needs a pointer parameter, have %s", inj.Kind, want)
		}
		var have abi.ParameterDescriptor
		switch inj.Kind {
		case SourceOriginalParam:
			if inj.Name != "" {
				src.index = orig.Sig.ParamByName(inj.Name)
			}
			if src.index < 0 || src.index >= len(orig.Sig.Params) {
				return fail(pi, ErrUnresolvedName, "no parameter %q (index %d) on %s", inj.Name, inj.Index, orig.Sig.Name)
			}
			have = orig.Sig.Params[src.index].Type

		case SourceLoadField:
			if !orig.Sig.Instance || orig.Sig.DeclaringType == nil {
				return fail(pi, ErrNoInstance, "field access needs an instance method with a declaring type")
			}
			decl := orig.Sig.DeclaringType
			if inj.Name != "" {
				src.index = decl.FieldByName(inj.Name)
			}
			if src.index < 0 || src.index >= len(decl.Fields) {
				return fail(pi, ErrUnresolvedName, "no field %q (index %d) on %s", inj.Name, inj.Index, decl)
			}
			f := decl.Fields[src.index]
			src.fieldOffset = f.Offset
			if orig.ValueType {
				src.fieldOffset += f.BoxedCorrection
			}
			if src.fieldOffset < 0 || src.fieldOffset+f.Type.Size > 0xFFF {
				return fail(pi, ErrTypeMismatch, "field %s at offset %d is not addressable", f.Name, src.fieldOffset)
			}
			have = f.Type
			if !inj.ByRef && want.Kind == abi.KindComposite {
				if _, _, hfa := want.HFA(); !hfa && want.Size <= 16 {
					p.scratch = true
				}
			}

		case SourceInstance:
			if !orig.Sig.Instance {
				return fail(pi, ErrNoInstance, "")
			}
			if !want.PointerLike() {
				return fail(pi, ErrTypeMismatch, "instance needs a pointer parameter, have %s", want)
			}
			have = want

		case SourceResult:
			if orig.Sig.Return == nil {
				return fail(pi, ErrTypeMismatch, "%s returns void", orig.Sig.Name)
			}
			have = *orig.Sig.Return

		case SourceRunOriginal:
			if want.Kind != abi.KindIntegral || inj.ByRef {
				return fail(pi, ErrTypeMismatch, "run-original flag needs an integral parameter, have %s", want)
			}
			have = want

		default:
			return fail(pi, ErrTypeMismatch, "unknown source %s", inj.Kind)
		}
		if !inj.ByRef && !want.Equal(have) {
			return fail(pi, ErrTypeMismatch, "parameter is %s, source is %s", want, have)
		}
		pc.sources = append(pc.sources, src)
	}
	return pc, nil
}
