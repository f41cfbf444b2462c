package hookgen

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/k2io/hookgen/internal/abi"
)

var (
	// ErrUnknownType means a manifest names a type it does not declare.
	ErrUnknownType = errors.New("unknown type")
	// ErrUnresolvedSymbol means a symbol has no address.
	ErrUnresolvedSymbol = errors.New("unresolved symbol")
)

// Manifest declares hooks in YAML:
//
//	types:
//	  - name: vec2
//	    fields:
//	      - {name: x, type: float32}
//	      - {name: y, type: float32}
//	hooks:
//	  - function:
//	      symbol: player_move
//	      instance: true
//	      declaring_type: player
//	      params: [{name: delta, type: vec2}]
//	      return: bool
//	    calls:
//	      - symbol: on_move
//	        params: [{type: pointer}, {type: vec2}]
//	        return: bool
//	        inject: [instance, {param: delta}]
type Manifest struct {
	Types []TypeSpec `yaml:"types"`
	Hooks []HookSpec `yaml:"hooks"`
}

// TypeSpec declares a composite type. Fields without an offset are laid out
// with C rules; Size and Align override the computed values when set.
type TypeSpec struct {
	Name   string      `yaml:"name"`
	Size   int         `yaml:"size,omitempty"`
	Align  int         `yaml:"align,omitempty"`
	Fields []FieldSpec `yaml:"fields"`
}

// FieldSpec is one member of a TypeSpec.
type FieldSpec struct {
	Name            string `yaml:"name"`
	Type            string `yaml:"type"`
	Offset          *int   `yaml:"offset,omitempty"`
	BoxedCorrection int    `yaml:"boxed_correction,omitempty"`
}

// ParamSpec is a named parameter.
type ParamSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// FunctionSpec locates and describes a native function. Address takes
// precedence over Symbol.
type FunctionSpec struct {
	Name          string      `yaml:"name"`
	Symbol        string      `yaml:"symbol"`
	Address       uint64      `yaml:"address,omitempty"`
	Instance      bool        `yaml:"instance,omitempty"`
	DeclaringType string      `yaml:"declaring_type,omitempty"`
	ValueType     bool        `yaml:"value_type,omitempty"`
	Params        []ParamSpec `yaml:"params"`
	Return        string      `yaml:"return,omitempty"`
}

// CallSpec is an injected call.
type CallSpec struct {
	FunctionSpec `yaml:",inline"`
	Placement    string          `yaml:"placement,omitempty"`
	Inject       []InjectionSpec `yaml:"inject"`
}

// HookSpec is one hook request.
type HookSpec struct {
	Function FunctionSpec `yaml:"function"`
	Calls    []CallSpec   `yaml:"calls"`
}

// InjectionSpec is a ParameterInjection in YAML. It is either a bare source
// (instance, result, run_original) or a mapping with one of param, field or
// result, plus an optional by_ref.
type InjectionSpec struct {
	ParameterInjection
}

type injectionNode struct {
	Param  yaml.Node `yaml:"param"`
	Field  yaml.Node `yaml:"field"`
	Result bool      `yaml:"result"`
	ByRef  bool      `yaml:"by_ref"`
}

// UnmarshalYAML implements yaml.Unmarshaler for InjectionSpec.
func (s *InjectionSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		switch value.Value {
		case "instance":
			s.ParameterInjection = Instance()
		case "result":
			s.ParameterInjection = Result(false)
		case "run_original":
			s.ParameterInjection = RunOriginal()
		default:
			return fmt.Errorf("line %d: unknown injection %q", value.Line, value.Value)
		}
		return nil
	}
	var n injectionNode
	if err := value.Decode(&n); err != nil {
		return err
	}
	switch {
	case n.Param.Kind != 0:
		s.Kind = SourceOriginalParam
		return s.selector(&n.Param, n.ByRef)
	case n.Field.Kind != 0:
		s.Kind = SourceLoadField
		return s.selector(&n.Field, n.ByRef)
	case n.Result:
		s.ParameterInjection = Result(n.ByRef)
		return nil
	}
	return fmt.Errorf("line %d: injection needs param, field or result", value.Line)
}

// selector reads a parameter or field given by index or by name.
func (s *InjectionSpec) selector(n *yaml.Node, byRef bool) error {
	s.ByRef = byRef
	if n.Tag == "!!int" {
		i, err := strconv.Atoi(n.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		s.Index = i
		return nil
	}
	return n.Decode(&s.Name)
}

// ParseManifest decodes a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// LoadManifest reads and decodes the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return ParseManifest(data)
}

// Resolver maps symbol names to entry addresses.
type Resolver interface {
	Resolve(symbol string) (uintptr, error)
}

// SymbolTable resolves symbols from an object file's symbol table, adding
// Bias to every value to account for where the file is loaded.
type SymbolTable struct {
	Symbols map[string]uintptr
	Bias    uintptr
}

// LoadSymbolTable reads the symbols of the object file at path.
func LoadSymbolTable(path string, bias uintptr) (*SymbolTable, error) {
	syms, err := GetSymbols(path)
	if err != nil {
		return nil, err
	}
	return &SymbolTable{Symbols: syms, Bias: bias}, nil
}

// Resolve implements Resolver.
func (t *SymbolTable) Resolve(symbol string) (uintptr, error) {
	v, ok := t.Symbols[symbol]
	if !ok || v == 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnresolvedSymbol, symbol)
	}
	return v + t.Bias, nil
}

var builtinTypes = map[string]abi.ParameterDescriptor{
	"bool":    abi.Bool,
	"int8":    abi.Int8,
	"uint8":   abi.Int8,
	"int16":   abi.Int16,
	"uint16":  abi.Int16,
	"int32":   abi.Int32,
	"uint32":  abi.Int32,
	"int64":   abi.Int64,
	"uint64":  abi.Int64,
	"float32": abi.Float32,
	"float64": abi.Float64,
	"pointer": abi.Pointer,
}

type typeTable map[string]abi.ParameterDescriptor

func (tt typeTable) lookup(name string) (abi.ParameterDescriptor, error) {
	if d, ok := tt[name]; ok {
		return d, nil
	}
	if d, ok := builtinTypes[name]; ok {
		return d, nil
	}
	return abi.ParameterDescriptor{}, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// types builds descriptors in declaration order, so a type may only use
// types declared before it.
func (m *Manifest) types() (typeTable, error) {
	tt := make(typeTable, len(m.Types))
	for _, ts := range m.Types {
		fields := make([]abi.FieldDescriptor, len(ts.Fields))
		for i, fs := range ts.Fields {
			t, err := tt.lookup(fs.Type)
			if err != nil {
				return nil, fmt.Errorf("type %s field %s: %w", ts.Name, fs.Name, err)
			}
			fields[i] = abi.Field(fs.Name, t)
		}
		d := abi.Struct(ts.Name, fields...)
		for i, fs := range ts.Fields {
			if fs.Offset != nil {
				d.Fields[i].Offset = *fs.Offset
			}
			d.Fields[i].BoxedCorrection = fs.BoxedCorrection
		}
		if ts.Size > 0 {
			d.Size = ts.Size
		}
		if ts.Align > 0 {
			d.Align = ts.Align
		}
		tt[ts.Name] = d
	}
	return tt, nil
}

func (tt typeTable) signature(fs FunctionSpec) (abi.Signature, error) {
	sig := abi.Signature{Name: fs.Name, Instance: fs.Instance}
	if sig.Name == "" {
		sig.Name = fs.Symbol
	}
	for _, p := range fs.Params {
		t, err := tt.lookup(p.Type)
		if err != nil {
			return sig, fmt.Errorf("%s parameter %s: %w", sig.Name, p.Name, err)
		}
		sig.Params = append(sig.Params, abi.Param{Name: p.Name, Type: t})
	}
	if fs.Return != "" && fs.Return != "void" {
		t, err := tt.lookup(fs.Return)
		if err != nil {
			return sig, fmt.Errorf("%s result: %w", sig.Name, err)
		}
		sig.Return = &t
	}
	if fs.DeclaringType != "" {
		t, err := tt.lookup(fs.DeclaringType)
		if err != nil {
			return sig, fmt.Errorf("%s declaring type: %w", sig.Name, err)
		}
		sig.DeclaringType = &t
	}
	return sig, nil
}

func address(fs FunctionSpec, r Resolver) (uintptr, error) {
	if fs.Address != 0 {
		return uintptr(fs.Address), nil
	}
	if fs.Symbol == "" {
		return 0, fmt.Errorf("%w: %s has neither address nor symbol", ErrUnresolvedSymbol, fs.Name)
	}
	if r == nil {
		return 0, fmt.Errorf("%w: no resolver for %s", ErrUnresolvedSymbol, fs.Symbol)
	}
	return r.Resolve(fs.Symbol)
}

func placement(s string) (Placement, error) {
	switch s {
	case "", "before", "prefix":
		return Before, nil
	case "after", "postfix":
		return After, nil
	}
	return Before, fmt.Errorf("unknown placement %q", s)
}

// Requests turns the manifest into hook requests, resolving symbols with r.
// r may be nil when every function has a literal address.
func (m *Manifest) Requests(r Resolver) ([]*HookRequest, error) {
	tt, err := m.types()
	if err != nil {
		return nil, err
	}
	reqs := make([]*HookRequest, 0, len(m.Hooks))
	for hi, hs := range m.Hooks {
		req := &HookRequest{Original: OriginalFunction{ValueType: hs.Function.ValueType}}
		if req.Original.Sig, err = tt.signature(hs.Function); err != nil {
			return nil, fmt.Errorf("hook %d: %w", hi, err)
		}
		if req.Original.Entry, err = address(hs.Function, r); err != nil {
			return nil, fmt.Errorf("hook %d: %w", hi, err)
		}
		for ci, cs := range hs.Calls {
			call := InjectedCall{}
			if call.Sig, err = tt.signature(cs.FunctionSpec); err != nil {
				return nil, fmt.Errorf("hook %d call %d: %w", hi, ci, err)
			}
			if call.Addr, err = address(cs.FunctionSpec, r); err != nil {
				return nil, fmt.Errorf("hook %d call %d: %w", hi, ci, err)
			}
			if call.Placement, err = placement(cs.Placement); err != nil {
				return nil, fmt.Errorf("hook %d call %d: %w", hi, ci, err)
			}
			for _, in := range cs.Inject {
				call.Inject = append(call.Inject, in.ParameterInjection)
			}
			req.Calls = append(req.Calls, call)
		}
		Logger().Debug("manifest hook",
			zap.String("function", req.Original.Sig.Name),
			zap.Uintptr("entry", req.Original.Entry),
			zap.Int("calls", len(req.Calls)))
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// InstallManifest installs every hook of m in c. It stops at the first
// failure; hooks installed before it stay installed.
func (c *Context) InstallManifest(m *Manifest, r Resolver) ([]*Hook, error) {
	reqs, err := m.Requests(r)
	if err != nil {
		return nil, err
	}
	hooks := make([]*Hook, 0, len(reqs))
	for _, req := range reqs {
		h, err := c.Install(req)
		if err != nil {
			return hooks, err
		}
		hooks = append(hooks, h)
	}
	return hooks, nil
}
