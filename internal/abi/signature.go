package abi

// Param is a named parameter of a native signature.
type Param struct {
	Name string
	Type ParameterDescriptor
}

// Signature is a native function signature. DeclaringType describes the
// instance layout for instance methods and is used for field access.
type Signature struct {
	Name          string
	Params        []Param
	Return        *ParameterDescriptor
	Instance      bool
	DeclaringType *ParameterDescriptor
}

// ParamByName returns the index of the named parameter, or -1.
func (s Signature) ParamByName(name string) int {
	for i, p := range s.Params {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Types returns the parameter types in declared order.
func (s Signature) Types() []ParameterDescriptor {
	out := make([]ParameterDescriptor, len(s.Params))
	for i, p := range s.Params {
		out[i] = p.Type
	}
	return out
}

// Layout classifies the signature's parameters.
func (s Signature) Layout() (*CallLayout, error) {
	return Classify(s.Types(), s.Instance)
}
