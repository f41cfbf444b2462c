package abi

import "fmt"

// StorageKind tags the variant held by a Storage.
type StorageKind uint8

const (
	Unallocated StorageKind = iota
	IntReg
	IntRegRange
	VecReg
	VecRegRange
	Stack
)

// Storage is where an argument physically lives at the call boundary.
//
//	IntReg:      Reg
//	IntRegRange: Reg, Count
//	VecReg:      Reg, Double
//	VecRegRange: Reg, Count, Double
//	Stack:       Offset (bytes from the caller's SP at the call)
type Storage struct {
	Kind   StorageKind
	Reg    int
	Count  int
	Double bool
	Offset int
}

func (s Storage) String() string {
	switch s.Kind {
	case IntReg:
		return fmt.Sprintf("x%d", s.Reg)
	case IntRegRange:
		return fmt.Sprintf("x%d..x%d", s.Reg, s.Reg+s.Count-1)
	case VecReg:
		return fmt.Sprintf("%s%d", vecPrefix(s.Double), s.Reg)
	case VecRegRange:
		p := vecPrefix(s.Double)
		return fmt.Sprintf("%s%d..%s%d", p, s.Reg, p, s.Reg+s.Count-1)
	case Stack:
		return fmt.Sprintf("[sp+%d]", s.Offset)
	}
	return "unallocated"
}

func vecPrefix(double bool) string {
	if double {
		return "d"
	}
	return "s"
}

// Argument is one classified parameter.
type Argument struct {
	Type     ParameterDescriptor
	Storage  Storage
	Indirect bool
	// Size is the effective size at the call boundary: 8 for indirect
	// composites, the rounded size for other composites, the type size
	// otherwise.
	Size int
	// HFA members, 0 when the argument is not an HFA.
	Members int
}

// MemberSize is the width of one HFA member, or 0.
func (a Argument) MemberSize() int {
	if a.Members == 0 {
		return 0
	}
	if a.Storage.Double {
		return 8
	}
	return 4
}

// SlotSize is the number of bytes needed to keep the argument in memory,
// rounded to a whole number of 8-byte words.
func (a Argument) SlotSize() int {
	return alignUp(a.Size, 8)
}

// CallLayout is the complete argument layout of one signature.
type CallLayout struct {
	Instance   bool
	Receiver   Argument
	Args       []Argument
	GPRs       int
	VecRegs    int
	StackBytes int
}
