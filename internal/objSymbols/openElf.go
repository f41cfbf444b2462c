package symbols

import (
	"debug/elf"
	"errors"
	"io"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

// Symbols merges the static and dynamic symbol tables. Stripped binaries
// only have the latter.
func (e *elfFile) Symbols() (map[string]uintptr, error) {
	off := make(map[string]uintptr)
	found := false
	for _, read := range []func() ([]elf.Symbol, error){e.elf.Symbols, e.elf.DynamicSymbols} {
		syms, err := read()
		if errors.Is(err, elf.ErrNoSymbols) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found = true
		getElfOff(syms, off)
	}
	if !found {
		return nil, elf.ErrNoSymbols
	}
	return off, nil
}

func getElfOff(stab []elf.Symbol, off map[string]uintptr) {
	for _, k := range stab {
		if k.Section == elf.SHN_UNDEF || k.Name == "" {
			continue
		}
		if _, ok := off[k.Name]; !ok {
			off[k.Name] = uintptr(k.Value)
		}
	}
}
