package symbols

import (
	"debug/macho"
	"io"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

func (f *machoFile) Symbols() (map[string]uintptr, error) {
	off := make(map[string]uintptr)
	if f.macho.Symtab == nil {
		return off, nil
	}
	for _, s := range f.macho.Symtab.Syms {
		// skip undefined imports
		if s.Sect == 0 {
			continue
		}
		off[s.Name] = uintptr(s.Value)
	}
	return off, nil
}
