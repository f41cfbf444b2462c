package hookgen

import (
	sym "github.com/k2io/hookgen/internal/objSymbols"
)

// GetSymbols returns the symbol table of the ELF, Mach-O or PE file name.
func GetSymbols(name string) (map[string]uintptr, error) {
	return sym.ReadSymbols(name)
}
