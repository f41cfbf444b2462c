package symbols

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

type rawFile interface {
	Symbols() (map[string]uintptr, error)
}

var objType = []struct {
	name string
	open func(io.ReaderAt) (rawFile, error)
}{
	{"elf", openElf},
	{"macho", openMacho},
	{"pe", openPE},
}

// ReadSymbols returns the symbol name to value map of an object file.
func ReadSymbols(name string) (map[string]uintptr, error) {
	Logger().Debug("reading symbols", zap.String("file", name))

	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readSymbols(name, r)
}

func readSymbols(name string, r io.ReaderAt) (map[string]uintptr, error) {
	for _, try := range objType {
		raw, err := try.open(r)
		if err != nil {
			Logger().Debug("not an object of this format",
				zap.String("file", name), zap.String("format", try.name), zap.Error(err))
			continue
		}
		syms, err := raw.Symbols()
		if err != nil {
			return nil, fmt.Errorf("read %s symbols of %s: %w", try.name, name, err)
		}
		Logger().Debug("symbols read",
			zap.String("file", name), zap.String("format", try.name), zap.Int("count", len(syms)))
		return syms, nil
	}
	return nil, fmt.Errorf("open %s: unrecognized object file", name)
}
