//go:build arm64 && (linux || darwin)

package hookgen

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/k2io/hookgen/internal/arena"
)

// InlineInstaller overwrites the first words of a function with a jump to the
// replacement. The displaced words are relocated into an arena stub that
// continues into the rest of the function.
type InlineInstaller struct {
	arena *arena.Arena
}

// NewInlineInstaller returns an installer placing its stubs in a.
func NewInlineInstaller(a *arena.Arena) *InlineInstaller {
	return &InlineInstaller{arena: a}
}

type inlineHandle struct {
	target    uintptr
	original  uintptr
	displaced [patchWords]uint32
}

func (h *inlineHandle) OriginalEntry() uintptr { return h.original }

// Install patches target to jump to replacement.
func (i *InlineInstaller) Install(target, replacement uintptr) (Handle, error) {
	h, err := i.Prepare(target)
	if err != nil {
		return nil, err
	}
	if err := i.Redirect(h, replacement); err != nil {
		return nil, err
	}
	return h, nil
}

// Prepare relocates target's entry words into an arena stub without touching
// target.
func (i *InlineInstaller) Prepare(target uintptr) (Handle, error) {
	if target == 0 {
		return nil, ErrNoAddress
	}
	h := &inlineHandle{target: target}
	copy(h.displaced[:], makeWords(target, patchWords))
	if err := checkRelocatable(h.displaced[:]); err != nil {
		return nil, err
	}

	stub, err := relocatedEntry(h.displaced[:], target+patchWords*4)
	if err != nil {
		return nil, err
	}
	h.original, err = i.arena.Alloc(stub)
	if err != nil {
		return nil, fmt.Errorf("allocate original entry: %w", err)
	}
	return h, nil
}

// Redirect patches the entry prepared in h to jump to replacement.
func (i *InlineInstaller) Redirect(hd Handle, replacement uintptr) error {
	h, ok := hd.(*inlineHandle)
	if !ok {
		return fmt.Errorf("redirect: foreign handle %T", hd)
	}
	if replacement == 0 {
		return ErrNoAddress
	}
	patch, err := entryPatch(replacement)
	if err != nil {
		return err
	}
	target := h.target
	size := uintptr(len(patch) * 4)
	if err := protectPages(target, size); err != nil {
		return err
	}
	copy(makeWords(target, len(patch)), patch)
	arena.Flush(target, size)
	if err := reProtectPages(target, size); err != nil {
		return err
	}
	Logger().Info("entry patched",
		zap.Uintptr("target", target),
		zap.Uintptr("replacement", replacement),
		zap.Uintptr("original", h.original))
	return nil
}
