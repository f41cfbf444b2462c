package hookgen

import (
	"fmt"
	"unsafe"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/k2io/hookgen/internal/asm"
)

// Installer redirects a function entry to replacement code.
type Installer interface {
	Install(target, replacement uintptr) (Handle, error)
}

// Preparer is an Installer that can build a target's original entry before
// redirecting it. The context then writes the trampoline first, so the patched
// entry never reaches unwritten code.
type Preparer interface {
	Installer
	Prepare(target uintptr) (Handle, error)
	Redirect(h Handle, replacement uintptr) error
}

// Handle is an installed redirection.
type Handle interface {
	// OriginalEntry is callable code that behaves like the target did
	// before it was patched.
	OriginalEntry() uintptr
}

// patchWords is the length of the entry patch: LDR X17, #8; BR X17; .quad.
const patchWords = 4

func makeWords(addr uintptr, n int) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(addr)), n)
}

// checkRelocatable fails with ErrRelativeAddr when any of words addresses
// memory or branches relative to its own pc, since it could not run from a
// copy.
func checkRelocatable(words []uint32) error {
	for i, w := range words {
		inst, err := asm.Decode(w)
		if err != nil {
			return fmt.Errorf("decode entry word %d (%#08x): %w", i, w, err)
		}
		for _, a := range inst.Args {
			if a == nil {
				break
			}
			if _, ok := a.(arm64asm.PCRel); ok {
				return fmt.Errorf("%w: %s at entry word %d", ErrRelativeAddr, inst, i)
			}
		}
	}
	return nil
}

// entryPatch is the image written over a target entry.
func entryPatch(replacement uintptr) ([]uint32, error) {
	var s asm.Stream
	s.Jump(replacement)
	return s.Resolve(0, 0)
}

// relocatedEntry is the image of an original-entry stub: the displaced words
// followed by a jump to the rest of the target.
func relocatedEntry(displaced []uint32, resume uintptr) ([]uint32, error) {
	var s asm.Stream
	for _, w := range displaced {
		s.Emit(w)
	}
	s.Jump(resume)
	return s.Resolve(0, 0)
}
