//go:build !(arm64 && (linux || darwin))

package hookgen

import (
	"github.com/k2io/hookgen/internal/arena"
)

// InlineInstaller patches function entries. It is only functional on
// arm64 linux and darwin.
type InlineInstaller struct {
	arena *arena.Arena
}

// NewInlineInstaller returns an installer placing its stubs in a.
func NewInlineInstaller(a *arena.Arena) *InlineInstaller {
	return &InlineInstaller{arena: a}
}

// Install always fails with ErrUnsupportedArch.
func (i *InlineInstaller) Install(target, replacement uintptr) (Handle, error) {
	return nil, ErrUnsupportedArch
}
