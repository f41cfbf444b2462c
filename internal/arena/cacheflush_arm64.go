//go:build arm64

package arena

// flushInstructionCache cleans the data cache and invalidates the
// instruction cache over [addr, addr+size).
//
//go:noescape
func flushInstructionCache(addr, size uintptr)
