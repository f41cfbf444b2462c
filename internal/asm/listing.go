package asm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// Decode disassembles a single instruction word.
func Decode(w uint32) (arm64asm.Inst, error) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	return arm64asm.Decode(b[:])
}

// Listing renders a resolved image, as returned by Resolve, one instruction
// per line. Words from codeLen on are shown as literal data.
func Listing(img []uint32, codeLen int, base uintptr) string {
	var b strings.Builder
	for i, w := range img {
		pc := base + uintptr(i*4)
		if i >= codeLen {
			if (i-codeLen)%2 == 0 && i+1 < len(img) {
				fmt.Fprintf(&b, "%#x:\t%08x %08x\t.quad %#x\n", pc, w, img[i+1], uint64(img[i+1])<<32|uint64(w))
			}
			continue
		}
		inst, err := Decode(w)
		if err != nil {
			fmt.Fprintf(&b, "%#x:\t%08x\t.word %#x\n", pc, w, w)
			continue
		}
		fmt.Fprintf(&b, "%#x:\t%08x\t%s\n", pc, w, inst.String())
	}
	return b.String()
}

// CodeWords is the padded code length of the stream, where the literal pool
// begins.
func (s *Stream) CodeWords() int { return s.codeWords() }
