package hookgen

import (
	"fmt"

	"github.com/k2io/hookgen/internal/abi"
)

// maxLocals bounds the frame below the saved frame record so every slot is
// reachable with a single unsigned 12-bit immediate.
const maxLocals = 4080

// frame is the trampoline's stack frame, addressed from sp after the
// prologue:
//
//	[0, outgoing)      arguments of nested calls
//	instance           receiver spill, if any
//	params[i]          one slot per original parameter
//	indirectResult     caller's x8, if the result is returned in memory
//	result             return value, zeroed on entry
//	scratch            16 bytes for by-value field composites
//	savedX19           callee-saved flag register
//	locals+0           x29, x30
//	locals+16          caller's stack arguments
type frame struct {
	outgoing       int
	instance       int
	params         []int
	indirectResult int
	result         int
	resultSize     int
	scratch        int
	savedX19       int
	locals         int
}

// size is the total frame, frame record included.
func (f *frame) size() int { return f.locals + 16 }

func alignUp(v, a int) int {
	return (v + a - 1) &^ (a - 1)
}

func layoutFrame(p *plan, minOutgoing int) (*frame, error) {
	f := &frame{instance: -1, indirectResult: -1, result: -1, scratch: -1}
	out := p.maxStack
	if minOutgoing > out {
		out = minOutgoing
	}
	f.outgoing = alignUp(out, 16)
	off := f.outgoing

	if p.layout.Instance {
		f.instance = off
		off += 8
	}
	f.params = make([]int, len(p.layout.Args))
	for i, a := range p.layout.Args {
		f.params[i] = off
		off += a.SlotSize()
	}
	if r := p.ret; r != nil {
		if r.Indirect {
			f.indirectResult = off
			off += 8
		} else {
			f.result = off
			f.resultSize = r.SlotSize()
			off += f.resultSize
		}
	}
	if p.scratch {
		off = alignUp(off, 16)
		f.scratch = off
		off += 16
	}
	f.savedX19 = off
	off += 8
	f.locals = alignUp(off, 16)
	if f.locals > maxLocals {
		return nil, &ValidationError{
			Call:   -1,
			Param:  -1,
			Err:    ErrFrameTooLarge,
			Reason: fmt.Sprintf("%d bytes of locals, limit %d", f.locals, maxLocals),
		}
	}
	return f, nil
}

// slotOf returns the spill slot of an original argument.
func (f *frame) slotOf(i int) int { return f.params[i] }

func argSlots(a abi.Argument) int { return a.SlotSize() / 8 }
