package hookgen

import (
	"encoding/binary"
	"testing"

	"github.com/k2io/hookgen/internal/abi"
)

// machine interprets the AArch64 subset generated trampolines use, so their
// behaviour can be checked on any host. Calls to addresses in funcs run Go
// code standing in for native functions.
type machine struct {
	t     *testing.T
	x     [32]uint64 // x[31] is sp
	v     [32]uint64 // low 64 bits of the vector registers
	pc    uint64
	heap  uint64
	mem   []byte
	funcs map[uint64]func(m *machine)
}

const (
	memBase   = 0x10000
	memSize   = 1 << 20
	heapBase  = memBase + 0x40000
	stackTop  = memBase + memSize - 0x1000
	returnPC  = 0xDEAD0000
	maxCycles = 100000
)

func newMachine(t *testing.T, code []uint32) *machine {
	m := &machine{
		t:     t,
		heap:  heapBase,
		mem:   make([]byte, memSize),
		funcs: make(map[uint64]func(*machine)),
	}
	for i, w := range code {
		binary.LittleEndian.PutUint32(m.mem[i*4:], w)
	}
	for i := range m.x {
		m.x[i] = 0x5A5A0000 + uint64(i)
	}
	for i := range m.v {
		m.v[i] = 0x7E7E0000 + uint64(i)
	}
	m.x[31] = stackTop - 1024
	return m
}

func (m *machine) bytes(addr uint64, n int) []byte {
	if addr < memBase || addr+uint64(n) > memBase+memSize {
		m.t.Fatalf("access of %d bytes at %#x is outside memory (pc %#x)", n, addr, m.pc)
	}
	off := addr - memBase
	return m.mem[off : off+uint64(n)]
}

func (m *machine) load(addr uint64, n int) uint64 {
	var buf [8]byte
	copy(buf[:], m.bytes(addr, n))
	return binary.LittleEndian.Uint64(buf[:])
}

func (m *machine) store(addr uint64, n int, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(m.bytes(addr, n), buf[:n])
}

// alloc copies b to fresh heap memory.
func (m *machine) alloc(b []byte) uint64 {
	addr := m.heap
	copy(m.bytes(addr, len(b)), b)
	m.heap += uint64(alignUp(len(b)+1, 16))
	return addr
}

// reg reads a general register with 31 as xzr.
func (m *machine) reg(r uint32) uint64 {
	if r == 31 {
		return 0
	}
	return m.x[r]
}

func (m *machine) setReg(r uint32, v uint64) {
	if r != 31 {
		m.x[r] = v
	}
}

func (m *machine) run(entry uint64) {
	m.pc = entry
	m.x[30] = returnPC
	for n := 0; m.pc != returnPC; n++ {
		if n == maxCycles {
			m.t.Fatalf("no return after %d instructions", n)
		}
		m.step()
	}
}

func (m *machine) call(target, ret uint64) {
	fn, ok := m.funcs[target]
	if !ok {
		m.t.Fatalf("call to unknown function %#x from %#x", target, m.pc)
	}
	m.x[30] = ret
	fn(m)
	m.pc = ret
}

func signExtend(v uint32, bits uint) int64 {
	return int64(int32(v<<(32-bits)) >> (32 - bits))
}

func (m *machine) step() {
	w := uint32(m.load(m.pc, 4))
	next := m.pc + 4
	rd, rn := w&31, (w>>5)&31
	switch {
	case w == 0xD503201F: // nop
	case w == 0xD65F03C0: // ret
		next = m.x[30]
	case w&0xFFFFFC1F == 0xD63F0000: // blr
		m.call(m.reg(rn), next)
		return
	case w&0xFFFFFC1F == 0xD61F0000: // br
		m.call(m.reg(rn), m.x[30])
		return
	case w&0xFF000000 == 0x58000000: // ldr literal
		m.setReg(rd, m.load(m.pc+uint64(signExtend(w>>5, 19)*4), 8))
	case w&0xFF000000 == 0xB4000000: // cbz
		if m.reg(rd) == 0 {
			next = m.pc + uint64(signExtend(w>>5, 19)*4)
		}
	case w&0xFFC00000 == 0xA9800000, w&0xFFC00000 == 0xA9000000: // stp
		addr := m.x[rn] + uint64(signExtend(w>>15, 7)*8)
		m.store(addr, 8, m.reg(rd))
		m.store(addr+8, 8, m.reg((w>>10)&31))
		if w&0xFFC00000 == 0xA9800000 {
			m.x[rn] = addr
		}
	case w&0xFFC00000 == 0xA8C00000, w&0xFFC00000 == 0xA9400000: // ldp
		addr := m.x[rn]
		imm := uint64(signExtend(w>>15, 7) * 8)
		if w&0xFFC00000 == 0xA9400000 {
			addr += imm
		}
		m.setReg(rd, m.load(addr, 8))
		m.setReg((w>>10)&31, m.load(addr+8, 8))
		if w&0xFFC00000 == 0xA8C00000 {
			m.x[rn] += imm
		}
	case w&0x3B800000 == 0x39000000: // ldr/str unsigned offset
		size := 1 << (w >> 30)
		addr := m.x[rn] + uint64((w>>10)&0xFFF)*uint64(size)
		load := w&(1<<22) != 0
		switch {
		case w&(1<<26) != 0 && load:
			m.v[rd] = m.load(addr, size)
		case w&(1<<26) != 0:
			m.store(addr, size, m.v[rd])
		case load:
			m.setReg(rd, m.load(addr, size))
		default:
			m.store(addr, size, m.reg(rd))
		}
	case w&0xFF800000 == 0x91000000, w&0xFF800000 == 0xD1000000: // add/sub imm
		imm := uint64((w >> 10) & 0xFFF)
		if w&(1<<22) != 0 {
			imm <<= 12
		}
		if w&0xFF800000 == 0xD1000000 {
			m.x[rd] = m.x[rn] - imm
		} else {
			m.x[rd] = m.x[rn] + imm
		}
	case w&0xFF800000 == 0xD2800000: // movz
		m.setReg(rd, uint64((w>>5)&0xFFFF)<<(16*((w>>21)&3)))
	case w&0xFF800000 == 0xF2800000: // movk
		sh := 16 * ((w >> 21) & 3)
		m.setReg(rd, m.reg(rd)&^(0xFFFF<<sh)|uint64((w>>5)&0xFFFF)<<sh)
	case w&0xFFE0FFE0 == 0xAA0003E0: // mov
		m.setReg(rd, m.reg((w>>16)&31))
	case w&0xFFFFFC00 == 0x53001C00: // uxtb
		m.setReg(rd, m.reg(rn)&0xFF)
	default:
		m.t.Fatalf("unhandled instruction %#08x at %#x", w, m.pc)
	}
	m.pc = next
}

func word(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}

func appendWord(b []byte, v uint64, n int) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(b, buf[:n]...)
}

// put places val where a lives at a call, as a caller would.
func (m *machine) put(a abi.Argument, val []byte) {
	if a.Indirect {
		val = appendWord(nil, m.alloc(val), 8)
	}
	st := a.Storage
	switch st.Kind {
	case abi.IntReg:
		m.x[st.Reg] = word(val)
	case abi.IntRegRange:
		for k := 0; k < st.Count; k++ {
			m.x[st.Reg+k] = word(val[min(8*k, len(val)):])
		}
	case abi.VecReg:
		m.v[st.Reg] = word(val)
	case abi.VecRegRange:
		ms := a.MemberSize()
		for k := 0; k < st.Count; k++ {
			m.v[st.Reg+k] = word(val[ms*k : ms*(k+1)])
		}
	case abi.Stack:
		copy(m.bytes(m.x[31]+uint64(st.Offset), len(val)), val)
	default:
		m.t.Fatalf("put to %s", st)
	}
}

// get reads the value of a as a callee would on entry.
func (m *machine) get(a abi.Argument) []byte {
	size := a.Type.Size
	var raw []byte
	st := a.Storage
	switch st.Kind {
	case abi.IntReg:
		raw = appendWord(raw, m.x[st.Reg], 8)
	case abi.IntRegRange:
		for k := 0; k < st.Count; k++ {
			raw = appendWord(raw, m.x[st.Reg+k], 8)
		}
	case abi.VecReg:
		raw = appendWord(raw, m.v[st.Reg], 8)
	case abi.VecRegRange:
		for k := 0; k < st.Count; k++ {
			raw = appendWord(raw, m.v[st.Reg+k], a.MemberSize())
		}
	case abi.Stack:
		n := size
		if a.Indirect {
			n = 8
		}
		raw = append(raw, m.bytes(m.x[31]+uint64(st.Offset), n)...)
	default:
		m.t.Fatalf("get from %s", st)
	}
	if a.Indirect {
		return append([]byte(nil), m.bytes(word(raw), size)...)
	}
	return raw[:size]
}

// clobber trashes every register a callee may change.
func (m *machine) clobber() {
	for i := 0; i <= 18; i++ {
		m.x[i] = 0xC10BB000 + uint64(i)
	}
	for i := 0; i < 8; i++ {
		m.v[i] = 0xC10BF000 + uint64(i)
	}
	for i := 16; i < 32; i++ {
		m.v[i] = 0xC10BF000 + uint64(i)
	}
}

// native is a stand-in for a native function of a given signature.
type native struct {
	calls  [][][]byte
	result func(args [][]byte) []byte
}

func (m *machine) define(addr uint64, sig abi.Signature, result func(args [][]byte) []byte) *native {
	m.t.Helper()
	l, err := sig.Layout()
	if err != nil {
		m.t.Fatal(err)
	}
	r, err := abi.ClassifyReturn(sig.Return)
	if err != nil {
		m.t.Fatal(err)
	}
	n := &native{result: result}
	m.funcs[addr] = func(m *machine) {
		var args [][]byte
		if l.Instance {
			args = append(args, m.get(l.Receiver))
		}
		for _, a := range l.Args {
			args = append(args, m.get(a))
		}
		n.calls = append(n.calls, args)
		resultBuf := m.x[8]
		m.clobber()
		if r == nil {
			return
		}
		out := n.result(args)
		if r.Indirect {
			copy(m.bytes(resultBuf, len(out)), out)
			return
		}
		m.put(*r, out)
	}
	return n
}
