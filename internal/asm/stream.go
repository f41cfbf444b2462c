package asm

import (
	"errors"
	"fmt"
)

var (
	// ErrFlushed means CopyTo was already called on the stream.
	ErrFlushed = errors.New("instruction stream already flushed")
	// ErrShortDestination means the destination cannot hold the stream.
	ErrShortDestination = errors.New("destination smaller than instruction stream")
)

// CallTarget selects how an absolute-address fixup is resolved.
type CallTarget uint8

const (
	// AbsoluteAddress calls the address recorded with the fixup.
	AbsoluteAddress CallTarget = iota
	// OriginalFunction calls the original entry supplied to CopyTo.
	OriginalFunction
)

type absFixup struct {
	index  int
	target CallTarget
	addr   uintptr
}

type frameFixup struct {
	index int
	scale uint32
}

// Stream accumulates fixed-width AArch64 instructions. Encoding failures are
// sticky: the first one is kept and reported by Err and CopyTo.
type Stream struct {
	words   []uint32
	abs     []absFixup
	frame   []frameFixup
	err     error
	flushed bool
}

// Len is the number of instruction words emitted so far.
func (s *Stream) Len() int { return len(s.words) }

// Err returns the first encoding error, if any.
func (s *Stream) Err() error { return s.err }

func (s *Stream) emit(w uint32, err error) int {
	if err != nil && s.err == nil {
		s.err = fmt.Errorf("word %d: %w", len(s.words), err)
	}
	s.words = append(s.words, w)
	return len(s.words) - 1
}

// Emit appends a raw instruction word.
func (s *Stream) Emit(w uint32) int {
	return s.emit(w, nil)
}

// Reserve appends n NOPs to be overwritten later with Set.
func (s *Stream) Reserve(n int) int {
	start := len(s.words)
	for i := 0; i < n; i++ {
		s.emit(opNop, nil)
	}
	return start
}

// Set overwrites the word at index i.
func (s *Stream) Set(i int, w uint32, err error) {
	if err != nil && s.err == nil {
		s.err = fmt.Errorf("word %d: %w", i, err)
	}
	s.words[i] = w
}

func (s *Stream) StorePair(rt1, rt2, rn Reg, off int) int {
	return s.emit(EncodeStorePair(rt1, rt2, rn, off))
}

func (s *Stream) LoadPair(rt1, rt2, rn Reg, off int) int {
	return s.emit(EncodeLoadPair(rt1, rt2, rn, off))
}

func (s *Stream) LoadPairPost(rt1, rt2, rn Reg, off int) int {
	return s.emit(EncodeLoadPairPost(rt1, rt2, rn, off))
}

func (s *Stream) Load(w Width, rt, rn Reg, off int) int {
	return s.emit(EncodeLoadStore(true, w, rt, rn, off))
}

func (s *Stream) Store(w Width, rt, rn Reg, off int) int {
	return s.emit(EncodeLoadStore(false, w, rt, rn, off))
}

func (s *Stream) LoadFP(double bool, vt, rn Reg, off int) int {
	return s.emit(EncodeLoadStoreFP(true, double, vt, rn, off))
}

func (s *Stream) StoreFP(double bool, vt, rn Reg, off int) int {
	return s.emit(EncodeLoadStoreFP(false, double, vt, rn, off))
}

func (s *Stream) Mov(rd, rm Reg) int {
	return s.emit(EncodeMov(rd, rm))
}

func (s *Stream) Movz(rd Reg, imm uint16, shift uint) int {
	return s.emit(EncodeMovz(rd, imm, shift))
}

func (s *Stream) Movk(rd Reg, imm uint16, shift uint) int {
	return s.emit(EncodeMovk(rd, imm, shift))
}

// MovImm64 materialises v in rd with one MOVZ and as many MOVKs as needed.
func (s *Stream) MovImm64(rd Reg, v uint64) {
	s.Movz(rd, uint16(v), 0)
	for shift := uint(16); shift < 64; shift += 16 {
		if part := uint16(v >> shift); part != 0 {
			s.Movk(rd, part, shift)
		}
	}
}

func (s *Stream) AddImm(rd, rn Reg, imm int) int {
	return s.emit(EncodeAddImm(rd, rn, imm))
}

func (s *Stream) SubImm(rd, rn Reg, imm int) int {
	return s.emit(EncodeSubImm(rd, rn, imm))
}

func (s *Stream) Uxtb(rd, rn Reg) int {
	return s.emit(EncodeUxtb(rd, rn))
}

// Cbz emits a CBZ with an unresolved target; resolve it with BindBranch.
func (s *Stream) Cbz(rt Reg) int {
	return s.emit(EncodeCbz(rt, 0))
}

// BindBranch points the CBZ at index i to the next emitted word.
func (s *Stream) BindBranch(i int) {
	w, err := EncodeCbz(Reg(s.words[i]&0x1F), len(s.words)-i)
	s.Set(i, w, err)
}

func (s *Stream) Ret() int {
	return s.emit(EncodeRet())
}

func (s *Stream) Br(rn Reg) int {
	return s.emit(EncodeBr(rn))
}

// Call emits LDR X16, =addr; BLR X16 with the literal resolved by CopyTo.
func (s *Stream) Call(addr uintptr) int {
	return s.call(AbsoluteAddress, addr)
}

// CallOriginal is Call with the target left as the original function entry.
func (s *Stream) CallOriginal() int {
	return s.call(OriginalFunction, 0)
}

func (s *Stream) call(target CallTarget, addr uintptr) int {
	i := s.emit(EncodeLdrLiteral(X16, 0))
	s.abs = append(s.abs, absFixup{index: i, target: target, addr: addr})
	s.emit(EncodeBlr(X16))
	return i
}

// Jump emits LDR X17, =addr; BR X17. X17 is the intra-procedure scratch
// register, so the jump leaves every argument register intact.
func (s *Stream) Jump(addr uintptr) int {
	i := s.emit(EncodeLdrLiteral(X17, 0))
	s.abs = append(s.abs, absFixup{index: i, target: AbsoluteAddress, addr: addr})
	s.emit(EncodeBr(X17))
	return i
}

// MarkFrameOffset records that the unsigned-offset load or store at index i
// addresses the caller's frame; CopyTo adds the final frame size to it.
func (s *Stream) MarkFrameOffset(i int) {
	s.frame = append(s.frame, frameFixup{index: i, scale: s.words[i] >> 30})
}

// codeWords is the code length padded so the literal pool is 8-byte aligned.
func (s *Stream) codeWords() int {
	n := len(s.words)
	if len(s.abs) > 0 && n%2 != 0 {
		n++
	}
	return n
}

// Size is the total number of words CopyTo writes, literals included.
func (s *Stream) Size() int {
	return s.codeWords() + 2*len(s.abs)
}

// Words returns a copy of the unresolved instruction words.
func (s *Stream) Words() []uint32 {
	return append([]uint32(nil), s.words...)
}

// Resolve applies every pending fixup and returns the final image: code
// followed by the literal pool. It does not mark the stream flushed.
func (s *Stream) Resolve(original uintptr, frameSize int) ([]uint32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]uint32, s.Size())
	copy(out, s.words)
	for i := len(s.words); i < s.codeWords(); i++ {
		out[i] = opNop
	}

	for _, f := range s.frame {
		if frameSize%(1<<f.scale) != 0 {
			return nil, fmt.Errorf("frame size %d not aligned for word %d", frameSize, f.index)
		}
		w := out[f.index]
		imm := (w>>10)&0xFFF + uint32(frameSize>>f.scale)
		if imm > 0xFFF {
			return nil, fmt.Errorf("frame offset overflow in word %d", f.index)
		}
		out[f.index] = w&^(0xFFF<<10) | imm<<10
	}

	lit := s.codeWords()
	for _, f := range s.abs {
		addr := f.addr
		if f.target == OriginalFunction {
			addr = original
		}
		rt := Reg(out[f.index] & 0x1F)
		w, err := EncodeLdrLiteral(rt, lit-f.index)
		if err != nil {
			return nil, err
		}
		out[f.index] = w
		out[lit] = uint32(addr)
		out[lit+1] = uint32(uint64(addr) >> 32)
		lit += 2
	}
	return out, nil
}

// CopyTo resolves the stream and writes it to dst. It must be called once,
// after the complete stream has been emitted.
func (s *Stream) CopyTo(dst []uint32, original uintptr, frameSize int) error {
	if s.flushed {
		return ErrFlushed
	}
	img, err := s.Resolve(original, frameSize)
	if err != nil {
		return err
	}
	if len(dst) < len(img) {
		return fmt.Errorf("%w: have %d words, need %d", ErrShortDestination, len(dst), len(img))
	}
	copy(dst, img)
	s.flushed = true
	return nil
}
