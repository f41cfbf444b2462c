package asm

import "fmt"

// Reg is an AArch64 register number. Register 31 is SP or XZR depending on
// the instruction.
type Reg uint8

const (
	X0  Reg = 0
	X1  Reg = 1
	X8  Reg = 8
	X9  Reg = 9
	X10 Reg = 10
	X11 Reg = 11
	X16 Reg = 16
	X17 Reg = 17
	X19 Reg = 19
	FP  Reg = 29
	LR  Reg = 30
	SP  Reg = 31
	ZR  Reg = 31
)

// Width is a memory access size in bytes.
type Width uint8

const (
	Byte  Width = 1
	Half  Width = 2
	Word  Width = 4
	Dword Width = 8
)

func (w Width) scale() uint32 {
	switch w {
	case Byte:
		return 0
	case Half:
		return 1
	case Word:
		return 2
	}
	return 3
}

const (
	opNop = 0xD503201F
	opRet = 0xD65F03C0
)

func scaledImm12(off int, w Width) (uint32, error) {
	size := int(w)
	if off < 0 || off%size != 0 {
		return 0, fmt.Errorf("arm64 asm: offset %d not a non-negative multiple of %d", off, size)
	}
	imm := off / size
	if imm > 0xFFF {
		return 0, fmt.Errorf("arm64 asm: offset %d out of range for %d-byte access", off, size)
	}
	return uint32(imm), nil
}

func pairImm7(off int) (uint32, error) {
	if off%8 != 0 || off < -512 || off > 504 {
		return 0, fmt.Errorf("arm64 asm: pair offset %d out of range", off)
	}
	return uint32(off/8) & 0x7F, nil
}

// Pair addressing modes.
const (
	pairOffset   = 0xA9000000
	pairPreIndex = 0xA9800000
	pairPostIdx  = 0xA8800000
	pairLoad     = 1 << 22
)

func encodePair(mode uint32, load bool, rt1, rt2, rn Reg, off int) (uint32, error) {
	imm, err := pairImm7(off)
	if err != nil {
		return 0, err
	}
	w := mode | imm<<15 | uint32(rt2)<<10 | uint32(rn)<<5 | uint32(rt1)
	if load {
		w |= pairLoad
	}
	return w, nil
}

// EncodeStorePair encodes STP Xt1, Xt2, [Xn, #off].
func EncodeStorePair(rt1, rt2, rn Reg, off int) (uint32, error) {
	return encodePair(pairOffset, false, rt1, rt2, rn, off)
}

// EncodeLoadPair encodes LDP Xt1, Xt2, [Xn, #off].
func EncodeLoadPair(rt1, rt2, rn Reg, off int) (uint32, error) {
	return encodePair(pairOffset, true, rt1, rt2, rn, off)
}

// EncodeStorePairPre encodes STP Xt1, Xt2, [Xn, #off]!.
func EncodeStorePairPre(rt1, rt2, rn Reg, off int) (uint32, error) {
	return encodePair(pairPreIndex, false, rt1, rt2, rn, off)
}

// EncodeLoadPairPost encodes LDP Xt1, Xt2, [Xn], #off.
func EncodeLoadPairPost(rt1, rt2, rn Reg, off int) (uint32, error) {
	return encodePair(pairPostIdx, true, rt1, rt2, rn, off)
}

// EncodeLoadStore encodes LDR/STR (unsigned offset) of a general register
// for the given width. Loads narrower than 8 bytes zero-extend.
func EncodeLoadStore(load bool, w Width, rt, rn Reg, off int) (uint32, error) {
	var base uint32
	switch w {
	case Byte:
		base = 0x39000000
	case Half:
		base = 0x79000000
	case Word:
		base = 0xB9000000
	case Dword:
		base = 0xF9000000
	default:
		return 0, fmt.Errorf("arm64 asm: unsupported load/store width %d", w)
	}
	imm, err := scaledImm12(off, w)
	if err != nil {
		return 0, err
	}
	if load {
		base |= 1 << 22
	}
	return base | imm<<10 | uint32(rn)<<5 | uint32(rt), nil
}

// EncodeLoadStoreFP encodes LDR/STR (unsigned offset) of an S or D register.
func EncodeLoadStoreFP(load, double bool, vt, rn Reg, off int) (uint32, error) {
	base := uint32(0xBD000000)
	w := Word
	if double {
		base = 0xFD000000
		w = Dword
	}
	imm, err := scaledImm12(off, w)
	if err != nil {
		return 0, err
	}
	if load {
		base |= 1 << 22
	}
	return base | imm<<10 | uint32(rn)<<5 | uint32(vt), nil
}

// EncodeMov encodes MOV Xd, Xm (ORR Xd, XZR, Xm). Neither operand may be SP.
func EncodeMov(rd, rm Reg) (uint32, error) {
	return 0xAA0003E0 | uint32(rm)<<16 | uint32(rd), nil
}

func encodeMoveWide(base uint32, rd Reg, imm uint16, shift uint) (uint32, error) {
	if shift%16 != 0 || shift > 48 {
		return 0, fmt.Errorf("arm64 asm: invalid move-wide shift %d", shift)
	}
	return base | uint32(shift/16)<<21 | uint32(imm)<<5 | uint32(rd), nil
}

// EncodeMovz encodes MOVZ Xd, #imm, LSL #shift.
func EncodeMovz(rd Reg, imm uint16, shift uint) (uint32, error) {
	return encodeMoveWide(0xD2800000, rd, imm, shift)
}

// EncodeMovk encodes MOVK Xd, #imm, LSL #shift.
func EncodeMovk(rd Reg, imm uint16, shift uint) (uint32, error) {
	return encodeMoveWide(0xF2800000, rd, imm, shift)
}

func encodeAddSubImm(base uint32, rd, rn Reg, imm int) (uint32, error) {
	if imm < 0 {
		return 0, fmt.Errorf("arm64 asm: negative immediate %d", imm)
	}
	sh := uint32(0)
	if imm > 0xFFF {
		if imm&0xFFF != 0 || imm>>12 > 0xFFF {
			return 0, fmt.Errorf("arm64 asm: immediate %d out of range", imm)
		}
		imm >>= 12
		sh = 1
	}
	return base | sh<<22 | uint32(imm)<<10 | uint32(rn)<<5 | uint32(rd), nil
}

// EncodeAddImm encodes ADD Xd|SP, Xn|SP, #imm.
func EncodeAddImm(rd, rn Reg, imm int) (uint32, error) {
	return encodeAddSubImm(0x91000000, rd, rn, imm)
}

// EncodeSubImm encodes SUB Xd|SP, Xn|SP, #imm.
func EncodeSubImm(rd, rn Reg, imm int) (uint32, error) {
	return encodeAddSubImm(0xD1000000, rd, rn, imm)
}

// EncodeUxtb encodes UXTB Wd, Wn, clearing bits 8-63 of Xd.
func EncodeUxtb(rd, rn Reg) (uint32, error) {
	return 0x53001C00 | uint32(rn)<<5 | uint32(rd), nil
}

func branchImm19(disp int) (uint32, error) {
	if disp < -(1<<18) || disp >= 1<<18 {
		return 0, fmt.Errorf("arm64 asm: displacement %d out of range", disp)
	}
	return uint32(disp) & 0x7FFFF, nil
}

// EncodeCbz encodes CBZ Xt, disp where disp counts instructions from the
// branch itself.
func EncodeCbz(rt Reg, disp int) (uint32, error) {
	imm, err := branchImm19(disp)
	if err != nil {
		return 0, err
	}
	return 0xB4000000 | imm<<5 | uint32(rt), nil
}

// EncodeLdrLiteral encodes LDR Xt, label where label is disp instructions
// away.
func EncodeLdrLiteral(rt Reg, disp int) (uint32, error) {
	imm, err := branchImm19(disp)
	if err != nil {
		return 0, err
	}
	return 0x58000000 | imm<<5 | uint32(rt), nil
}

// EncodeBlr encodes BLR Xn.
func EncodeBlr(rn Reg) (uint32, error) {
	return 0xD63F0000 | uint32(rn)<<5, nil
}

// EncodeBr encodes BR Xn.
func EncodeBr(rn Reg) (uint32, error) {
	return 0xD61F0000 | uint32(rn)<<5, nil
}

// EncodeRet encodes RET (X30).
func EncodeRet() (uint32, error) {
	return opRet, nil
}
