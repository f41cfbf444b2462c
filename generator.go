package hookgen

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/k2io/hookgen/internal/abi"
	"github.com/k2io/hookgen/internal/asm"
)

// Registers with a fixed role in generated code. x19 is callee-saved, so the
// flag survives every nested call; x9 and x10 are only live between calls.
const (
	regFlag     = asm.X19
	regInstance = asm.X9
	regTemp     = asm.X10
)

const prologueWords = 4

type operandKind uint8

const (
	// operandSlot is a value in spill-slot format: whole registers, HFA
	// members packed.
	operandSlot operandKind = iota
	// operandField is a value in its natural memory layout, read exactly.
	operandField
	// operandAddress is the address base+off itself.
	operandAddress
	// operandFlag is the run-original flag register.
	operandFlag
)

type operand struct {
	kind operandKind
	base asm.Reg
	off  int
	size int
}

// Trampoline is generated code that has not been installed yet.
type Trampoline struct {
	req    *HookRequest
	stream *asm.Stream
	frame  *frame
}

// Size is the number of words the trampoline occupies, literal pool included.
func (t *Trampoline) Size() int { return t.stream.Size() }

// FrameSize is the trampoline's stack frame in bytes.
func (t *Trampoline) FrameSize() int { return t.frame.size() }

// Image returns the resolved words with original as the target of the
// original-function call.
func (t *Trampoline) Image(original uintptr) ([]uint32, error) {
	return t.stream.Resolve(original, t.frame.size())
}

// Listing disassembles the trampoline as if loaded at base.
func (t *Trampoline) Listing(base, original uintptr) (string, error) {
	img, err := t.Image(original)
	if err != nil {
		return "", err
	}
	return asm.Listing(img, t.stream.CodeWords(), base), nil
}

func (t *Trampoline) copyTo(dst []uint32, original uintptr) error {
	return t.stream.CopyTo(dst, original, t.frame.size())
}

// Compile validates req and generates its trampoline without installing it.
// Nothing is emitted for a request that fails validation.
func Compile(req *HookRequest, cfg Config) (*Trampoline, error) {
	log := cfg.Logger
	if log == nil {
		log = Logger()
	}
	p, err := validate(req)
	if err != nil {
		log.Warn("hook request rejected", zap.Error(err))
		return nil, err
	}
	name := req.Original.Sig.Name
	f, err := layoutFrame(p, cfg.MinOutgoingStack)
	if err != nil {
		log.Warn("hook request rejected", zap.String("function", name), zap.Error(err))
		return nil, err
	}
	if isDebug {
		log.Debug("frame layout",
			zap.String("function", name),
			zap.Int("outgoing", f.outgoing),
			zap.Int("locals", f.locals),
			zap.Int("size", f.size()))
	}

	g := &generator{p: p, f: f, s: new(asm.Stream)}
	g.generate()
	if err := g.s.Err(); err != nil {
		return nil, fmt.Errorf("hookgen: emit %s: %w", name, err)
	}
	// Fixups depend only on the frame, so a failure here is known before
	// anything is installed.
	if _, err := g.s.Resolve(0, f.size()); err != nil {
		return nil, fmt.Errorf("hookgen: resolve %s: %w", name, err)
	}
	t := &Trampoline{req: req, stream: g.s, frame: f}
	if isDebug {
		if l, err := t.Listing(0, req.Original.Entry); err == nil {
			log.Debug("trampoline generated",
				zap.String("function", name),
				zap.Int("words", t.Size()),
				zap.String("listing", l))
		}
	}
	return t, nil
}

type generator struct {
	p *plan
	f *frame
	s *asm.Stream
}

func (g *generator) generate() {
	prologue := g.s.Reserve(prologueWords)
	g.capture()
	for i := range g.p.calls {
		if g.p.calls[i].Placement == Before {
			g.injected(&g.p.calls[i])
		}
	}
	g.callOriginal()
	for i := range g.p.calls {
		if g.p.calls[i].Placement == After {
			g.injected(&g.p.calls[i])
		}
	}
	g.epilogue()
	g.fillPrologue(prologue)
}

// capture spills every incoming argument and sets the flag.
func (g *generator) capture() {
	s, f, l := g.s, g.f, g.p.layout
	if l.Instance {
		s.Store(asm.Dword, asm.X0, asm.SP, f.instance)
	}
	if f.indirectResult >= 0 {
		s.Store(asm.Dword, asm.X8, asm.SP, f.indirectResult)
	}
	for i, a := range l.Args {
		g.spill(a, f.slotOf(i))
	}
	for off := 0; off < f.resultSize; off += 8 {
		s.Store(asm.Dword, asm.ZR, asm.SP, f.result+off)
	}
	s.Movz(regFlag, 1, 0)
}

// spill copies a to the slot at sp+slot. Stack arguments are read from the
// caller's frame, above this one.
func (g *generator) spill(a abi.Argument, slot int) {
	s := g.s
	st := a.Storage
	switch st.Kind {
	case abi.IntReg:
		s.Store(asm.Dword, asm.Reg(st.Reg), asm.SP, slot)
	case abi.IntRegRange:
		for k := 0; k < st.Count; k++ {
			s.Store(asm.Dword, asm.Reg(st.Reg+k), asm.SP, slot+8*k)
		}
	case abi.VecReg:
		s.StoreFP(st.Double, asm.Reg(st.Reg), asm.SP, slot)
	case abi.VecRegRange:
		m := a.MemberSize()
		for k := 0; k < st.Count; k++ {
			s.StoreFP(st.Double, asm.Reg(st.Reg+k), asm.SP, slot+m*k)
		}
	case abi.Stack:
		for k := 0; k < argSlots(a); k++ {
			i := s.Load(asm.Dword, regTemp, asm.SP, st.Offset+8*k)
			s.MarkFrameOffset(i)
			s.Store(asm.Dword, regTemp, asm.SP, slot+8*k)
		}
	}
}

// place moves op into the location a occupies at a call. Stack locations
// are in the outgoing area at the bottom of the frame.
func (g *generator) place(a abi.Argument, op operand) {
	s := g.s
	st := a.Storage
	switch op.kind {
	case operandFlag:
		if st.Kind == abi.Stack {
			s.Store(asm.Dword, regFlag, asm.SP, st.Offset)
		} else {
			s.Mov(asm.Reg(st.Reg), regFlag)
		}
		return
	case operandAddress:
		dst := regTemp
		if st.Kind == abi.IntReg {
			dst = asm.Reg(st.Reg)
		}
		s.AddImm(dst, op.base, op.off)
		if st.Kind == abi.Stack {
			s.Store(asm.Dword, regTemp, asm.SP, st.Offset)
		}
		return
	}

	switch st.Kind {
	case abi.IntReg:
		g.loadScalar(asm.Reg(st.Reg), op)
	case abi.IntRegRange:
		if op.kind == operandField {
			op = g.toScratch(op)
		}
		for k := 0; k < st.Count; k++ {
			s.Load(asm.Dword, asm.Reg(st.Reg+k), op.base, op.off+8*k)
		}
	case abi.VecReg:
		s.LoadFP(st.Double, asm.Reg(st.Reg), op.base, op.off)
	case abi.VecRegRange:
		m := a.MemberSize()
		for k := 0; k < st.Count; k++ {
			s.LoadFP(st.Double, asm.Reg(st.Reg+k), op.base, op.off+m*k)
		}
	case abi.Stack:
		if op.kind == operandField {
			g.copyBytes(op.base, op.off, asm.SP, st.Offset, op.size)
			return
		}
		for k := 0; k < argSlots(a); k++ {
			s.Load(asm.Dword, regTemp, op.base, op.off+8*k)
			s.Store(asm.Dword, regTemp, asm.SP, st.Offset+8*k)
		}
	}
}

func (g *generator) loadScalar(dst asm.Reg, op operand) {
	w := asm.Dword
	if op.kind == operandField {
		w = asm.Width(op.size)
	}
	g.s.Load(w, dst, op.base, op.off)
}

// toScratch copies a field composite into the scratch area so it can be read
// in whole registers without running past the end of the instance.
func (g *generator) toScratch(op operand) operand {
	g.copyBytes(op.base, op.off, asm.SP, g.f.scratch, op.size)
	return operand{kind: operandSlot, base: asm.SP, off: g.f.scratch}
}

func (g *generator) copyBytes(src asm.Reg, srcOff int, dst asm.Reg, dstOff, n int) {
	for pos := 0; pos < n; {
		w := chunk(srcOff+pos, dstOff+pos, n-pos)
		g.s.Load(w, regTemp, src, srcOff+pos)
		g.s.Store(w, regTemp, dst, dstOff+pos)
		pos += int(w)
	}
}

// chunk is the widest access aligned at both offsets that fits in n bytes.
func chunk(a, b, n int) asm.Width {
	for _, w := range []asm.Width{asm.Dword, asm.Word, asm.Half} {
		if n >= int(w) && a%int(w) == 0 && b%int(w) == 0 {
			return w
		}
	}
	return asm.Byte
}

func (g *generator) operandFor(src source, a abi.Argument) operand {
	f := g.f
	switch src.kind {
	case SourceOriginalParam:
		slot := f.slotOf(src.index)
		if src.byRef && !g.p.layout.Args[src.index].Indirect {
			return operand{kind: operandAddress, base: asm.SP, off: slot}
		}
		// An indirect parameter's slot already holds its address.
		return operand{kind: operandSlot, base: asm.SP, off: slot}

	case SourceLoadField:
		ft := g.p.req.Original.Sig.DeclaringType.Fields[src.index].Type
		if src.byRef || a.Indirect {
			return operand{kind: operandAddress, base: regInstance, off: src.fieldOffset}
		}
		return operand{kind: operandField, base: regInstance, off: src.fieldOffset, size: ft.Size}

	case SourceInstance:
		return operand{kind: operandSlot, base: asm.SP, off: f.instance}

	case SourceResult:
		if g.p.ret.Indirect {
			return operand{kind: operandSlot, base: asm.SP, off: f.indirectResult}
		}
		if src.byRef {
			return operand{kind: operandAddress, base: asm.SP, off: f.result}
		}
		return operand{kind: operandSlot, base: asm.SP, off: f.result}
	}
	return operand{kind: operandFlag}
}

func (g *generator) injected(pc *plannedCall) {
	s := g.s
	for _, src := range pc.sources {
		if src.kind == SourceLoadField {
			s.Load(asm.Dword, regInstance, asm.SP, g.f.instance)
			break
		}
	}
	for i, src := range pc.sources {
		a := pc.layout.Args[i]
		g.place(a, g.operandFor(src, a))
	}
	s.Call(pc.Addr)
	if pc.Placement != Before {
		return
	}
	if pc.boolReturn {
		s.Uxtb(regFlag, asm.X0)
	} else {
		s.Movz(regFlag, 1, 0)
	}
}

func (g *generator) callOriginal() {
	s, f, l := g.s, g.f, g.p.layout
	skip := s.Cbz(regFlag)
	if l.Instance {
		s.Load(asm.Dword, asm.X0, asm.SP, f.instance)
	}
	if f.indirectResult >= 0 {
		s.Load(asm.Dword, asm.X8, asm.SP, f.indirectResult)
	}
	for i, a := range l.Args {
		g.place(a, operand{kind: operandSlot, base: asm.SP, off: f.slotOf(i)})
	}
	s.CallOriginal()
	if r := g.p.ret; r != nil && !r.Indirect {
		g.spill(*r, f.result)
	}
	s.BindBranch(skip)
}

func (g *generator) epilogue() {
	s, f := g.s, g.f
	if r := g.p.ret; r != nil && !r.Indirect {
		g.place(*r, operand{kind: operandSlot, base: asm.SP, off: f.result})
	}
	s.Load(asm.Dword, regFlag, asm.SP, f.savedX19)
	s.AddImm(asm.SP, asm.FP, 0)
	s.LoadPairPost(asm.FP, asm.LR, asm.SP, 16)
	s.Ret()
}

func (g *generator) fillPrologue(at int) {
	s, f := g.s, g.f
	w, err := asm.EncodeStorePairPre(asm.FP, asm.LR, asm.SP, -16)
	s.Set(at, w, err)
	w, err = asm.EncodeAddImm(asm.FP, asm.SP, 0)
	s.Set(at+1, w, err)
	w, err = asm.EncodeSubImm(asm.SP, asm.SP, f.locals)
	s.Set(at+2, w, err)
	w, err = asm.EncodeLoadStore(false, asm.Dword, regFlag, asm.SP, f.savedX19)
	s.Set(at+3, w, err)
}
