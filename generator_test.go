package hookgen

import (
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/k2io/hookgen/internal/abi"
	"github.com/k2io/hookgen/internal/asm"
)

func must(t *testing.T) func(uint32, error) uint32 {
	return func(w uint32, err error) uint32 {
		t.Helper()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		return w
	}
}

func params(types ...abi.ParameterDescriptor) []abi.Param {
	out := make([]abi.Param, len(types))
	for i, d := range types {
		out[i] = abi.Param{Name: string(rune('a' + i)), Type: d}
	}
	return out
}

func contains(img []uint32, w uint32) int {
	for i, v := range img {
		if v == w {
			return i
		}
	}
	return -1
}

func count(img []uint32, w uint32) int {
	n := 0
	for _, v := range img {
		if v == w {
			n++
		}
	}
	return n
}

func compile(t *testing.T, req *HookRequest, cfg Config) (*Trampoline, []uint32) {
	t.Helper()
	tr, err := Compile(req, cfg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	img, err := tr.Image(0x7000)
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if len(img) != tr.Size() {
		t.Fatalf("image is %d words, Size %d", len(img), tr.Size())
	}
	return tr, img
}

func prefixRequest() *HookRequest {
	return &HookRequest{
		Original: OriginalFunction{
			Sig:   abi.Signature{Name: "add", Params: params(abi.Int64, abi.Int64), Return: &abi.Int64},
			Entry: 0x7000,
		},
		Calls: []InjectedCall{{
			Addr:   0x9000,
			Sig:    abi.Signature{Name: "veto", Params: params(abi.Int64), Return: &abi.Bool},
			Inject: []ParameterInjection{OriginalParam(1, false)},
		}},
	}
}

func TestCompilePrefixImage(t *testing.T) {
	tr, img := compile(t, prefixRequest(), Config{})
	if tr.FrameSize() != 48 {
		t.Fatalf("frame size = %d, want 48", tr.FrameSize())
	}
	want := []uint32{
		0xA9BF7BFD, // stp x29, x30, [sp, #-16]!
		0x910003FD, // mov x29, sp
		0xD10083FF, // sub sp, sp, #32
		0xF9000FF3, // str x19, [sp, #24]
		0xF90003E0, // str x0, [sp]
		0xF90007E1, // str x1, [sp, #8]
		0xF9000BFF, // str xzr, [sp, #16]
		0xD2800033, // mov x19, #1
		0xF94007E0, // ldr x0, [sp, #8]
		0x580001F0, // ldr x16, lit
		0xD63F0200, // blr x16
		0x53001C13, // uxtb w19, w0
		0xB40000D3, // cbz x19, epilogue
		0xF94003E0, // ldr x0, [sp]
		0xF94007E1, // ldr x1, [sp, #8]
		0x58000170, // ldr x16, lit
		0xD63F0200, // blr x16
		0xF9000BE0, // str x0, [sp, #16]
		0xF9400BE0, // ldr x0, [sp, #16]
		0xF9400FF3, // ldr x19, [sp, #24]
		0x910003BF, // mov sp, x29
		0xA8C17BFD, // ldp x29, x30, [sp], #16
		0xD65F03C0, // ret
		0xD503201F, // padding
		0x9000, 0,
		0x7000, 0,
	}
	if !reflect.DeepEqual(img, want) {
		t.Fatalf("image mismatch\ngot  %08x\nwant %08x", img, want)
	}
}

func TestCompileStackArguments(t *testing.T) {
	nine := make([]abi.ParameterDescriptor, 9)
	for i := range nine {
		nine[i] = abi.Int64
	}
	req := &HookRequest{
		Original: OriginalFunction{
			Sig:   abi.Signature{Name: "sum9", Params: params(nine...), Return: &abi.Int64},
			Entry: 0x7000,
		},
	}
	tr, img := compile(t, req, Config{})
	// 16 outgoing, 9 params, result, saved x19, padding, frame record
	if tr.FrameSize() != 128 {
		t.Fatalf("frame size = %d", tr.FrameSize())
	}
	m := must(t)
	incoming := m(asm.EncodeLoadStore(true, asm.Dword, asm.X10, asm.SP, tr.FrameSize()))
	spill := m(asm.EncodeLoadStore(false, asm.Dword, asm.X10, asm.SP, 16+64))
	reload := m(asm.EncodeLoadStore(true, asm.Dword, asm.X10, asm.SP, 16+64))
	outgoing := m(asm.EncodeLoadStore(false, asm.Dword, asm.X10, asm.SP, 0))
	i := contains(img, incoming)
	if i < 0 || img[i+1] != spill {
		t.Fatalf("incoming stack argument not captured:\n%s", listing(t, tr))
	}
	j := contains(img, reload)
	if j < i || img[j+1] != outgoing {
		t.Fatalf("stack argument not passed to the original:\n%s", listing(t, tr))
	}
}

func TestCompileMinOutgoingStack(t *testing.T) {
	req := &HookRequest{Original: OriginalFunction{Sig: abi.Signature{Name: "f"}, Entry: 0x7000}}
	small, _ := compile(t, req, Config{})
	big, _ := compile(t, req, Config{MinOutgoingStack: 40})
	if small.FrameSize() != 32 {
		t.Fatalf("void frame = %d, want 32", small.FrameSize())
	}
	if big.FrameSize() != small.FrameSize()+48 {
		t.Fatalf("frame with 40 outgoing bytes = %d", big.FrameSize())
	}
	if big.FrameSize()%16 != 0 {
		t.Fatalf("frame %d not 16-byte aligned", big.FrameSize())
	}
}

func TestCompileHFAParameter(t *testing.T) {
	vec3 := abi.Struct("vec3", abi.Field("x", abi.Float32), abi.Field("y", abi.Float32), abi.Field("z", abi.Float32))
	req := &HookRequest{
		Original: OriginalFunction{
			Sig:   abi.Signature{Name: "move", Params: params(abi.Float64, vec3)},
			Entry: 0x7000,
		},
		Calls: []InjectedCall{{
			Addr:   0x9000,
			Sig:    abi.Signature{Name: "observe", Params: params(vec3)},
			Inject: []ParameterInjection{NamedParam("b", false)},
		}},
	}
	tr, img := compile(t, req, Config{})
	m := must(t)
	// d0 at slot 0, vec3 packed in s1..s3 at slot 8
	for _, w := range []uint32{
		m(asm.EncodeLoadStoreFP(false, true, 0, asm.SP, 0)),
		m(asm.EncodeLoadStoreFP(false, false, 1, asm.SP, 8)),
		m(asm.EncodeLoadStoreFP(false, false, 2, asm.SP, 12)),
		m(asm.EncodeLoadStoreFP(false, false, 3, asm.SP, 16)),
		// into s0..s2 for the injected call
		m(asm.EncodeLoadStoreFP(true, false, 0, asm.SP, 8)),
		m(asm.EncodeLoadStoreFP(true, false, 2, asm.SP, 16)),
		// back into s1..s3 for the original
		m(asm.EncodeLoadStoreFP(true, false, 3, asm.SP, 16)),
	} {
		if contains(img, w) < 0 {
			t.Fatalf("missing %08x:\n%s", w, listing(t, tr))
		}
	}
}

func TestCompileInjectionSources(t *testing.T) {
	obj := abi.ParameterDescriptor{
		Name: "obj", Kind: abi.KindComposite, Size: 32, Align: 8,
		Fields: []abi.FieldDescriptor{
			{Name: "id", Type: abi.Int32, Offset: 16, BoxedCorrection: -16},
			{Name: "pos", Type: abi.Float64, Offset: 24, BoxedCorrection: -16},
		},
	}
	req := &HookRequest{
		Original: OriginalFunction{
			Sig: abi.Signature{
				Name: "tick", Instance: true, DeclaringType: &obj,
				Params: params(abi.Int64), Return: &abi.Int32,
			},
			Entry: 0x7000,
		},
		Calls: []InjectedCall{{
			Addr: 0x9000,
			Sig: abi.Signature{Name: "h", Params: params(
				abi.Pointer, abi.Int32, abi.Float64, abi.Pointer, abi.Pointer, abi.Int64, abi.Pointer,
			)},
			Inject: []ParameterInjection{
				Instance(),
				NamedField("id", false),
				LoadField(1, false),
				NamedField("pos", true),
				Result(true),
				RunOriginal(),
				OriginalParam(0, true),
			},
		}},
	}
	tr, img := compile(t, req, Config{})
	m := must(t)
	// instance at 0, a at 8, result at 16, saved x19 at 24
	for name, w := range map[string]uint32{
		"instance":     m(asm.EncodeLoadStore(true, asm.Dword, asm.X0, asm.SP, 0)),
		"load x9":      m(asm.EncodeLoadStore(true, asm.Dword, asm.X9, asm.SP, 0)),
		"field id":     m(asm.EncodeLoadStore(true, asm.Word, 1, asm.X9, 16)),
		"field pos":    m(asm.EncodeLoadStoreFP(true, true, 0, asm.X9, 24)),
		"&pos":         m(asm.EncodeAddImm(2, asm.X9, 24)),
		"&result":      m(asm.EncodeAddImm(3, asm.SP, 16)),
		"run original": m(asm.EncodeMov(4, asm.X19)),
		"&a":           m(asm.EncodeAddImm(5, asm.SP, 8)),
	} {
		if contains(img, w) < 0 {
			t.Fatalf("%s: missing %08x:\n%s", name, w, listing(t, tr))
		}
	}

	// unboxed value type applies the correction
	req.Original.ValueType = true
	tr, img = compile(t, req, Config{})
	if contains(img, m(asm.EncodeLoadStore(true, asm.Word, 1, asm.X9, 0))) < 0 {
		t.Fatalf("boxed correction not applied:\n%s", listing(t, tr))
	}
}

func TestCompileFieldCompositeUsesScratch(t *testing.T) {
	pair := abi.Struct("pair", abi.Field("lo", abi.Int32), abi.Field("hi", abi.Int32), abi.Field("tag", abi.Int32))
	obj := abi.Struct("obj", abi.Field("n", abi.Int32), abi.Field("p", pair))
	req := &HookRequest{
		Original: OriginalFunction{
			Sig:   abi.Signature{Name: "m", Instance: true, DeclaringType: &obj},
			Entry: 0x7000,
		},
		Calls: []InjectedCall{{
			Addr:   0x9000,
			Sig:    abi.Signature{Name: "h", Params: params(pair)},
			Inject: []ParameterInjection{NamedField("p", false)},
		}},
	}
	tr, img := compile(t, req, Config{})
	m := must(t)
	// instance 0, scratch 16, saved x19 32: pair at offset 4 copied by words
	for _, w := range []uint32{
		m(asm.EncodeLoadStore(true, asm.Word, asm.X10, asm.X9, 4)),
		m(asm.EncodeLoadStore(false, asm.Word, asm.X10, asm.SP, 16)),
		m(asm.EncodeLoadStore(true, asm.Word, asm.X10, asm.X9, 12)),
		m(asm.EncodeLoadStore(false, asm.Word, asm.X10, asm.SP, 24)),
		m(asm.EncodeLoadStore(true, asm.Dword, 0, asm.SP, 16)),
		m(asm.EncodeLoadStore(true, asm.Dword, 1, asm.SP, 24)),
	} {
		if contains(img, w) < 0 {
			t.Fatalf("missing %08x:\n%s", w, listing(t, tr))
		}
	}
}

func TestCompileIndirectResult(t *testing.T) {
	big := abi.Struct("big", abi.Field("a", abi.Int64), abi.Field("b", abi.Int64), abi.Field("c", abi.Int64))
	req := &HookRequest{
		Original: OriginalFunction{Sig: abi.Signature{Name: "make", Return: &big}, Entry: 0x7000},
		Calls: []InjectedCall{{
			Addr:   0x9000,
			Sig:    abi.Signature{Name: "h", Params: params(abi.Pointer)},
			Inject: []ParameterInjection{Result(true)},
		}},
	}
	tr, img := compile(t, req, Config{})
	m := must(t)
	for name, w := range map[string]uint32{
		"save x8":    m(asm.EncodeLoadStore(false, asm.Dword, asm.X8, asm.SP, 0)),
		"pass x8":    m(asm.EncodeLoadStore(true, asm.Dword, asm.X0, asm.SP, 0)),
		"restore x8": m(asm.EncodeLoadStore(true, asm.Dword, asm.X8, asm.SP, 0)),
	} {
		if contains(img, w) < 0 {
			t.Fatalf("%s: missing %08x:\n%s", name, w, listing(t, tr))
		}
	}
}

func TestCompilePlacement(t *testing.T) {
	void := abi.Signature{Name: "h"}
	req := &HookRequest{
		Original: OriginalFunction{Sig: abi.Signature{Name: "f"}, Entry: 0x7000},
		Calls: []InjectedCall{
			{Addr: 0x9100, Sig: void, Placement: After},
			{Addr: 0x9200, Sig: void},
		},
	}
	tr, img := compile(t, req, Config{})
	blr := must(t)(asm.EncodeBlr(asm.X16))
	if n := count(img, blr); n != 3 {
		t.Fatalf("%d calls, want 3:\n%s", n, listing(t, tr))
	}
	// literals are in emission order: prefix, original, postfix
	lits := img[len(img)-6:]
	if lits[0] != 0x9200 || lits[2] != 0x7000 || lits[4] != 0x9100 {
		t.Fatalf("call order %x", lits)
	}
	// a void prefix resets the flag, a postfix leaves it alone
	movFlag := must(t)(asm.EncodeMovz(asm.X19, 1, 0))
	if n := count(img, movFlag); n != 2 {
		t.Fatalf("flag set %d times, want 2:\n%s", n, listing(t, tr))
	}
}

func TestCompileListing(t *testing.T) {
	req := &HookRequest{Original: OriginalFunction{Sig: abi.Signature{Name: "f"}, Entry: 0x7000}}
	tr, err := Compile(req, Config{})
	if err != nil {
		t.Fatal(err)
	}
	l := listing(t, tr)
	for _, s := range []string{"STP", "CBZ", "BLR", "RET", ".quad 0x7000"} {
		if !strings.Contains(l, s) {
			t.Fatalf("listing lacks %q:\n%s", s, l)
		}
	}
}

func listing(t *testing.T, tr *Trampoline) string {
	t.Helper()
	l, err := tr.Listing(0, 0x7000)
	if err != nil {
		t.Fatalf("Listing: %v", err)
	}
	return l
}

func TestCompileDebugLogsListing(t *testing.T) {
	SetDebug(true)
	defer SetDebug(false)
	core, logs := observer.New(zap.DebugLevel)

	if _, err := Compile(prefixRequest(), Config{Logger: zap.New(core)}); err != nil {
		t.Fatal(err)
	}
	if logs.FilterMessage("frame layout").Len() != 1 {
		t.Fatalf("frame layout not logged: %v", logs.All())
	}
	gen := logs.FilterMessage("trampoline generated").All()
	if len(gen) != 1 {
		t.Fatalf("trampoline not logged: %v", logs.All())
	}
	listing, _ := gen[0].ContextMap()["listing"].(string)
	if !strings.Contains(listing, "RET") || !strings.Contains(listing, "BLR") {
		t.Fatalf("listing = %q", listing)
	}

	SetDebug(false)
	core, logs = observer.New(zap.DebugLevel)
	if _, err := Compile(prefixRequest(), Config{Logger: zap.New(core)}); err != nil {
		t.Fatal(err)
	}
	if logs.Len() != 0 {
		t.Fatalf("debug off still logged %v", logs.All())
	}
}
