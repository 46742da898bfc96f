package elfload

import (
	"encoding/binary"
	"testing"

	"github.com/xyproto/alos-core/allocator"
	"github.com/xyproto/alos-core/config"
	"github.com/xyproto/alos-core/elfbuild"
	"github.com/xyproto/alos-core/symtab"
)

func newArena(t *testing.T) *allocator.Arena {
	t.Helper()
	cfg := config.Default()
	cfg.PoolSize = 4096
	cfg.PoolDepth = 9
	a, err := allocator.New(cfg)
	if err != nil {
		t.Fatalf("allocator.New: %v", err)
	}
	return a
}

func TestLoadResolvesAbs32Relocation(t *testing.T) {
	b := elfbuild.New()

	text := b.AddProgbits(".text", elfbuild.SHFAlloc|elfbuild.SHFExecinstr, 4, make([]byte, 4))
	data := b.AddProgbits(".data", elfbuild.SHFAlloc|elfbuild.SHFWrite, 4, []byte{1, 2, 3, 4})

	targetSym := b.AddSymbol("target", 0, 4, elfbuild.STTObject, data)
	b.AddSymbol("entry", 0, 0, elfbuild.STTFunc, text)

	b.AddRel(text, []elfbuild.Rel{{Offset: 0, Symbol: targetSym, Type: elfbuild.RArmAbs32}})

	raw := b.Build()

	arena := newArena(t)
	syms := symtab.New(8)

	img, err := Load(raw, syms, arena)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	entryAddr, ok := img.Symbol("entry")
	if !ok {
		t.Fatal("expected to resolve symbol 'entry'")
	}
	if entryAddr&1 == 0 {
		t.Fatalf("expected thumb bit set on FUNC symbol, got %#x", entryAddr)
	}

	targetAddr, ok := img.Symbol("target")
	if !ok {
		t.Fatal("expected to resolve symbol 'target'")
	}

	patched := binary.LittleEndian.Uint32(img.Bytes()[0:4])
	if patched != targetAddr {
		t.Fatalf("relocated word = %#x, want %#x", patched, targetAddr)
	}

	if err := img.Unload(); err != nil {
		t.Fatalf("Unload: %v", err)
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	b := elfbuild.New()
	b.AddProgbits(".text", elfbuild.SHFAlloc, 4, []byte{0, 0, 0, 0})
	raw := b.Build()
	raw[18] = 0x3e // e_machine = EM_X86_64, not EM_ARM

	arena := newArena(t)
	syms := symtab.New(8)

	if _, err := Load(raw, syms, arena); err == nil {
		t.Fatal("expected rejection of non-ARM object")
	}
}

func TestLoadResolvesExternViaKernelSymtab(t *testing.T) {
	b := elfbuild.New()
	text := b.AddProgbits(".text", elfbuild.SHFAlloc|elfbuild.SHFExecinstr, 4, make([]byte, 4))
	externSym := b.AddSymbol("kputs", 0, 0, elfbuild.STTNotype, 0)
	b.AddRel(text, []elfbuild.Rel{{Offset: 0, Symbol: externSym, Type: elfbuild.RArmAbs32}})
	raw := b.Build()

	arena := newArena(t)
	syms := symtab.New(8)
	syms.Add("kputs", 0xdeadbeef&0x7fffffff)

	img, err := Load(raw, syms, arena)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	patched := binary.LittleEndian.Uint32(img.Bytes()[0:4])
	want, _ := syms.Lookup("kputs")
	if uint32(want) != patched {
		t.Fatalf("relocated word = %#x, want %#x", patched, want)
	}
}
