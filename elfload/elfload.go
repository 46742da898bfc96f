// Package elfload loads relocatable ARM ELF32 object files (ET_REL,
// EM_ARM) into a byte-addressable program image backed by an
// allocator.Arena, applying R_ARM_ABS32 and R_ARM_THM_CALL relocations as
// it goes. It is the Go counterpart of alOS's kelf.c, rebuilt on top of
// the standard library's debug/elf reader instead of hand-rolled header
// structs — the section/symbol bookkeeping debug/elf already does for us
// is exactly what kelf.c's section()/symbol() helpers reimplement by hand.
package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/xyproto/alos-core/allocator"
	"github.com/xyproto/alos-core/kerrors"
	"github.com/xyproto/alos-core/symtab"
)

// Image is a loaded module's program memory image, carved out of an
// allocator.Arena. Addresses are arena-relative byte offsets: alOS runs on
// a single flat memory space with no MMU, so an "address" and an "offset
// into the pool" are the same thing, and there is no real ARM core here to
// give a hardware pointer meaning to.
type Image struct {
	arena   *allocator.Arena
	base    int
	size    int
	symbols map[string]symbolRef
}

// symbolRef is a resolved symbol's address and declared size, the latter
// letting callers (kmodule, in particular) know how many bytes to read
// back out of the image for a data symbol without guessing.
type symbolRef struct {
	addr uint32
	size uint32
}

// Load reads a relocatable ARM ELF32 object from raw, lays out its
// SHF_ALLOC sections into a freshly allocated region of arena, and applies
// every relocation. Extern (STT_NOTYPE) symbols are resolved against
// symbols, mirroring kelf.c's fallback to ksymbol() for anything that
// isn't locally defined.
func Load(raw []byte, symbols *symtab.Table, arena *allocator.Arena) (*Image, error) {
	if arena == nil || symbols == nil || len(raw) == 0 {
		return nil, fmt.Errorf("elfload: load: %w", kerrors.ErrInvalid)
	}

	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("elfload: parse: %w: %v", kerrors.ErrMalformed, err)
	}
	if err := headerCheck(f); err != nil {
		return nil, err
	}

	layout, total, err := layoutSections(f, arena.Align())
	if err != nil {
		return nil, err
	}

	base, err := arena.Alloc(total)
	if err != nil {
		return nil, fmt.Errorf("elfload: allocate program image: %w", err)
	}

	img := &Image{arena: arena, base: base, size: total, symbols: map[string]symbolRef{}}

	if err := copySections(f, arena, base, layout); err != nil {
		arena.Release(base)
		return nil, err
	}

	elfSyms, err := f.Symbols()
	if err != nil {
		arena.Release(base)
		return nil, fmt.Errorf("elfload: read symbol table: %w: %v", kerrors.ErrMalformed, err)
	}

	resolve := func(sym elf.Symbol) (uint32, bool) {
		return symbolAddr(sym, base, layout, symbols)
	}

	for _, sym := range elfSyms {
		if sym.Name == "" {
			continue
		}
		addr, ok := resolve(sym)
		if !ok {
			continue
		}
		if elf.ST_TYPE(sym.Info) == elf.STT_FUNC {
			addr |= 1
		}
		img.symbols[sym.Name] = symbolRef{addr: addr, size: uint32(sym.Size)}
	}

	if err := applyRelocations(f, arena, base, layout, elfSyms, resolve); err != nil {
		arena.Release(base)
		return nil, err
	}

	return img, nil
}

// headerCheck validates class, type and machine, the header fields kelf.c's
// header_check cares about beyond what elf.NewFile has already rejected (a
// bad magic or an unknown ELF version).
func headerCheck(f *elf.File) error {
	if f.Class != elf.ELFCLASS32 {
		return fmt.Errorf("elfload: not a 32-bit ELF: %w", kerrors.ErrUnsupported)
	}
	if f.Type != elf.ET_REL {
		return fmt.Errorf("elfload: not a relocatable object: %w", kerrors.ErrUnsupported)
	}
	if f.Machine != elf.EM_ARM {
		return fmt.Errorf("elfload: not an ARM object: %w", kerrors.ErrUnsupported)
	}
	return nil
}

// sectionLayout records, for one SHF_ALLOC section, its original ELF
// section index and its offset within the program image being built.
type sectionLayout struct {
	shndx  int
	offset int
	size   int
}

// layoutSections walks every section with SHF_ALLOC set, in section-index
// order, and assigns each one an aligned offset within the program image —
// mirroring kelf.c's alloc_progmem. A section whose required alignment
// exceeds what the arena guarantees cannot be placed safely and is
// rejected, exactly as kelf.c refuses sections wider than
// KMALLOC_ALIGNMENT.
func layoutSections(f *elf.File, arenaAlign int) (map[int]sectionLayout, int, error) {
	layout := make(map[int]sectionLayout)
	off := 0
	for i, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		align := int(sec.Addralign)
		if align > arenaAlign {
			return nil, 0, fmt.Errorf("elfload: section %q alignment %d exceeds arena alignment %d: %w", sec.Name, align, arenaAlign, kerrors.ErrMisaligned)
		}
		if align > 1 {
			if r := off % align; r != 0 {
				off += align - r
			}
		}
		layout[i] = sectionLayout{shndx: i, offset: off, size: int(sec.Size)}
		off += int(sec.Size)
	}
	return layout, off, nil
}

// copySections fills the program image: PROGBITS sections are copied
// verbatim, NOBITS sections (.bss) are zero-filled — mirroring
// load_progmem_section.
func copySections(f *elf.File, arena *allocator.Arena, base int, layout map[int]sectionLayout) error {
	for i, sec := range f.Sections {
		sl, ok := layout[i]
		if !ok {
			continue
		}
		switch sec.Type {
		case elf.SHT_NOBITS:
			// Arena memory is not guaranteed to be zero (a released block
			// keeps its old bytes), so clear explicitly.
			dst := arena.Bytes(base+sl.offset, sl.size)
			for i := range dst {
				dst[i] = 0
			}
		case elf.SHT_PROGBITS:
			data, err := sec.Data()
			if err != nil {
				return fmt.Errorf("elfload: read section %q: %w: %v", sec.Name, kerrors.ErrMalformed, err)
			}
			dst := arena.Bytes(base+sl.offset, sl.size)
			copy(dst, data)
		default:
			return fmt.Errorf("elfload: unexpected SHF_ALLOC section %q of type %v: %w", sec.Name, sec.Type, kerrors.ErrMalformed)
		}
	}
	return nil
}

// symbolAddr resolves an ELF symbol to an address in the program image,
// mirroring kelf.c's symbol_addr. OBJECT/FUNC symbols are section offset
// plus value; SECTION symbols resolve to their section's base; NOTYPE
// symbols (externs) are looked up in the kernel symbol table by name. Any
// other symbol type does not resolve.
func symbolAddr(sym elf.Symbol, base int, layout map[int]sectionLayout, symbols *symtab.Table) (uint32, bool) {
	switch elf.ST_TYPE(sym.Info) {
	case elf.STT_OBJECT, elf.STT_FUNC:
		sl, ok := layout[int(sym.Section)]
		if !ok {
			return 0, false
		}
		addr := uint32(base+sl.offset) + uint32(sym.Value)
		return addr &^ 1, true
	case elf.STT_SECTION:
		sl, ok := layout[int(sym.Section)]
		if !ok {
			return 0, false
		}
		return uint32(base+sl.offset) &^ 1, true
	case elf.STT_NOTYPE:
		addr, ok := symbols.Lookup(sym.Name)
		if !ok {
			return 0, false
		}
		return uint32(addr), true
	default:
		return 0, false
	}
}

// applyRelocations walks every SHT_REL section and patches the program
// image in place, mirroring kelf.c's do_rels/do_rel_for_section.
func applyRelocations(f *elf.File, arena *allocator.Arena, base int, layout map[int]sectionLayout, elfSyms []elf.Symbol, resolve func(elf.Symbol) (uint32, bool)) error {
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_REL {
			continue
		}
		targetLayout, ok := layout[int(sec.Info)]
		if !ok {
			continue // relocations against a non-allocated section: nothing to patch
		}

		data, err := sec.Data()
		if err != nil {
			return fmt.Errorf("elfload: read relocation section %q: %w: %v", sec.Name, kerrors.ErrMalformed, err)
		}
		if len(data)%8 != 0 {
			return fmt.Errorf("elfload: relocation section %q has truncated entries: %w", sec.Name, kerrors.ErrMalformed)
		}

		for off := 0; off < len(data); off += 8 {
			rOffset := binary.LittleEndian.Uint32(data[off:])
			rInfo := binary.LittleEndian.Uint32(data[off+4:])
			rSym := rInfo >> 8
			rType := elf.R_ARM(rInfo & 0xff)

			if int(rSym)-1 < 0 || int(rSym)-1 >= len(elfSyms) {
				return fmt.Errorf("elfload: relocation references out-of-range symbol %d: %w", rSym, kerrors.ErrMalformed)
			}
			sym := elfSyms[rSym-1]

			thumb := uint32(0)
			if elf.ST_TYPE(sym.Info) == elf.STT_FUNC {
				thumb = 1
			}

			S, ok := resolve(sym)
			if !ok {
				return fmt.Errorf("elfload: unresolved symbol %q: %w", sym.Name, kerrors.ErrNotFound)
			}

			target := arena.Bytes(base+targetLayout.offset+int(rOffset), 4)
			P := uint32(base + targetLayout.offset + int(rOffset))

			switch rType {
			case elf.R_ARM_ABS32:
				A := binary.LittleEndian.Uint32(target)
				binary.LittleEndian.PutUint32(target, (S+A)|thumb)

			case elf.R_ARM_THM_PC22: // type 10, R_ARM_THM_CALL in current ARM ELF naming
				upper := binary.LittleEndian.Uint16(target[0:2])
				lower := binary.LittleEndian.Uint16(target[2:4])
				patchThumbCall(target, upper, lower, S, P)

			default:
				return fmt.Errorf("elfload: unsupported relocation type %v: %w", rType, kerrors.ErrUnsupported)
			}
		}
	}
	return nil
}

// patchThumbCall re-encodes a Thumb-2 BL/BLX 32-bit instruction pair's
// signed 25-bit branch displacement, mirroring kelf.c's R_ARM_THM_CALL
// arm: the existing displacement is decoded from the two halfwords, the
// symbol's address minus the instruction's own address (S - P) is added,
// and the result is re-encoded into the same two halfwords.
func patchThumbCall(target []byte, upperInsn, lowerInsn uint16, S, P uint32) {
	s := uint32(upperInsn>>10) & 1
	j1 := uint32(lowerInsn>>13) & 1
	j2 := uint32(lowerInsn>>11) & 1

	off := int32((s << 24) | ((^(j1 ^ s) & 1) << 23) | ((^(j2 ^ s) & 1) << 22) |
		((uint32(upperInsn) & 0x03ff) << 12) | ((uint32(lowerInsn) & 0x07ff) << 1))
	if off&0x01000000 != 0 {
		off -= 0x02000000
	}

	off += int32(S) - int32(P)

	uoff := uint32(off)
	s = (uoff >> 24) & 1
	j1 = s ^ (^(uoff>>23)&1)
	j2 = s ^ (^(uoff>>22)&1)

	upperInsn = (upperInsn & 0xf800) | uint16(s<<10) | uint16((uoff>>12)&0x03ff)
	lowerInsn = (lowerInsn & 0xd000) | uint16(j1<<13) | uint16(j1<<11) | uint16((uoff>>1)&0x07ff)

	binary.LittleEndian.PutUint16(target[0:2], upperInsn)
	binary.LittleEndian.PutUint16(target[2:4], lowerInsn)
}

// Symbol looks up a module-local symbol's resolved address (with the
// Thumb bit set for functions), mirroring kelf_symbol.
func (img *Image) Symbol(name string) (uint32, bool) {
	ref, ok := img.symbols[name]
	return ref.addr, ok
}

// SymbolSize returns the declared size (st_size) of a resolved symbol, so
// callers reading a data symbol's backing bytes know how much to read
// without guessing or scanning for a terminator.
func (img *Image) SymbolSize(name string) (uint32, bool) {
	ref, ok := img.symbols[name]
	return ref.size, ok
}

// Bytes returns the raw bytes of the loaded image, for callers that need
// to read a symbol's backing data directly (e.g. the module registry
// reading a mod_depends array).
func (img *Image) Bytes() []byte {
	return img.arena.Bytes(img.base, img.size)
}

// ReadAt returns a length-byte window of the arena at an absolute address
// (as returned by Symbol), for reading a data symbol's contents. The
// address's Thumb bit, if set, is masked off first.
func (img *Image) ReadAt(addr uint32, length int) []byte {
	return img.arena.Bytes(int(addr&^1), length)
}

// maxCStringLen bounds the scan in ReadCString so a missing NUL terminator
// fails fast instead of walking off the end of the arena.
const maxCStringLen = 4096

// ReadCString reads a NUL-terminated string starting at addr, mirroring
// the plain `const char*` fields alOS's kmodule.c reads directly off a
// module's metadata symbols.
func (img *Image) ReadCString(addr uint32) (string, error) {
	a := int(addr &^ 1)
	limit := maxCStringLen
	if remaining := img.arena.Size() - a; remaining < limit {
		limit = remaining
	}
	if limit <= 0 {
		return "", fmt.Errorf("elfload: string at %#x out of range: %w", addr, kerrors.ErrMalformed)
	}
	buf := img.arena.Bytes(a, limit)
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return "", fmt.Errorf("elfload: string at %#x has no terminator within %d bytes: %w", addr, limit, kerrors.ErrMalformed)
}

// ReadUint32 reads one little-endian uint32 at addr.
func (img *Image) ReadUint32(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(img.ReadAt(addr, 4))
}

// ReadPointerArray reads count consecutive little-endian uint32 pointers
// starting at addr, e.g. a module's mod_depends array of string pointers.
func (img *Image) ReadPointerArray(addr uint32, count int) []uint32 {
	out := make([]uint32, count)
	buf := img.ReadAt(addr, count*4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return out
}

// Unload releases the image's program memory back to its arena,
// mirroring kelf_unload.
func (img *Image) Unload() error {
	return img.arena.Release(img.base)
}
