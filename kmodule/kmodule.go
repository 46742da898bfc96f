// Package kmodule is the kernel module registry: it loads relocatable ARM
// ELF32 objects from the virtual filesystem, resolves each module's
// well-known metadata symbols, checks (and optionally satisfies) its
// declared dependencies, and tracks reverse dependencies so a module in
// use can't be pulled out from under its dependents. It is the Go
// counterpart of alOS's kmodule.c.
package kmodule

import (
	"fmt"

	"github.com/xyproto/alos-core/allocator"
	"github.com/xyproto/alos-core/elfload"
	"github.com/xyproto/alos-core/kerrors"
	"github.com/xyproto/alos-core/kprint"
	"github.com/xyproto/alos-core/symtab"
	"github.com/xyproto/alos-core/vfs"
)

// Seven symbols every module's object file must define, mirroring
// kmodule.h's MOD_NAME/MOD_VERSION macros and the mod_init/mod_fini
// entry points a module supplies by hand.
const (
	symModName        = "mod_name"
	symModVer         = "mod_ver"
	symModVerString   = "mod_ver_string"
	symModDepends     = "mod_depends"
	symModDependsSize = "mod_depends_size"
	symModInit        = "mod_init"
	symModFini        = "mod_fini"
)

const (
	moduleDir = "/initrd/modules/"
	moduleExt = ".ko"
)

// Module is one loaded kernel module: its parsed metadata plus the
// program image backing it.
type Module struct {
	Name          string
	Version       int32
	VersionString string
	Depends       []string

	image    *elfload.Image
	initAddr uint32
	finiAddr uint32
}

// Registry tracks every currently-loaded module, mirroring kmodule.c's
// static module_list_first/module_list_last linked list (kept here as an
// ordered slice instead, since Go has no trouble appending to one).
//
// There is no ARM core here to jump to a module's mod_init/mod_fini
// machine code, so Registry resolves those symbols to addresses exactly
// as kmodule.c does, then looks the address up in a table of Go callbacks
// registered ahead of time via RegisterNative — the simulated stand-in for
// "calling into loaded code" a real kernel gets for free from its CPU.
type Registry struct {
	fsys    *vfs.FS
	symbols *symtab.Table
	arena   *allocator.Arena
	log     *kprint.Channel

	modules []*Module
	native  map[uint32]func() error

	pendingInit map[string]func() error
	pendingFini map[string]func() error
}

// New returns an empty module registry. fsys is consulted for
// /initrd/modules/<name>.ko when Insert is given a bare module name;
// symbols is the kernel's exported symbol table, used to resolve each
// module's extern references; arena backs every module's program image.
func New(fsys *vfs.FS, symbols *symtab.Table, arena *allocator.Arena, log *kprint.Channel) *Registry {
	if log == nil {
		log = kprint.Default
	}
	return &Registry{
		fsys: fsys, symbols: symbols, arena: arena, log: log,
		native:      map[uint32]func() error{},
		pendingInit: map[string]func() error{},
		pendingFini: map[string]func() error{},
	}
}

// RegisterNative binds a resolved mod_init/mod_fini address to the Go
// function that simulates running the module's machine code there. A
// module whose mod_init/mod_fini address has no registered callback fails
// to initialize with kerrors.ErrUnsupported.
func (r *Registry) RegisterNative(addr uint32, fn func() error) {
	r.native[addr&^1] = fn
}

// RegisterModuleInit binds the mod_init callback for a module by name,
// applied as soon as that module's metadata is resolved (module init/fini
// addresses only exist once the object is loaded, so callers that know a
// module's name ahead of time — cmd/alos's wiring code, most commonly —
// register by name instead of having to load the module themselves first
// to learn its address).
func (r *Registry) RegisterModuleInit(name string, fn func() error) {
	r.pendingInit[name] = fn
}

// RegisterModuleFini binds the mod_fini callback for a module by name; see
// RegisterModuleInit.
func (r *Registry) RegisterModuleFini(name string, fn func() error) {
	r.pendingFini[name] = fn
}

func (r *Registry) callNative(addr uint32) error {
	fn, ok := r.native[addr&^1]
	if !ok {
		return fmt.Errorf("kmodule: no native implementation registered for address %#x: %w", addr, kerrors.ErrUnsupported)
	}
	return fn()
}

// ByName returns the loaded module named name, if any.
func (r *Registry) ByName(name string) (*Module, bool) {
	for _, m := range r.modules {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}

// Insert loads, resolves and initializes the module named name from
// /initrd/modules/<name>.ko, mirroring kmodule_insert. If loadDependencies
// is set, unresolved dependencies are themselves loaded recursively;
// otherwise a missing dependency fails the insert. Cycles in the
// dependency graph are rejected rather than recursing forever — a
// deviation from kmodule.c, whose insert() has no such guard.
func (r *Registry) Insert(name string, loadDependencies bool) (*Module, error) {
	r.log.Tracef("=== loading module '%s'", name)
	mod, err := r.insert(name, loadDependencies, map[string]bool{})
	r.log.Tracef("=== done")
	return mod, err
}

func (r *Registry) insert(name string, loadDependencies bool, visiting map[string]bool) (*Module, error) {
	if existing, ok := r.ByName(name); ok {
		return existing, nil
	}
	if visiting[name] {
		return nil, fmt.Errorf("kmodule: insert %q: dependency cycle: %w", name, kerrors.ErrCycle)
	}
	visiting[name] = true

	raw, err := r.readModuleFile(name)
	if err != nil {
		r.log.Errorf("    failed to load module '%s': %v", name, err)
		return nil, err
	}

	img, err := elfload.Load(raw, r.symbols, r.arena)
	if err != nil {
		r.log.Errorf("    failed to load module '%s': ELF error: %v", name, err)
		return nil, fmt.Errorf("kmodule: insert %q: %w", name, err)
	}

	mod, err := readMetadata(img)
	if err != nil {
		r.log.Errorf("    module '%s' not loaded: malformed symbols", name)
		img.Unload()
		return nil, fmt.Errorf("kmodule: insert %q: %w", name, err)
	}

	if fn, ok := r.pendingInit[mod.Name]; ok {
		r.RegisterNative(mod.initAddr, fn)
	}
	if fn, ok := r.pendingFini[mod.Name]; ok {
		r.RegisterNative(mod.finiAddr, fn)
	}

	for _, dep := range mod.Depends {
		if _, ok := r.ByName(dep); ok {
			continue
		}
		if !loadDependencies {
			r.log.Errorf("    module '%s' not loaded: unresolved dependency '%s'", mod.Name, dep)
			img.Unload()
			return nil, fmt.Errorf("kmodule: insert %q: unresolved dependency %q: %w", name, dep, kerrors.ErrDependents)
		}
		r.log.Tracef("    loading dependency '%s'", dep)
		if _, err := r.insert(dep, true, visiting); err != nil {
			r.log.Errorf("    module '%s' not loaded: unresolved dependency '%s'", mod.Name, dep)
			img.Unload()
			return nil, fmt.Errorf("kmodule: insert %q: unresolved dependency %q: %w", name, dep, err)
		}
	}

	if err := r.callNative(mod.initAddr); err != nil {
		r.log.Errorf("    module '%s' not loaded: internal error", mod.Name)
		img.Unload()
		return nil, fmt.Errorf("kmodule: insert %q: mod_init failed: %w", name, err)
	}

	r.modules = append(r.modules, mod)
	r.log.Tracef("    loaded module '%s'", mod.Name)
	return mod, nil
}

// Remove unloads the module named name, mirroring kmodule_remove. If
// unloadDependencies is set, any module depending on it is itself removed
// first (recursively); otherwise a live reverse dependency fails the
// remove.
func (r *Registry) Remove(name string, unloadDependencies bool) error {
	r.log.Tracef("=== unloading module '%s'", name)
	mod, ok := r.ByName(name)
	if !ok {
		r.log.Errorf("    failed to unload module '%s': no such module", name)
		return fmt.Errorf("kmodule: remove %q: %w", name, kerrors.ErrNotFound)
	}
	err := r.remove(mod, unloadDependencies)
	r.log.Tracef("=== done")
	return err
}

func (r *Registry) remove(mod *Module, unloadDependencies bool) error {
	for _, m := range r.modules {
		if m == mod {
			continue
		}
		if !contains(m.Depends, mod.Name) {
			continue
		}
		if !unloadDependencies {
			r.log.Errorf("    failed to unload module '%s': '%s' depends on this module", mod.Name, m.Name)
			return fmt.Errorf("kmodule: remove %q: %q depends on it: %w", mod.Name, m.Name, kerrors.ErrDependents)
		}
		r.log.Tracef("    unloading reverse dependency '%s'", m.Name)
		if err := r.remove(m, true); err != nil {
			r.log.Errorf("    failed to unload module '%s': '%s' depends on this module", mod.Name, m.Name)
			return err
		}
	}

	r.modules = removeModule(r.modules, mod)

	if err := r.callNative(mod.finiAddr); err != nil {
		r.log.Errorf("    failed to unload module '%s': internal error", mod.Name)
		return fmt.Errorf("kmodule: remove %q: mod_fini failed: %w", mod.Name, err)
	}
	if err := mod.image.Unload(); err != nil {
		return fmt.Errorf("kmodule: remove %q: %w", mod.Name, err)
	}

	r.log.Tracef("    module '%s' unloaded", mod.Name)
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeModule(modules []*Module, target *Module) []*Module {
	out := modules[:0]
	for _, m := range modules {
		if m != target {
			out = append(out, m)
		}
	}
	return out
}

// readMetadata resolves and reads back the seven well-known mod_* symbols
// a loaded module must define, mirroring kmodule.c's metadata extraction in
// kmodule_insert. mod_init and mod_fini are resolved to addresses only —
// calling them happens later, via Registry.callNative.
func readMetadata(img *elfload.Image) (*Module, error) {
	nameAddr, ok := img.Symbol(symModName)
	if !ok {
		return nil, fmt.Errorf("kmodule: missing symbol %q: %w", symModName, kerrors.ErrInvalid)
	}
	name, err := img.ReadCString(nameAddr)
	if err != nil {
		return nil, fmt.Errorf("kmodule: reading %q: %w", symModName, err)
	}

	verAddr, ok := img.Symbol(symModVer)
	if !ok {
		return nil, fmt.Errorf("kmodule: missing symbol %q: %w", symModVer, kerrors.ErrInvalid)
	}
	version := int32(img.ReadUint32(verAddr))

	verStringAddr, ok := img.Symbol(symModVerString)
	if !ok {
		return nil, fmt.Errorf("kmodule: missing symbol %q: %w", symModVerString, kerrors.ErrInvalid)
	}
	versionString, err := img.ReadCString(verStringAddr)
	if err != nil {
		return nil, fmt.Errorf("kmodule: reading %q: %w", symModVerString, err)
	}

	dependsSizeAddr, ok := img.Symbol(symModDependsSize)
	if !ok {
		return nil, fmt.Errorf("kmodule: missing symbol %q: %w", symModDependsSize, kerrors.ErrInvalid)
	}
	dependsCount := int(img.ReadUint32(dependsSizeAddr))

	dependsAddr, ok := img.Symbol(symModDepends)
	if !ok {
		return nil, fmt.Errorf("kmodule: missing symbol %q: %w", symModDepends, kerrors.ErrInvalid)
	}

	var depends []string
	if dependsCount > 0 {
		pointers := img.ReadPointerArray(dependsAddr, dependsCount)
		for _, p := range pointers {
			dep, err := img.ReadCString(p)
			if err != nil {
				return nil, fmt.Errorf("kmodule: reading %q entry: %w", symModDepends, err)
			}
			depends = append(depends, dep)
		}
	}

	initAddr, ok := img.Symbol(symModInit)
	if !ok {
		return nil, fmt.Errorf("kmodule: missing symbol %q: %w", symModInit, kerrors.ErrInvalid)
	}
	finiAddr, ok := img.Symbol(symModFini)
	if !ok {
		return nil, fmt.Errorf("kmodule: missing symbol %q: %w", symModFini, kerrors.ErrInvalid)
	}

	return &Module{
		Name:          name,
		Version:       version,
		VersionString: versionString,
		Depends:       depends,
		image:         img,
		initAddr:      initAddr,
		finiAddr:      finiAddr,
	}, nil
}

// readModuleFile reads name.ko's contents from /initrd/modules/, mirroring
// kmodule_insert's path construction and vfs_rawptr call.
func (r *Registry) readModuleFile(name string) ([]byte, error) {
	path := moduleDir + name + moduleExt
	in := r.fsys.Find(path)
	if in == nil {
		return nil, fmt.Errorf("file %q does not exist: %w", path, kerrors.ErrNotFound)
	}
	data, err := r.fsys.Rawptr(in)
	if err != nil {
		return nil, fmt.Errorf("unable to read %q: %w", path, err)
	}
	return data, nil
}
