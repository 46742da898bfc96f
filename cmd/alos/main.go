// Command alos boots a single-process simulation of the kernel core: it
// builds a buddy-allocated heap, mounts a tarfs initrd, loads a kernel
// module from it, spawns a handful of round-robin tasks on top of a
// simulated hardware tick, and tears everything back down. It plays the
// role the teacher's own cli.go/main.go played for flapc's compiler
// pipeline — a thin, logging driver over the library packages, not a
// place where any new logic lives.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/xyproto/alos-core/allocator"
	"github.com/xyproto/alos-core/config"
	"github.com/xyproto/alos-core/elfbuild"
	"github.com/xyproto/alos-core/hw"
	"github.com/xyproto/alos-core/kmodule"
	"github.com/xyproto/alos-core/kprint"
	"github.com/xyproto/alos-core/sched"
	"github.com/xyproto/alos-core/stackarena"
	"github.com/xyproto/alos-core/symtab"
	"github.com/xyproto/alos-core/tarfs"
	"github.com/xyproto/alos-core/vfs"
)

func main() {
	log := kprint.Default
	if err := run(log); err != nil {
		log.Errorf("boot failed: %v", err)
		os.Exit(1)
	}
}

func run(log *kprint.Channel) error {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	heap, err := allocator.New(cfg)
	if err != nil {
		return fmt.Errorf("allocator: %w", err)
	}
	symbols := symtab.New(cfg.SymtabBulkSize)

	fsys := vfs.New()
	if err := mountInitrd(fsys, log); err != nil {
		return fmt.Errorf("mount initrd: %w", err)
	}

	modules := kmodule.New(fsys, symbols, heap, log)
	var counterInits int
	modules.RegisterModuleInit("counter", func() error {
		counterInits++
		log.Msgf("counter module initialized (%d time(s))", counterInits)
		return nil
	})
	modules.RegisterModuleFini("counter", func() error {
		log.Msgf("counter module torn down")
		return nil
	})
	if _, err := modules.Insert("counter", true); err != nil {
		return fmt.Errorf("insert counter module: %w", err)
	}
	defer func() {
		if err := modules.Remove("counter", false); err != nil {
			log.Errorf("remove counter module: %v", err)
		}
	}()

	stacks, err := stackarena.New(cfg.TaskStackSize, cfg.MaxTasks)
	if err != nil {
		return fmt.Errorf("stack arena: %w", err)
	}
	primitives := hw.NewSimulated(log)
	scheduler, err := sched.Init(cfg, stacks, primitives, log)
	if err != nil {
		return fmt.Errorf("scheduler init: %w", err)
	}

	if err := spawnDemoTasks(scheduler, log); err != nil {
		return fmt.Errorf("spawn demo tasks: %w", err)
	}

	primitives.StartTick()
	defer primitives.Stop()

	// Drive a handful of context switches by hand, running each newly
	// current task to completion — standing in for the free-running tick
	// loop a real boot never returns from.
	for i := 0; i < 6; i++ {
		primitives.TriggerPendSV()
		time.Sleep(2 * time.Millisecond)
		if scheduler.Current() == nil {
			break
		}
		if err := scheduler.RunCurrent(); err != nil {
			log.Warnf("task run: %v", err)
		}
	}

	log.Msgf("demo complete")
	return nil
}

// spawnDemoTasks creates three tasks whose entry points log their name and
// arg and exit immediately, demonstrating stack-page allocation, round-robin
// selection, and exit-time stack-page release.
func spawnDemoTasks(scheduler *sched.Scheduler, log *kprint.Channel) error {
	for i, name := range []string{"reader", "writer", "idle-sweep"} {
		arg := uint32(i)
		task, err := scheduler.Spawn(name, func(arg uint32) {
			log.Tracef("task %q running with arg %d", name, arg)
		}, nil, arg)
		if err != nil {
			return err
		}
		log.Msgf("spawned %q as pid %d", task.Name, task.PID)
	}
	return nil
}

// mountInitrd builds a small ustar blob in memory and mounts it at
// /initrd via tarfs. Real alOS initrd images are a binary blob baked into
// the kernel image at build time; this program has no linker to bake one
// with, so it assembles the same byte layout at runtime — a hand-rolled
// ustar writer, not archive/tar, matching tarfs's own hand-rolled reader
// (see DESIGN.md's tarfs entry) and so that the bytes mount tarfs actually
// parses at runtime, not a library's idea of what a tar file looks like.
func mountInitrd(fsys *vfs.FS, log *kprint.Channel) error {
	counterKO := buildCounterModule()

	// Entries are relative to the mount point itself (the "initrd" inode
	// below), matching kmodule's readModuleFile, which resolves
	// /initrd/modules/<name>.ko against the VFS root.
	var blob ustarBuilder
	blob.addDir("modules")
	blob.addFile("modules/counter.ko", counterKO)
	blob.finish()

	initrd, err := fsys.Mkdir(fsys.Root(), "initrd")
	if err != nil {
		return err
	}
	log.Tracef("mounting initrd (%d bytes)", len(blob.buf))
	return tarfs.Mount(fsys, initrd, blob.buf)
}

// buildCounterModule synthesizes a minimal relocatable ELF32/ARM object
// declaring the seven mod_* symbols kmodule.Registry requires, standing in
// for a real cross-compiled .ko — there is no assembler available to
// produce one, so the object is laid out the same way kmodule's own
// buildModule test helper does.
func buildCounterModule() []byte {
	b := elfbuild.New()

	text := b.AddProgbits(".text", elfbuild.SHFAlloc|elfbuild.SHFExecinstr, 4, make([]byte, 8))

	var data []byte
	strOff := func(s string) uint32 {
		off := uint32(len(data))
		data = append(data, []byte(s)...)
		data = append(data, 0)
		return off
	}

	name := strOff("counter")
	verStringOff := strOff("1.0.0")
	for len(data)%4 != 0 {
		data = append(data, 0)
	}

	arrayOff := uint32(len(data)) // mod_depends: empty array

	verOff := uint32(len(data))
	verBuf := make([]byte, 4)
	verBuf[0] = 1
	data = append(data, verBuf...)

	depSizeOff := uint32(len(data))
	data = append(data, make([]byte, 4)...) // mod_depends_size = 0

	dataSec := b.AddProgbits(".data", elfbuild.SHFAlloc|elfbuild.SHFWrite, 4, data)

	b.AddSymbol("mod_name", name, 8, elfbuild.STTObject, dataSec)
	b.AddSymbol("mod_ver_string", verStringOff, 6, elfbuild.STTObject, dataSec)
	b.AddSymbol("mod_ver", verOff, 4, elfbuild.STTObject, dataSec)
	b.AddSymbol("mod_depends_size", depSizeOff, 4, elfbuild.STTObject, dataSec)
	b.AddSymbol("mod_depends", arrayOff, 0, elfbuild.STTObject, dataSec)
	b.AddSymbol("mod_init", 0, 0, elfbuild.STTFunc, text)
	b.AddSymbol("mod_fini", 4, 0, elfbuild.STTFunc, text)

	return b.Build()
}

// ustarBuilder hand-assembles a minimal POSIX ustar byte stream: just
// enough header fields for tarfs.parseHeader to walk (name, size,
// typeflag), since tarfs never validates the checksum field.
type ustarBuilder struct {
	buf []byte
}

const (
	ustarBlockSize = 512
	ustarNameSize  = 100
)

func (u *ustarBuilder) addDir(path string) {
	u.addHeader(path+"/", '5', 0)
}

func (u *ustarBuilder) addFile(path string, data []byte) {
	u.addHeader(path, '0', len(data))
	u.buf = append(u.buf, data...)
	u.pad(len(data))
}

func (u *ustarBuilder) addHeader(path string, typeflag byte, size int) {
	block := make([]byte, ustarBlockSize)
	copy(block[0:ustarNameSize], path)
	copy(block[124:136], octalField(size))
	block[156] = typeflag
	copy(block[257:263], []byte("ustar\x00"))
	block[263], block[264] = '0', '0'
	u.buf = append(u.buf, block...)
}

// octalField renders size as an 11-digit zero-padded octal string
// followed by a NUL, matching tarfs's asciiSize parser.
func octalField(size int) []byte {
	field := make([]byte, 12)
	for i := 10; i >= 0; i-- {
		field[i] = byte('0' + size%8)
		size /= 8
	}
	field[11] = 0
	return field
}

func (u *ustarBuilder) pad(size int) {
	rem := size % ustarBlockSize
	if rem == 0 {
		return
	}
	u.buf = append(u.buf, make([]byte, ustarBlockSize-rem)...)
}

// finish appends the two all-zero end-of-archive blocks ustar requires.
func (u *ustarBuilder) finish() {
	u.buf = append(u.buf, make([]byte, 2*ustarBlockSize)...)
}
