package tarfs

import (
	"testing"

	"github.com/xyproto/alos-core/vfs"
)

// buildTar assembles a minimal ustar blob from (path, typeflag, contents)
// entries, terminated by the two all-zero blocks real tar archives end
// with. It only fills the fields tarfs actually reads (name, size,
// typeflag) — enough to drive Mount without a full archive/tar dependency.
func buildTar(t *testing.T, entries []struct {
	path     string
	typeflag byte
	contents string
}) []byte {
	t.Helper()
	var out []byte
	for _, e := range entries {
		block := make([]byte, blockSize)
		copy(block[:nameSize], e.path)
		block[typeOffset] = e.typeflag
		size := len(e.contents)
		octal := []byte{'0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0', 0}
		for i, n := 10, size; i >= 0 && n > 0; i, n = i-1, n/8 {
			octal[i] = byte('0' + n%8)
		}
		if size == 0 {
			octal[10] = '0'
		}
		copy(block[sizeOffset:sizeOffset+sizeLen], octal)
		out = append(out, block...)
		if e.typeflag == typeflagFile {
			data := make([]byte, nextHeaderOffset(size))
			copy(data, e.contents)
			out = append(out, data...)
		}
	}
	out = append(out, make([]byte, blockSize*2)...) // end-of-archive marker
	return out
}

func TestMountTreeShape(t *testing.T) {
	blob := buildTar(t, []struct {
		path     string
		typeflag byte
		contents string
	}{
		{"a/", typeflagDir, ""},
		{"a/b", typeflagFile, "hello"},
		{"a/c/", typeflagDir, ""},
		{"a/c/d", typeflagFile, "world"},
	})

	fsys := vfs.New()
	root, err := fsys.Mkdir(fsys.Root(), "initrd")
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	if err := Mount(fsys, root, blob); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	a := root.FindChild("a")
	if a == nil || !a.IsDir() {
		t.Fatal("expected directory 'a' under mount root")
	}

	names := []string{}
	for _, c := range a.Children() {
		names = append(names, c.Name)
	}
	if len(names) != 2 || names[0] != "b" || names[1] != "c" {
		t.Fatalf("unexpected child order under a: %v", names)
	}

	b := a.FindChild("b")
	if b == nil || b.IsDir() {
		t.Fatal("expected file 'b' under a")
	}
	data, err := fsys.Rawptr(b)
	if err != nil {
		t.Fatalf("Rawptr(b): %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("Rawptr(b) = %q, want %q", data, "hello")
	}

	c := a.FindChild("c")
	if c == nil || !c.IsDir() {
		t.Fatal("expected directory 'c' under a")
	}
	d := c.FindChild("d")
	if d == nil {
		t.Fatal("expected file 'd' under a/c")
	}
	data, err = fsys.Rawptr(d)
	if err != nil {
		t.Fatalf("Rawptr(d): %v", err)
	}
	if string(data) != "world" {
		t.Fatalf("Rawptr(d) = %q, want %q", data, "world")
	}
}

func TestMountRejectsMkdir(t *testing.T) {
	blob := buildTar(t, []struct {
		path     string
		typeflag byte
		contents string
	}{
		{"x/", typeflagDir, ""},
	})

	fsys := vfs.New()
	root, _ := fsys.Mkdir(fsys.Root(), "initrd")
	if err := Mount(fsys, root, blob); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	if _, err := fsys.Mkdir(root, "new"); err == nil {
		t.Fatal("expected mkdir on a tarfs mount point to fail (read-only)")
	}
}

func TestUmountThenFindMissing(t *testing.T) {
	blob := buildTar(t, []struct {
		path     string
		typeflag byte
		contents string
	}{
		{"a/", typeflagDir, ""},
		{"a/b", typeflagFile, "hi"},
	})

	fsys := vfs.New()
	root, _ := fsys.Mkdir(fsys.Root(), "initrd")
	if err := Mount(fsys, root, blob); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	if err := fsys.Umount(root); err != nil {
		t.Fatalf("Umount: %v", err)
	}
	if root.FindChild("a") != nil {
		t.Fatal("expected subtree to be gone after umount")
	}
}

func TestAsciiSizeParsing(t *testing.T) {
	field := []byte("00000000012\x00")
	size, err := asciiSize(field[:sizeLen])
	if err != nil {
		t.Fatalf("asciiSize: %v", err)
	}
	if size != 10 {
		t.Fatalf("asciiSize = %d, want 10", size)
	}
}
