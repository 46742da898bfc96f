// Package vfs implements the kernel's virtual filesystem tree: a mountable
// tree of inodes, each either a directory (singly linked list of children,
// insertion order preserved) or a file (an opaque FS-specific data handle),
// ported from alOS's fs/inode.c and fs/vfs.c.
//
// A filesystem provider attaches a Superblock to the inodes it owns. The
// capability set a C superblock exposes via nullable function pointers
// (umount/mkdir/rawptr) becomes, in this Go rendering, one required
// interface (Superblock) plus two optional capability interfaces (Mkdirer,
// RawPtrer) a provider implements only if it supports them — the type
// assertion at the call site replaces the null-function-pointer check of
// vfs_mkdir/vfs_rawptr in the original.
package vfs

// Kind tags an Inode as either a directory or a file.
type Kind int

const (
	KindDir Kind = iota
	KindFile
)

// Flags records superblock-wide capability bits, mirroring alOS's
// FSF_RDONLY / FSF_RAM.
type Flags uint8

const (
	FlagReadOnly Flags = 1 << iota
	FlagRAMBacked
)

// Superblock is the capability set every filesystem provider must expose.
// Mkdir and Rawptr are optional: a provider that does not support them
// simply does not implement Mkdirer / RawPtrer, and vfs.FS.Mkdir/Rawptr
// report that via kerrors.ErrUnsupported.
type Superblock interface {
	Name() string
	Flags() Flags
	Umount(root *Inode) error
}

// Mkdirer is implemented by superblocks that can create directories under
// one of their own inodes.
type Mkdirer interface {
	Mkdir(dir *Inode, name string) (*Inode, error)
}

// RawPtrer is implemented by superblocks that can expose a file's contents
// as a contiguous byte slice (e.g. a RAM-backed, read-only filesystem like
// tarfs).
type RawPtrer interface {
	Rawptr(file *Inode) ([]byte, error)
}

// Inode is one node of the VFS tree: a directory (head/tail of a child
// list) or a file (an opaque fsData handle owned by its Superblock).
type Inode struct {
	Kind       Kind
	Name       string
	Superblock Superblock

	// Next links siblings in their parent's child list, insertion order
	// preserved.
	Next *Inode

	first, last *Inode // directory: head/tail of child list
	fsData      any     // file: FS-specific data handle
}

// NewDir returns an empty directory inode owned by sb.
func NewDir(name string, sb Superblock) *Inode {
	return &Inode{Kind: KindDir, Name: name, Superblock: sb}
}

// NewFile returns a file inode owned by sb, carrying the FS-specific handle
// data (e.g. tarfs's (size, pointer) pair).
func NewFile(name string, sb Superblock, data any) *Inode {
	return &Inode{Kind: KindFile, Name: name, Superblock: sb, fsData: data}
}

// IsDir reports whether n is a directory, mirroring alOS's inode_cdable.
func (n *Inode) IsDir() bool { return n != nil && n.Kind == KindDir }

// FSData returns the file-specific handle passed to NewFile.
func (n *Inode) FSData() any { return n.fsData }

// Children returns n's children in insertion order. n must be a directory.
func (n *Inode) Children() []*Inode {
	if !n.IsDir() {
		return nil
	}
	var out []*Inode
	for c := n.first; c != nil; c = c.Next {
		out = append(out, c)
	}
	return out
}

// FindChild returns the direct child of n named name, or nil, mirroring
// alOS's inode_find_child (a linear scan of siblings by name).
func (n *Inode) FindChild(name string) *Inode {
	if !n.IsDir() {
		return nil
	}
	for c := n.first; c != nil; c = c.Next {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// AppendChild links child onto the end of n's child list, preserving
// insertion order. n must be a directory; child must not already be linked.
func (n *Inode) AppendChild(child *Inode) bool {
	if !n.IsDir() || child == nil {
		return false
	}
	child.Next = nil
	if n.first == nil {
		n.first, n.last = child, child
		return true
	}
	n.last.Next = child
	n.last = child
	return true
}

// clearChildren detaches and forgets every child, without freeing anything
// (the caller is responsible for recursively destroying them first). Used
// by umount implementations after they have emptied a subtree.
func (n *Inode) clearChildren() {
	n.first, n.last = nil, nil
}
