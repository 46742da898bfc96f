package vfs

import (
	"fmt"
	"strings"

	"github.com/xyproto/alos-core/kerrors"
)

// FS is the virtual filesystem: a tree rooted at a directory inode owned by
// the VFS's own default superblock, mirroring alOS's static `root` in
// vfs.c. Mounting another provider (e.g. tarfs) attaches that provider's
// Superblock to a given inode instead.
type FS struct {
	root *Inode
	sb   *defaultSuperblock
}

// New returns an empty VFS with a root directory inode "/" owned by the
// VFS's own superblock (which is mkdir-capable but not raw-readable,
// matching alOS's vfs.c `_superblock` literal).
func New() *FS {
	fs := &FS{}
	fs.sb = &defaultSuperblock{fs: fs}
	fs.root = NewDir("/", fs.sb)
	return fs
}

// Root returns the VFS's root inode.
func (fs *FS) Root() *Inode { return fs.root }

// Filename returns the last path component — the tail after the final "/"
// — mirroring alOS's vfs_filename. An empty path yields "".
func Filename(path string) string {
	clean := strings.TrimSuffix(path, "/")
	if clean == "" {
		return ""
	}
	if i := strings.LastIndexByte(clean, '/'); i >= 0 {
		return clean[i+1:]
	}
	return clean
}

// splitComponents splits an absolute, "/"-separated path into its non-empty
// components. A trailing slash is tolerated (spec.md §4.3).
func splitComponents(path string) []string {
	path = strings.TrimSuffix(path, "/")
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// parentDir walks path's components (all but the last) from head, resolving
// each via a linear sibling search, mirroring alOS's inode_parent_dir. It
// fails if any intermediate component is missing or is not a directory.
func parentDir(head *Inode, path string) *Inode {
	parts := splitComponents(path)
	if len(parts) == 0 {
		return head
	}
	for _, part := range parts[:len(parts)-1] {
		next := head.FindChild(part)
		if next == nil || !next.IsDir() {
			return nil
		}
		head = next
	}
	return head
}

// Find returns the inode at path, or nil if it does not resolve. A nil or
// empty path is rejected. "/" always returns the root.
func (fs *FS) Find(path string) *Inode {
	if path == "" {
		return nil
	}
	if path == "/" {
		return fs.root
	}

	parts := splitComponents(path)
	if len(parts) == 0 {
		return fs.root
	}

	dir := parentDir(fs.root, path)
	if dir == nil {
		return nil
	}
	return dir.FindChild(parts[len(parts)-1])
}

// Mkdir creates a directory named name under dir, delegating to dir's
// superblock if it advertises Mkdirer — mirroring alOS's vfs_mkdir.
func (fs *FS) Mkdir(dir *Inode, name string) (*Inode, error) {
	if dir == nil || name == "" {
		return nil, fmt.Errorf("vfs: mkdir: %w", kerrors.ErrInvalid)
	}
	mk, ok := dir.Superblock.(Mkdirer)
	if !ok {
		return nil, fmt.Errorf("vfs: mkdir: superblock %q: %w", dir.Superblock.Name(), kerrors.ErrUnsupported)
	}
	return mk.Mkdir(dir, name)
}

// Umount recursively destroys the subtree rooted at root, delegating to
// root's own superblock — mirroring alOS's vfs_umount.
func (fs *FS) Umount(root *Inode) error {
	if root == nil || root.Superblock == nil {
		return fmt.Errorf("vfs: umount: %w", kerrors.ErrInvalid)
	}
	if err := root.Superblock.Umount(root); err != nil {
		return err
	}
	// A provider's Umount need not unlink its inodes; detach root's children
	// here so the torn-down subtree is no longer reachable.
	root.clearChildren()
	return nil
}

// Rawptr returns file's contents as a contiguous byte slice, delegating to
// file's superblock if it advertises RawPtrer — mirroring alOS's vfs_rawptr.
func (fs *FS) Rawptr(file *Inode) ([]byte, error) {
	if file == nil {
		return nil, fmt.Errorf("vfs: rawptr: %w", kerrors.ErrInvalid)
	}
	rp, ok := file.Superblock.(RawPtrer)
	if !ok {
		return nil, fmt.Errorf("vfs: rawptr: superblock %q: %w", file.Superblock.Name(), kerrors.ErrUnsupported)
	}
	return rp.Rawptr(file)
}

// defaultSuperblock is the VFS's own superblock: it owns every inode the
// VFS itself creates via Mkdir, and frees them directly on Umount rather
// than delegating — mirroring the `_superblock`/`o_umount`/`o_mkdir` trio
// in alOS's vfs.c.
type defaultSuperblock struct {
	fs *FS
}

func (s *defaultSuperblock) Name() string { return "vfs" }
func (s *defaultSuperblock) Flags() Flags { return 0 }

func (s *defaultSuperblock) Mkdir(dir *Inode, name string) (*Inode, error) {
	if !dir.IsDir() {
		return nil, fmt.Errorf("vfs: mkdir: %w: not a directory", kerrors.ErrInvalid)
	}
	if dir.FindChild(name) != nil {
		return nil, fmt.Errorf("vfs: mkdir %q: already exists", name)
	}
	child := NewDir(name, s)
	dir.AppendChild(child)
	return child, nil
}

func (s *defaultSuperblock) Umount(root *Inode) error {
	if root == nil {
		return fmt.Errorf("vfs: umount: %w", kerrors.ErrInvalid)
	}
	// VFS-owned nodes are torn down directly; a subtree owned by another
	// provider (a mount point nested under this directory) is delegated to
	// that provider's own Umount, matching alOS's vfs.c `empty()` helper.
	if root.Superblock != s {
		return root.Superblock.Umount(root)
	}
	for _, c := range root.Children() {
		if err := s.Umount(c); err != nil {
			return err
		}
	}
	root.clearChildren()
	return nil
}
