// Package tarfs is a read-only, RAM-backed vfs.Superblock over a POSIX
// ustar blob, ported from alOS's fs/tarfs.c. Only typeflags '0' (regular
// file) and '5' (directory) are interpreted; everything else is silently
// skipped, matching spec.md §6.
//
// Mounting makes two passes over the blob: the first creates every
// directory inode, the second creates every file inode. This relies on
// GNU tar's ordering guarantee that a directory's header always precedes
// its children's — the same assumption alOS's tarfs_mount makes.
package tarfs

import (
	"fmt"

	"github.com/xyproto/alos-core/kerrors"
	"github.com/xyproto/alos-core/vfs"
)

const (
	typeflagFile = '0'
	typeflagDir  = '5'

	blockSize  = 512
	nameSize   = 100
	sizeOffset = 124
	sizeLen    = 12
	typeOffset = 156
)

// header is a parsed view over one 512-byte ustar header block.
type header struct {
	path     string
	typeflag byte
	size     int
}

// asciiSize parses an 11-digit (plus NUL) octal ASCII size field, mirroring
// alOS's ascii_size.
func asciiSize(field []byte) (int, error) {
	size := 0
	count := 1
	for j := 11; j > 0; j, count = j-1, count*8 {
		d := field[j-1]
		if d < '0' || d > '7' {
			return 0, fmt.Errorf("tarfs: malformed size field: %w", kerrors.ErrMalformed)
		}
		size += int(d-'0') * count
	}
	return size, nil
}

func parseHeader(blob []byte, offset int) (header, bool, error) {
	if offset+blockSize > len(blob) {
		return header{}, false, fmt.Errorf("tarfs: truncated header at offset %d: %w", offset, kerrors.ErrMalformed)
	}
	block := blob[offset : offset+blockSize]
	if block[0] == 0 {
		return header{}, false, nil // end of archive
	}

	end := 0
	for end < nameSize && block[end] != 0 {
		end++
	}
	path := string(block[:end])
	if path == "" {
		return header{}, false, nil
	}

	size, err := asciiSize(block[sizeOffset : sizeOffset+sizeLen])
	if err != nil {
		return header{}, false, err
	}

	return header{path: path, typeflag: block[typeOffset], size: size}, true, nil
}

// nextHeaderOffset computes how many bytes of data blocks follow a header
// with the given payload size: data is padded up to the next 512-byte
// boundary (zero blocks for a directory entry, whose size is always 0).
// scanHeaders adds the 512-byte header block itself, so the header-to-header
// advance equals the one alOS's next_header_offset computes.
func nextHeaderOffset(size int) int {
	off := (size / blockSize) * blockSize
	if size%blockSize != 0 {
		off += blockSize
	}
	return off
}

// fileData is the per-file descriptor tarfs attaches to a file inode's
// FSData: a (size, pointer-into-blob) pair, mirroring alOS's struct
// file_data. The blob itself is not owned by tarfs (spec.md §3).
type fileData struct {
	size int
	data []byte
}

// superblock is tarfs's vfs.Superblock: read-only, RAM-backed, mkdir
// unavailable.
type superblock struct {
	blob []byte
}

func (s *superblock) Name() string    { return "tarfs" }
func (s *superblock) Flags() vfs.Flags { return vfs.FlagReadOnly | vfs.FlagRAMBacked }

func (s *superblock) Umount(root *vfs.Inode) error {
	return umountSubtree(root)
}

func umountSubtree(n *vfs.Inode) error {
	if n == nil {
		return fmt.Errorf("tarfs: umount: %w", kerrors.ErrInvalid)
	}
	if n.IsDir() {
		for _, c := range n.Children() {
			if err := umountSubtree(c); err != nil {
				return err
			}
		}
	}
	// Nothing further to release: fileData and the inode itself are
	// ordinary Go values collected by the GC once unreferenced; the blob
	// they point into is caller-owned and untouched, matching alOS's
	// tarfs.c o_umount (which frees the inode and file_data but never the
	// tar blob).
	return nil
}

func (s *superblock) Rawptr(file *vfs.Inode) ([]byte, error) {
	fd, ok := file.FSData().(*fileData)
	if !ok || fd == nil {
		return nil, fmt.Errorf("tarfs: rawptr: %w", kerrors.ErrInvalid)
	}
	return fd.data, nil
}

// Mount attaches a fresh tarfs superblock to root and populates it from
// blob in two passes (directories, then files), mirroring alOS's
// tarfs_mount.
func Mount(fsys *vfs.FS, root *vfs.Inode, blob []byte) error {
	if root == nil || blob == nil {
		return fmt.Errorf("tarfs: mount: %w", kerrors.ErrInvalid)
	}

	sb := &superblock{blob: blob}
	root.Superblock = sb

	headers, err := scanHeaders(blob)
	if err != nil {
		return err
	}

	// Pass 1: directories. GNU tar orders parents before children.
	for _, h := range headers {
		if h.typeflag != typeflagDir {
			continue
		}
		parent := findParent(root, h.path)
		if parent == nil {
			return fmt.Errorf("tarfs: mount: no parent directory for %q: %w", h.path, kerrors.ErrMalformed)
		}
		name := vfs.Filename(h.path)
		dir := vfs.NewDir(name, sb)
		parent.AppendChild(dir)
	}

	// Pass 2: files, now that every directory exists.
	for _, h := range headers {
		if h.typeflag != typeflagFile {
			continue
		}
		parent := findParent(root, h.path)
		if parent == nil {
			return fmt.Errorf("tarfs: mount: no parent directory for %q: %w", h.path, kerrors.ErrMalformed)
		}
		name := vfs.Filename(h.path)
		fd := &fileData{size: h.size, data: h.data}
		file := vfs.NewFile(name, sb, fd)
		parent.AppendChild(file)
	}

	return nil
}

// scannedHeader additionally carries the data slice for file entries, so a
// single scan serves both mount passes.
type scannedHeader struct {
	header
	data []byte
}

func scanHeaders(blob []byte) ([]scannedHeader, error) {
	var out []scannedHeader
	offset := 0
	for {
		h, ok, err := parseHeader(blob, offset)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		sh := scannedHeader{header: h}
		if h.typeflag == typeflagFile {
			dataStart := offset + blockSize
			dataEnd := dataStart + h.size
			if dataEnd > len(blob) {
				return nil, fmt.Errorf("tarfs: mount: file %q overruns blob: %w", h.path, kerrors.ErrMalformed)
			}
			sh.data = blob[dataStart:dataEnd]
		}
		out = append(out, sh)
		offset += blockSize + nextHeaderOffset(h.size)
	}
	return out, nil
}

// findParent walks path's directory components under root via direct
// sibling lookup, mirroring alOS's inode_parent_dir but scoped to the
// subtree tarfs itself is populating (root need not be the VFS root — the
// caller may mount tarfs anywhere under an existing tree, e.g. /initrd).
func findParent(root *vfs.Inode, path string) *vfs.Inode {
	parts := splitPath(path)
	head := root
	for _, part := range parts[:len(parts)-1] {
		next := head.FindChild(part)
		if next == nil || !next.IsDir() {
			return nil
		}
		head = next
	}
	return head
}

func splitPath(path string) []string {
	clean := path
	for len(clean) > 0 && clean[len(clean)-1] == '/' {
		clean = clean[:len(clean)-1]
	}
	for len(clean) > 0 && clean[0] == '/' {
		clean = clean[1:]
	}
	if clean == "" {
		return nil
	}
	var parts []string
	start := 0
	for i := 0; i <= len(clean); i++ {
		if i == len(clean) || clean[i] == '/' {
			parts = append(parts, clean[start:i])
			start = i + 1
		}
	}
	return parts
}
