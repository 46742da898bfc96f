// Package allocator implements the kernel's single buddy-tree arena, the
// only source of heap memory for every other component (spec.md §4.1).
//
// It is a direct port of alOS's kmalloc.c: a conceptual perfect binary tree
// of depth D over a contiguous byte pool, where order o holds 2^o blocks of
// size PoolSize>>o. A node is USED iff some live allocation returned its
// base, BLOCKED_BY_CHILD iff a descendant is USED, BLOCKED_BY_PARENT iff an
// ancestor is USED; alloc/release/realloc walk that tree exactly as the C
// original does. Go's zero-value-plus-error idiom (see kerrors) replaces the
// C convention of returning a negative offset on failure.
package allocator

import (
	"fmt"
	"io"

	"github.com/xyproto/alos-core/config"
	"github.com/xyproto/alos-core/kerrors"
)

type status uint8

const (
	statusFree status = iota
	statusUsed
	statusBlockedByParent
	statusBlockedByChild
)

func (s status) rune() byte {
	switch s {
	case statusFree:
		return 'F'
	case statusUsed:
		return 'U'
	case statusBlockedByChild:
		return 'C'
	case statusBlockedByParent:
		return 'P'
	default:
		return '?'
	}
}

// Arena is a single buddy-tree heap. It is not safe for concurrent use
// without external synchronization (spec.md §4.1: "single-threaded; callers
// must not invoke during an interrupt that might itself allocate").
type Arena struct {
	pool        []byte
	depth       int
	align       int
	blockSize   []int // per order, in bytes
	blockCount  []int // per order
	blockStatus []status
}

// New validates cfg (see config.Config.Validate) and returns a fresh arena
// with every node FREE.
func New(cfg config.Config) (*Arena, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Arena{
		pool:       make([]byte, cfg.PoolSize),
		depth:      cfg.PoolDepth,
		align:      cfg.Align,
		blockSize:  make([]int, cfg.PoolDepth),
		blockCount: make([]int, cfg.PoolDepth),
	}

	blocks := (1 << uint(cfg.PoolDepth)) - 1
	a.blockStatus = make([]status, blocks)

	for o := 0; o < cfg.PoolDepth; o++ {
		a.blockSize[o] = cfg.PoolSize >> uint(o)
		a.blockCount[o] = 1 << uint(o)
	}

	return a, nil
}

// blockID returns the global id of block (order, id), or -1 if out of range.
func (a *Arena) blockID(order, id int) int {
	if order < 0 || order >= a.depth {
		return -1
	}
	if id < 0 || id >= a.blockCount[order] {
		return -1
	}
	return id + (1<<uint(order) - 1)
}

func (a *Arena) statusAt(order, id int) (int, bool) {
	g := a.blockID(order, id)
	if g < 0 {
		return 0, false
	}
	return g, true
}

func (a *Arena) markParents(order, id int, s status) bool {
	for order != 0 {
		order--
		id >>= 1
		g, ok := a.statusAt(order, id)
		if !ok {
			return false
		}
		if a.blockStatus[g] == s {
			break
		}
		a.blockStatus[g] = s
	}
	return true
}

func (a *Arena) markChildren(order, id int, s status) bool {
	order++
	id <<= 1
	if order >= a.depth {
		return true
	}
	for i := 0; i < 2; i++ {
		g, ok := a.statusAt(order, id+i)
		if !ok {
			return false
		}
		if a.blockStatus[g] != s {
			a.blockStatus[g] = s
			if !a.markChildren(order, id+i, s) {
				return false
			}
		}
	}
	return true
}

// findUsed locates the unique USED node covering offset, scanning orders
// shallowest-first exactly as alOS's find_used does.
func (a *Arena) findUsed(offset int) (order, id, global int, ok bool) {
	for o := 0; o < a.depth; o++ {
		i := offset / a.blockSize[o]
		g, inRange := a.statusAt(o, i)
		if !inRange {
			return 0, 0, 0, false
		}
		if a.blockStatus[g] == statusUsed {
			return o, i, g, true
		}
	}
	return 0, 0, 0, false
}

// Alloc reserves a block able to hold size bytes and returns its offset
// into the pool. It returns kerrors.ErrInvalid for a non-positive or
// oversized request, kerrors.ErrExhausted if no block of a suitable order
// is free.
func (a *Arena) Alloc(size int) (int, error) {
	if size <= 0 || size > len(a.pool) {
		return 0, fmt.Errorf("allocator: alloc(%d): %w", size, kerrors.ErrInvalid)
	}

	order := -1
	for o := a.depth - 1; o >= 0; o-- {
		if size <= a.blockSize[o] {
			order = o
			break
		}
	}
	if order < 0 {
		return 0, fmt.Errorf("allocator: alloc(%d): %w", size, kerrors.ErrExhausted)
	}

	id := -1
	var global int
	for i := 0; i < a.blockCount[order]; i++ {
		g, _ := a.statusAt(order, i)
		if a.blockStatus[g] == statusFree {
			id = i
			global = g
			break
		}
	}
	if id < 0 {
		return 0, fmt.Errorf("allocator: alloc(%d): %w", size, kerrors.ErrExhausted)
	}

	a.blockStatus[global] = statusUsed
	if !a.markChildren(order, id, statusBlockedByParent) {
		a.blockStatus[global] = statusFree
		return 0, fmt.Errorf("allocator: alloc(%d): internal tree error", size)
	}
	if !a.markParents(order, id, statusBlockedByChild) {
		a.blockStatus[global] = statusFree
		return 0, fmt.Errorf("allocator: alloc(%d): internal tree error", size)
	}

	return id * a.blockSize[order], nil
}

// Release frees the block previously returned by Alloc at offset, then
// coalesces with its buddy up the tree while possible.
func (a *Arena) Release(offset int) error {
	if offset < 0 || offset >= len(a.pool) {
		return fmt.Errorf("allocator: release(%d): %w", offset, kerrors.ErrInvalid)
	}

	order, id, global, ok := a.findUsed(offset)
	if !ok {
		return fmt.Errorf("allocator: release(%d): %w", offset, kerrors.ErrInvalid)
	}

	a.blockStatus[global] = statusFree
	if !a.markChildren(order, id, statusFree) {
		return fmt.Errorf("allocator: release(%d): internal tree error", offset)
	}

	for order > 0 {
		buddy := id ^ 1
		g, inRange := a.statusAt(order, buddy)
		if !inRange {
			return fmt.Errorf("allocator: release(%d): internal tree error", offset)
		}
		if a.blockStatus[g] != statusFree {
			break
		}
		order--
		id >>= 1
		g, inRange = a.statusAt(order, id)
		if !inRange {
			return fmt.Errorf("allocator: release(%d): internal tree error", offset)
		}
		a.blockStatus[g] = statusFree
	}

	return nil
}

// Realloc allocates a new size-byte block, copies min(oldSize, size) bytes
// from ptr's current block, and releases the old block. oldSize is derived
// from the block actually covering ptr's offset, matching alOS's krealloc.
func (a *Arena) Realloc(offset, size int) (int, error) {
	if size == 0 {
		return 0, fmt.Errorf("allocator: realloc to size 0: %w", kerrors.ErrInvalid)
	}

	newOffset, err := a.Alloc(size)
	if err != nil {
		return 0, err
	}

	order, _, _, ok := a.findUsed(offset)
	if !ok {
		return 0, fmt.Errorf("allocator: realloc(%d): %w", offset, kerrors.ErrInvalid)
	}
	oldSize := a.blockSize[order]

	n := oldSize
	if size < n {
		n = size
	}
	copy(a.pool[newOffset:newOffset+n], a.pool[offset:offset+n])

	if err := a.Release(offset); err != nil {
		return 0, err
	}

	return newOffset, nil
}

// Bytes returns the byte slice backing offset..offset+size, suitable for
// callers that need to read or write an allocated block directly (e.g. the
// ELF loader's program image).
func (a *Arena) Bytes(offset, size int) []byte {
	return a.pool[offset : offset+size]
}

// Align is the alignment this arena guarantees for every Alloc'd address.
func (a *Arena) Align() int { return a.align }

// Size is the total size in bytes of the arena's backing pool.
func (a *Arena) Size() int { return len(a.pool) }

// Dump renders the allocator's order-by-order status tree, grounded on
// alOS's kmalloc.c dump() helper.
func (a *Arena) Dump(w io.Writer) {
	for o := 0; o < a.depth; o++ {
		fmt.Fprintf(w, "%2d [%6d]: ", o, a.blockSize[o])
		for i := 0; i < a.blockCount[o]; i++ {
			g, _ := a.statusAt(o, i)
			fmt.Fprintf(w, "%c", a.blockStatus[g].rune())
		}
		fmt.Fprintln(w)
	}
}
