// Package stackarena is the scheduler's fixed-size stack-page pool: a flat
// array of equally sized byte pages, each either free or owned by exactly
// one task. It mirrors the stack-page bookkeeping spec.md §4.6 describes
// ("allocate a stack page" / "free its stack page") but — unlike the
// buddy-tree allocator package, which splits and coalesces variable-size
// blocks — every page here is the same fixed TaskStackSize, so a simple
// slice of used flags, scanned for the first free page, is sufficient:
// spawning a task never walks a tree.
package stackarena

import (
	"fmt"

	"github.com/xyproto/alos-core/kerrors"
)

// Arena is a fixed-page stack pool. Not safe for concurrent use without
// external synchronization, matching allocator.Arena's own contract.
type Arena struct {
	pages     []byte
	pageSize  int
	pageCount int
	used      []bool
}

// New returns a fresh Arena of pageCount pages, each pageSize bytes.
func New(pageSize, pageCount int) (*Arena, error) {
	if pageSize <= 0 || pageCount <= 0 {
		return nil, fmt.Errorf("stackarena: new(%d, %d): %w", pageSize, pageCount, kerrors.ErrInvalid)
	}
	return &Arena{
		pages:     make([]byte, pageSize*pageCount),
		pageSize:  pageSize,
		pageCount: pageCount,
		used:      make([]bool, pageCount),
	}, nil
}

// Alloc reserves the first free page and returns it as a byte slice,
// mirroring spawn()'s "allocate a stack page" step.
func (a *Arena) Alloc() ([]byte, int, error) {
	for i := 0; i < a.pageCount; i++ {
		if !a.used[i] {
			a.used[i] = true
			start := i * a.pageSize
			return a.pages[start : start+a.pageSize], i, nil
		}
	}
	return nil, 0, fmt.Errorf("stackarena: alloc: %w", kerrors.ErrExhausted)
}

// Release returns page id to the free pool.
func (a *Arena) Release(id int) error {
	if id < 0 || id >= a.pageCount {
		return fmt.Errorf("stackarena: release(%d): %w", id, kerrors.ErrInvalid)
	}
	if !a.used[id] {
		return fmt.Errorf("stackarena: release(%d): page not in use: %w", id, kerrors.ErrInvalid)
	}
	a.used[id] = false
	return nil
}

// PageSize returns the fixed size of every page in the arena.
func (a *Arena) PageSize() int { return a.pageSize }

// PageOffset returns page id's byte offset within the arena's flat backing
// array, letting callers (sched, crafting a hardware interrupt frame)
// address a specific page's bytes directly via Bytes.
func (a *Arena) PageOffset(id int) int { return id * a.pageSize }

// Bytes returns the byte slice backing offset..offset+size within the
// arena's single contiguous pool, mirroring allocator.Arena.Bytes.
func (a *Arena) Bytes(offset, size int) []byte {
	return a.pages[offset : offset+size]
}

// Free reports how many pages are currently unused.
func (a *Arena) Free() int {
	n := 0
	for _, u := range a.used {
		if !u {
			n++
		}
	}
	return n
}
