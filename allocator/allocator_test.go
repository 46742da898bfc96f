package allocator

import (
	"errors"
	"testing"

	"github.com/xyproto/alos-core/config"
	"github.com/xyproto/alos-core/kerrors"
)

func testConfig() config.Config {
	c := config.Default()
	c.PoolSize = 1024
	c.PoolDepth = 7 // smallest block = 1024>>6 = 16, multiple of Align=8
	c.Align = 8
	return c
}

func TestAllocAlignment(t *testing.T) {
	a, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sizes := []int{1, 7, 8, 15, 16, 33}
	for _, s := range sizes {
		off, err := a.Alloc(s)
		if err != nil {
			t.Fatalf("Alloc(%d): %v", s, err)
		}
		if off%a.Align() != 0 {
			t.Errorf("Alloc(%d) = %d, not a multiple of %d", s, off, a.Align())
		}
	}
}

func TestNonOverlap(t *testing.T) {
	a, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	type span struct{ start, end int }
	var spans []span
	for i := 0; i < 8; i++ {
		off, err := a.Alloc(16)
		if err != nil {
			break
		}
		spans = append(spans, span{off, off + 16})
	}
	for i := range spans {
		for j := range spans {
			if i == j {
				continue
			}
			if spans[i].start < spans[j].end && spans[j].start < spans[i].end {
				t.Fatalf("overlapping spans %v and %v", spans[i], spans[j])
			}
		}
	}
}

func TestCoalescence(t *testing.T) {
	a, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	o1, err := a.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	o2, err := a.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	// Consume the rest of the pool so that, before release, nothing of this
	// order is free.
	var rest []int
	for {
		off, err := a.Alloc(16)
		if err != nil {
			break
		}
		rest = append(rest, off)
	}

	if err := a.Release(o1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := a.Release(o2); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// o1 and o2 are buddies, so releasing both coalesces them into one free
	// 32-byte block; with the rest of the pool still allocated, that block is
	// the only place a 32-byte request can fit.
	if _, err := a.Alloc(32); err != nil {
		t.Fatalf("expected coalesced 32-byte block to be allocatable, got %v", err)
	}

	for _, off := range rest {
		_ = a.Release(off)
	}
}

func TestRoundTrip(t *testing.T) {
	a, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	before := make([]status, len(a.blockStatus))
	copy(before, a.blockStatus)

	off, err := a.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := a.Release(off); err != nil {
		t.Fatalf("Release: %v", err)
	}

	for i := range before {
		if before[i] != a.blockStatus[i] {
			t.Fatalf("status tree not restored at node %d: want %v got %v", i, before[i], a.blockStatus[i])
		}
	}
}

func TestAllocExhaustion(t *testing.T) {
	a, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for {
		if _, err := a.Alloc(16); err != nil {
			break
		}
	}

	if _, err := a.Alloc(16); err == nil {
		t.Fatal("expected exhaustion error")
	} else if !errors.Is(err, kerrors.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestReallocGrowsAndCopies(t *testing.T) {
	a, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	off, err := a.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	copy(a.Bytes(off, 16), []byte("0123456789abcdef"))

	newOff, err := a.Realloc(off, 64)
	if err != nil {
		t.Fatalf("Realloc: %v", err)
	}
	got := string(a.Bytes(newOff, 16))
	if got != "0123456789abcdef" {
		t.Fatalf("realloc did not preserve contents: got %q", got)
	}
}
