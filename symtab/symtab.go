// Package symtab is the kernel-wide name-to-address symbol table that
// underpins dynamic linking (spec.md §4.2), ported from alOS's ksymbols.c.
//
// Storage grows in fixed BulkSize increments; Remove clears matching slots
// in place rather than compacting the table, so a later Add can reuse a
// freed slot — exactly the add_symbol()/ksymbol_remove() behavior of the
// original. Names are borrowed, not copied: the caller guarantees they
// outlive the table, matching "Names are not owned" in spec.md §3.
package symtab

// entry is one (name, address) slot. A zero-value entry (empty name) is an
// unused slot available for reuse.
type entry struct {
	name string
	addr uintptr
}

// Table is a process-wide (or module-scoped) symbol registry. The zero
// value is not usable; construct with New.
type Table struct {
	bulkSize int
	slots    []entry
}

// New returns an empty table that grows by bulkSize entries at a time.
func New(bulkSize int) *Table {
	if bulkSize <= 0 {
		bulkSize = 32
	}
	return &Table{bulkSize: bulkSize}
}

// Add stores (name, addr) in the first empty slot, growing the table by
// bulkSize slots if none is free. Duplicate names are not checked — on
// Lookup, the first match wins, matching alOS's ksymbol_add.
func (t *Table) Add(name string, addr uintptr) {
	for i := range t.slots {
		if t.slots[i].name == "" {
			t.slots[i] = entry{name: name, addr: addr}
			return
		}
	}

	start := len(t.slots)
	t.slots = append(t.slots, make([]entry, t.bulkSize)...)
	t.slots[start] = entry{name: name, addr: addr}
}

// Remove clears every slot whose name matches, mirroring ksymbol_remove's
// "clear every matching slot" behavior (duplicates are not deduplicated on
// insert, so more than one slot may need clearing).
func (t *Table) Remove(name string) {
	for i := range t.slots {
		if t.slots[i].name == name {
			t.slots[i] = entry{}
		}
	}
}

// Lookup returns the address of the first slot named name, and whether one
// was found.
func (t *Table) Lookup(name string) (uintptr, bool) {
	for _, e := range t.slots {
		if e.name != "" && e.name == name {
			return e.addr, true
		}
	}
	return 0, false
}

// Len reports the number of occupied slots, mostly useful for tests.
func (t *Table) Len() int {
	n := 0
	for _, e := range t.slots {
		if e.name != "" {
			n++
		}
	}
	return n
}
