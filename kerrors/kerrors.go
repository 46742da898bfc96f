// Package kerrors defines the sentinel errors shared by every kernel-core
// package, matching the failure taxonomy of the original design: input
// validation, resource exhaustion, format violation, and dependency failure.
package kerrors

import "errors"

var (
	// ErrInvalid marks a rejected input: a nil pointer, an out-of-range id,
	// a malformed path. No side effects are expected to have occurred.
	ErrInvalid = errors.New("invalid argument")

	// ErrExhausted marks resource exhaustion: the allocator has no free
	// block of the requested size, the stack-page arena is full, or the
	// pid space is full.
	ErrExhausted = errors.New("resource exhausted")

	// ErrMisaligned marks an alignment violation, e.g. a section whose
	// sh_addralign exceeds the allocator's guaranteed alignment.
	ErrMisaligned = errors.New("alignment violation")

	// ErrNotFound marks a lookup miss: a path, symbol, pid, or module name
	// that does not resolve to anything live.
	ErrNotFound = errors.New("not found")

	// ErrMalformed marks a format violation: an unparseable ELF file, a
	// truncated relocation section, a truncated TAR header or a bad size
	// field.
	ErrMalformed = errors.New("malformed input")

	// ErrCycle marks a dependency cycle detected during a recursive
	// module insert (see the Open Question resolution in DESIGN.md).
	ErrCycle = errors.New("dependency cycle")

	// ErrDependents marks a dependency failure the caller did not ask to
	// resolve: a remove refused because other modules still depend on the
	// module, or an insert refused because a declared dependency is not
	// loaded.
	ErrDependents = errors.New("module has dependents")

	// ErrUnsupported marks an otherwise well-formed relocation, section,
	// or symbol type this loader does not implement.
	ErrUnsupported = errors.New("unsupported")
)
