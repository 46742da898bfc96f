// Package config replaces the compile-time #defines of spec.md §6
// (POOL_SIZE, POOL_DEPTH, ALIGN, KERNEL_STACK_SIZE, TASK_STACK_SIZE,
// symbol-table BULK_SIZE, ...) with an explicit, testable value threaded
// through every component's constructor.
//
// Defaults can be overridden from the environment via FromEnv, grounded on
// the teacher's dependencies.go, which resolves per-function repository
// overrides through FLAPC_<NAME> environment variables using
// github.com/xyproto/env/v2.
package config

import (
	"fmt"

	"github.com/xyproto/env/v2"
)

// Config bundles every kernel-core tunable. All sizes are in bytes unless
// noted otherwise.
type Config struct {
	// PoolSize is the buddy allocator's arena size. Must be a power of two.
	PoolSize int
	// PoolDepth is the buddy tree depth D; the tree has 2^D - 1 nodes.
	PoolDepth int
	// Align is the minimum alignment guaranteed for every returned address.
	Align int

	// KernelStackSize sizes the scheduler's own bootstrap stack (unused by
	// task code, kept for parity with spec.md §6's compile-time knobs).
	KernelStackSize int
	// TaskStackSize is the size of one stack page in the scheduler's arena.
	TaskStackSize int
	// MaxTasks bounds the pid space to [1, MaxTasks].
	MaxTasks int

	// SymtabBulkSize is the symbol table's growth increment.
	SymtabBulkSize int

	// TickMillis is the scheduler's periodic-interrupt period.
	TickMillis int
}

// Default returns a configuration sized for a representative Cortex-M
// target: a 64 KiB heap split into 12 orders, 8-byte alignment, eight
// 4 KiB task stacks, 32-entry symbol table growth, a 10 ms tick.
func Default() Config {
	return Config{
		PoolSize:        64 * 1024,
		PoolDepth:       12,
		Align:           8,
		KernelStackSize: 1024,
		TaskStackSize:   4096,
		MaxTasks:        8,
		SymtabBulkSize:  32,
		TickMillis:      10,
	}
}

// FromEnv overlays Default() with any of ALOS_POOL_SIZE, ALOS_POOL_DEPTH,
// ALOS_ALIGN, ALOS_KERNEL_STACK_SIZE, ALOS_TASK_STACK_SIZE, ALOS_MAX_TASKS,
// ALOS_SYMTAB_BULK_SIZE, ALOS_TICK_MS found in the environment.
func FromEnv() Config {
	c := Default()
	c.PoolSize = env.Int("ALOS_POOL_SIZE", c.PoolSize)
	c.PoolDepth = env.Int("ALOS_POOL_DEPTH", c.PoolDepth)
	c.Align = env.Int("ALOS_ALIGN", c.Align)
	c.KernelStackSize = env.Int("ALOS_KERNEL_STACK_SIZE", c.KernelStackSize)
	c.TaskStackSize = env.Int("ALOS_TASK_STACK_SIZE", c.TaskStackSize)
	c.MaxTasks = env.Int("ALOS_MAX_TASKS", c.MaxTasks)
	c.SymtabBulkSize = env.Int("ALOS_SYMTAB_BULK_SIZE", c.SymtabBulkSize)
	c.TickMillis = env.Int("ALOS_TICK_MS", c.TickMillis)
	return c
}

// Validate checks the build-time invariants spec.md §3 and §6 require:
// POOL_SIZE >> (DEPTH-1) must be both non-zero and a multiple of Align.
func (c Config) Validate() error {
	if c.PoolDepth <= 0 || c.PoolDepth > 31 {
		return fmt.Errorf("config: pool depth %d out of range", c.PoolDepth)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("config: pool size %d must be positive", c.PoolSize)
	}
	if c.Align <= 0 {
		return fmt.Errorf("config: align %d must be positive", c.Align)
	}
	smallest := c.PoolSize >> (c.PoolDepth - 1)
	if smallest == 0 {
		return fmt.Errorf("config: pool depth %d too large for pool size %d", c.PoolDepth, c.PoolSize)
	}
	if smallest%c.Align != 0 {
		return fmt.Errorf("config: smallest block size %d is not a multiple of align %d", smallest, c.Align)
	}
	if c.TaskStackSize <= 0 || c.MaxTasks <= 0 || c.SymtabBulkSize <= 0 {
		return fmt.Errorf("config: stack size, max tasks and symtab bulk size must all be positive")
	}
	return nil
}
