// Package sched is the preemptive round-robin task scheduler, grounded on
// spec.md §4.6 (the canonical source per spec.md §9, since
// original_source/ksched.c is fragmentary — it only implements the task
// linked list, not spawn/schedule/context-switch). Task is alOS's
// ktask: pid, name, scheduler-private data, a saved stack pointer, and
// doubly-linked-list links; TaskList is the circular list with a
// self-linked sentinel at pid 0 (ksched.c's tasks_list head, here made an
// explicit, non-nil-by-construction sentinel node rather than the first
// real task doubling as the list head).
package sched

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/xyproto/alos-core/config"
	"github.com/xyproto/alos-core/hw"
	"github.com/xyproto/alos-core/kerrors"
	"github.com/xyproto/alos-core/kprint"
	"github.com/xyproto/alos-core/stackarena"
)

// Task is one scheduled task: its identity, scheduler-policy data, saved
// stack pointer, and the stack page backing it.
type Task struct {
	PID  int
	Name string

	// SchedData is opaque, policy-owned data, mirroring ktask.sched_data
	// ("must point to something that contains no allocated memory
	// inside" in the original — not a constraint Go's GC needs callers to
	// honor, so SchedData here is simply whatever InitTaskData returns).
	SchedData any

	// SP is the task's saved process stack pointer: an address into the
	// stackarena.Arena's flat backing pool, exactly like an
	// allocator.Arena offset is an address into its own pool.
	SP uint32

	stackPageID int

	// Entry, ExitFn and Arg are the task's workload, carried as Go
	// closures rather than resolved machine addresses (see Spawn's
	// frame-crafting comment): the context switch (onInterrupt) never calls
	// Entry — there is no CPU here to dereference a PC and run it — but a
	// caller driving the simulation by hand does, either through RunCurrent
	// (cmd/alos's demo loop) or directly (sched's own tests).
	Entry  func(arg uint32)
	ExitFn func(arg uint32)
	Arg    uint32

	prev *Task
	next *Task
}

// TaskList is the scheduler's circular doubly-linked task list, with a
// self-linked sentinel standing in for ksched.c's "always contains at
// least a task... holds an empty (pid 0) task".
type TaskList struct {
	sentinel *Task
}

// NewTaskList returns a list containing only its self-linked sentinel.
func NewTaskList() *TaskList {
	s := &Task{PID: 0, Name: "idle"}
	s.prev, s.next = s, s
	return &TaskList{sentinel: s}
}

// Sentinel returns the list's pid-0 sentinel task.
func (l *TaskList) Sentinel() *Task { return l.sentinel }

// InsertTail links task in just before the sentinel (i.e. at the tail of
// the non-sentinel run), mirroring ksched.c's tasks_add: "last :=
// tasks_list->prev; last.next = task; task.next = tasks_list; ...".
func (l *TaskList) InsertTail(task *Task) {
	last := l.sentinel.prev
	last.next = task
	task.next = l.sentinel
	l.sentinel.prev = task
	task.prev = last
}

// Remove unlinks task from the list, mirroring tasks_remove's pointer
// surgery (the original also frees the task and its sched_data; Go leaves
// that to the garbage collector once the caller drops its references).
func (l *TaskList) Remove(task *Task) error {
	if task.next == nil || task.prev == nil {
		return fmt.Errorf("sched: remove: %w", kerrors.ErrInvalid)
	}
	task.prev.next = task.next
	task.next.prev = task.prev
	task.next, task.prev = nil, nil
	return nil
}

// Each calls fn for every non-sentinel task, in list order.
func (l *TaskList) Each(fn func(*Task)) {
	for t := l.sentinel.next; t != l.sentinel; t = t.next {
		fn(t)
	}
}

// Policy is the scheduler's pluggable task-selection strategy, mirroring
// spec.md §4.6's "policy exposes four optional hooks". OnInsert/OnRemove
// fire once on ChangePolicy, when a policy becomes active or inactive;
// InitTaskData runs once per task at creation (and again for every
// existing task on a policy change); PickNext runs on every tick.
type Policy interface {
	OnInsert(list *TaskList) error
	OnRemove(list *TaskList) error
	InitTaskData(task *Task) any
	PickNext(list *TaskList, current *Task) *Task
}

// RoundRobin is the default policy: no per-task data, pick current.next,
// skipping the sentinel.
type RoundRobin struct{}

func (RoundRobin) OnInsert(*TaskList) error { return nil }
func (RoundRobin) OnRemove(*TaskList) error { return nil }
func (RoundRobin) InitTaskData(*Task) any   { return nil }

func (RoundRobin) PickNext(list *TaskList, current *Task) *Task {
	if current == nil {
		next := list.sentinel.next
		if next == list.sentinel {
			return nil
		}
		return next
	}
	next := current.next
	if next == list.sentinel {
		next = next.next
	}
	if next == list.sentinel {
		return nil // no non-sentinel task left
	}
	return next
}

// hwFrameWords is the eight-word hardware interrupt frame spec.md §4.6
// mandates: {R0..R3, R12, LR, PC, xPSR}.
const hwFrameWords = 8

// xPSRThumb is the Thumb-mode bit alOS always sets in a freshly crafted
// task frame's xPSR word.
const xPSRThumb = 0x21000000

// Scheduler owns the task list, stack-page arena, active policy, and the
// hardware primitives handle driving context switches.
type Scheduler struct {
	mu sync.Mutex

	cfg    config.Config
	stacks *stackarena.Arena
	hw     hw.Primitives
	policy Policy
	list   *TaskList
	log    *kprint.Channel

	current *Task
	started bool
}

// Init returns a dormant scheduler: the task list contains only the
// sentinel, current is nil, and the hardware tick is armed but not
// started, mirroring ksched_init's "do not launch any task for now".
func Init(cfg config.Config, stacks *stackarena.Arena, primitives hw.Primitives, log *kprint.Channel) (*Scheduler, error) {
	if stacks == nil || primitives == nil {
		return nil, fmt.Errorf("sched: init: %w", kerrors.ErrInvalid)
	}
	if log == nil {
		log = kprint.Default
	}
	s := &Scheduler{
		cfg:    cfg,
		stacks: stacks,
		hw:     primitives,
		policy: RoundRobin{},
		list:   NewTaskList(),
		log:    log,
	}
	// Bind is not part of hw.Primitives itself — only a concrete backend
	// (hw.Simulated) needs to know which function to call on tick/PendSV —
	// so it is reached via an optional interface rather than widening the
	// primitives contract every backend would have to implement.
	if binder, ok := primitives.(interface{ Bind(hw.Handler) }); ok {
		binder.Bind(s.onInterrupt)
	}
	primitives.ArmTick(time.Duration(cfg.TickMillis) * time.Millisecond)
	return s, nil
}

// freePID linearly probes [1, MaxTasks] for an unused pid, mirroring
// spawn()'s pid allocation.
func (s *Scheduler) freePID() (int, error) {
	for pid := 1; pid <= s.cfg.MaxTasks; pid++ {
		if _, ok := s.taskByPIDLocked(pid); !ok {
			return pid, nil
		}
	}
	return 0, fmt.Errorf("sched: no free pid in [1,%d]: %w", s.cfg.MaxTasks, kerrors.ErrExhausted)
}

func (s *Scheduler) taskByPIDLocked(pid int) (*Task, bool) {
	var found *Task
	s.list.Each(func(t *Task) {
		if t.PID == pid {
			found = t
		}
	})
	return found, found != nil
}

// Spawn allocates a stack page, crafts its initial hardware interrupt
// frame, links the new task into the list, and calls the active policy's
// InitTaskData — mirroring spawn(name, entry, exit, arg).
func (s *Scheduler) Spawn(name string, entry, exit func(arg uint32), arg uint32) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawnLocked(name, entry, exit, arg)
}

func (s *Scheduler) spawnLocked(name string, entry, exit func(arg uint32), arg uint32) (*Task, error) {
	page, id, err := s.stacks.Alloc()
	if err != nil {
		return nil, fmt.Errorf("sched: spawn %q: %w", name, err)
	}

	pid, err := s.freePID()
	if err != nil {
		s.stacks.Release(id)
		return nil, fmt.Errorf("sched: spawn %q: %w", name, err)
	}

	base := s.stacks.PageOffset(id)
	top := base + len(page)
	frameStart := top - hwFrameWords*4
	frame := s.stacks.Bytes(frameStart, hwFrameWords*4)

	// {R0, R1, R2, R3, R12, LR, PC, xPSR}; entry/exit are carried as
	// opaque Go closures (see Task.Entry/Task.ExitFn) rather than real
	// machine addresses, so the PC/LR words below are written for
	// structural fidelity with the frame layout but are not themselves
	// dereferenced by anything in this simulation.
	binary.LittleEndian.PutUint32(frame[0:4], arg)
	binary.LittleEndian.PutUint32(frame[4:8], 0)
	binary.LittleEndian.PutUint32(frame[8:12], 0)
	binary.LittleEndian.PutUint32(frame[12:16], 0)
	binary.LittleEndian.PutUint32(frame[16:20], 0)
	binary.LittleEndian.PutUint32(frame[20:24], uint32(frameStart)) // LR: exit's frame slot
	binary.LittleEndian.PutUint32(frame[24:28], uint32(frameStart)) // PC: entry's frame slot
	binary.LittleEndian.PutUint32(frame[28:32], xPSRThumb)

	sp := s.hw.PushSoftwareFrame(uint32(frameStart))

	task := &Task{PID: pid, Name: name, SP: sp, stackPageID: id, Entry: entry, ExitFn: exit, Arg: arg}
	s.list.InsertTail(task)
	task.SchedData = s.policy.InitTaskData(task)

	s.log.Tracef("spawned task %q (pid %d)", name, pid)
	return task, nil
}

// SpawnPublic wraps Spawn with the scheduler's own exit handling. The
// first successful call starts the tick and triggers an immediate
// reschedule, then blocks forever cycling through hw.Primitives.ThreadMode
// — it never returns to its caller, mirroring spec.md §4.6's "this call
// never returns" note on the first public spawn.
func (s *Scheduler) SpawnPublic(name string, entry func(arg uint32), arg uint32) (*Task, error) {
	s.mu.Lock()
	task, err := s.spawnLocked(name, entry, nil, arg)
	first := err == nil && !s.started
	if first {
		s.started = true
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if !first {
		return task, nil
	}

	s.hw.StartTick()
	s.hw.TriggerPendSV()
	for {
		s.hw.ThreadMode()
	}
}

// RunCurrent invokes the current task's Entry once, then exits the task —
// the simplified, non-preemptible stand-in this simulation uses for
// "resume execution at the task's saved PC": a real Cortex-M would resume
// mid-function across context switches, but nothing here executes
// arbitrary machine code, so one scheduled turn runs a task's entire
// workload to completion. Callers driving multi-tick demonstrations
// (cmd/alos) call this once per context switch instead of reaching into
// Task directly.
func (s *Scheduler) RunCurrent() error {
	task := s.Current()
	if task == nil || task.Entry == nil {
		return nil
	}
	task.Entry(task.Arg)
	if task.ExitFn != nil {
		task.ExitFn(task.Arg)
	}
	return s.Exit(task)
}

// TaskByPID linearly scans the task list for pid.
func (s *Scheduler) TaskByPID(pid int) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskByPIDLocked(pid)
}

// Current returns the task presently selected to run, or nil if the
// scheduler is still dormant.
func (s *Scheduler) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Exit removes task from the list, frees its stack page and policy data,
// and triggers an immediate reschedule — mirroring the default exit
// handler ("removes current from the list, frees its stack page and
// policy data, triggers the pending interrupt").
func (s *Scheduler) Exit(task *Task) error {
	s.mu.Lock()
	if err := s.list.Remove(task); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("sched: exit pid %d: %w", task.PID, err)
	}
	if err := s.stacks.Release(task.stackPageID); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("sched: exit pid %d: %w", task.PID, err)
	}
	task.SchedData = nil
	if s.current == task {
		s.current = nil
	}
	s.log.Tracef("task %q (pid %d) exited", task.Name, task.PID)
	s.mu.Unlock()

	s.hw.TriggerPendSV()
	return nil
}

// ChangePolicy retires the active policy and installs newPolicy, mirroring
// change_policy: "invoke old policy's on_remove, new policy's on_insert,
// then for each task, free old policy-data and call new init_task_data.
// If any hook fails, abort with error" — leaving the previous policy in
// place.
func (s *Scheduler) ChangePolicy(newPolicy Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.policy.OnRemove(s.list); err != nil {
		return fmt.Errorf("sched: change policy: old policy on_remove: %w", err)
	}
	if err := newPolicy.OnInsert(s.list); err != nil {
		return fmt.Errorf("sched: change policy: new policy on_insert: %w", err)
	}

	s.list.Each(func(t *Task) {
		t.SchedData = newPolicy.InitTaskData(t)
	})
	s.policy = newPolicy
	return nil
}

// onInterrupt is the context-switch routine bound to hw.Primitives as its
// Handler, mirroring spec.md §4.6's four-step sequence: push a software
// frame, run schedule (bootstrap or pick_next), pop the software frame,
// then (via the hw backend releasing its ThreadMode waiter) return to
// thread mode.
func (s *Scheduler) onInterrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp := s.hw.PushSoftwareFrame(s.hw.ReadPSP())
	if s.current != nil {
		s.current.SP = sp
	}

	next := s.policy.PickNext(s.list, s.current)
	if next == nil {
		return
	}
	if next != s.current {
		s.current = next
	}

	newSP := s.hw.PopSoftwareFrame(s.current.SP)
	s.hw.WritePSP(newSP)
}
