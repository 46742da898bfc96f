package sched

import (
	"testing"

	"github.com/xyproto/alos-core/config"
	"github.com/xyproto/alos-core/hw"
	"github.com/xyproto/alos-core/kprint"
	"github.com/xyproto/alos-core/stackarena"
)

func newFixture(t *testing.T, maxTasks int) (*Scheduler, *hw.Simulated) {
	t.Helper()
	cfg := config.Default()
	cfg.MaxTasks = maxTasks
	stacks, err := stackarena.New(cfg.TaskStackSize, maxTasks)
	if err != nil {
		t.Fatalf("stackarena.New: %v", err)
	}
	primitives := hw.NewSimulated(kprint.Default)
	s, err := Init(cfg, stacks, primitives, kprint.Default)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s, primitives
}

func TestSpawnAssignsPIDsAndLinksTaskList(t *testing.T) {
	s, _ := newFixture(t, 4)

	a, err := s.Spawn("a", nil, nil, 0)
	if err != nil {
		t.Fatalf("spawn a: %v", err)
	}
	b, err := s.Spawn("b", nil, nil, 0)
	if err != nil {
		t.Fatalf("spawn b: %v", err)
	}
	if a.PID == b.PID {
		t.Fatalf("expected distinct pids, got %d and %d", a.PID, b.PID)
	}

	if got, ok := s.TaskByPID(a.PID); !ok || got != a {
		t.Fatalf("TaskByPID(%d) = %v, %v", a.PID, got, ok)
	}
	if got, ok := s.TaskByPID(b.PID); !ok || got != b {
		t.Fatalf("TaskByPID(%d) = %v, %v", b.PID, got, ok)
	}
}

func TestSpawnExhaustsPIDSpace(t *testing.T) {
	s, _ := newFixture(t, 2)

	if _, err := s.Spawn("a", nil, nil, 0); err != nil {
		t.Fatalf("spawn a: %v", err)
	}
	if _, err := s.Spawn("b", nil, nil, 0); err != nil {
		t.Fatalf("spawn b: %v", err)
	}
	if _, err := s.Spawn("c", nil, nil, 0); err == nil {
		t.Fatal("expected third spawn to fail once pid space and stack pages are exhausted")
	}
}

// TestRoundRobinProgress exercises spec.md §8's "task progress" property:
// repeatedly invoking the bound context-switch routine cycles current
// through every spawned task in insertion order.
func TestRoundRobinProgress(t *testing.T) {
	s, _ := newFixture(t, 4)

	a, _ := s.Spawn("a", nil, nil, 0)
	b, _ := s.Spawn("b", nil, nil, 0)
	c, _ := s.Spawn("c", nil, nil, 0)

	s.onInterrupt()
	if s.Current() != a {
		t.Fatalf("first switch: current = %v, want a", s.Current())
	}
	s.onInterrupt()
	if s.Current() != b {
		t.Fatalf("second switch: current = %v, want b", s.Current())
	}
	s.onInterrupt()
	if s.Current() != c {
		t.Fatalf("third switch: current = %v, want c", s.Current())
	}
	s.onInterrupt()
	if s.Current() != a {
		t.Fatalf("fourth switch: current = %v, want wraparound to a", s.Current())
	}
}

func TestExitReleasesStackPageForReuse(t *testing.T) {
	s, _ := newFixture(t, 1)

	a, err := s.Spawn("a", nil, nil, 0)
	if err != nil {
		t.Fatalf("spawn a: %v", err)
	}
	if s.stacks.Free() != 0 {
		t.Fatalf("expected 0 free pages after spawn, got %d", s.stacks.Free())
	}

	if err := s.Exit(a); err != nil {
		t.Fatalf("exit a: %v", err)
	}
	if s.stacks.Free() != 1 {
		t.Fatalf("expected 1 free page after exit, got %d", s.stacks.Free())
	}
	if _, ok := s.TaskByPID(a.PID); ok {
		t.Fatalf("pid %d still resolves after exit", a.PID)
	}

	// The freed page must be reusable by a subsequent spawn.
	if _, err := s.Spawn("b", nil, nil, 0); err != nil {
		t.Fatalf("spawn b after exit should reuse freed page: %v", err)
	}
}

func TestExitOfUnknownTaskFails(t *testing.T) {
	s, _ := newFixture(t, 2)
	a, _ := s.Spawn("a", nil, nil, 0)
	if err := s.Exit(a); err != nil {
		t.Fatalf("exit a: %v", err)
	}
	if err := s.Exit(a); err == nil {
		t.Fatal("expected second exit of the same task to fail")
	}
}

func TestSpawnCraftsEightWordHardwareFrame(t *testing.T) {
	s, _ := newFixture(t, 2)
	task, err := s.Spawn("a", nil, nil, 0xAA)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	// Spawn reserves a software frame below the hardware frame via
	// PushSoftwareFrame, so task.SP points frameWords*4 bytes below where
	// the hardware frame itself was crafted.
	frameStart := int(task.SP) + hwFrameWords*4
	frame := s.stacks.Bytes(frameStart, hwFrameWords*4)

	r0 := leUint32(frame[0:4])
	if r0 != 0xAA {
		t.Fatalf("R0 = %#x, want arg 0xAA", r0)
	}
	xpsr := leUint32(frame[28:32])
	if xpsr != xPSRThumb {
		t.Fatalf("xPSR = %#x, want %#x", xpsr, xPSRThumb)
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

type recordingPolicy struct {
	inserted, removed int
	initCalls         int
}

func (p *recordingPolicy) OnInsert(*TaskList) error { p.inserted++; return nil }
func (p *recordingPolicy) OnRemove(*TaskList) error { p.removed++; return nil }
func (p *recordingPolicy) InitTaskData(*Task) any   { p.initCalls++; return nil }
func (p *recordingPolicy) PickNext(list *TaskList, current *Task) *Task {
	return RoundRobin{}.PickNext(list, current)
}

func TestChangePolicyInvokesLifecycleHooks(t *testing.T) {
	s, _ := newFixture(t, 3)
	s.Spawn("a", nil, nil, 0)
	s.Spawn("b", nil, nil, 0)

	rp := &recordingPolicy{}
	if err := s.ChangePolicy(rp); err != nil {
		t.Fatalf("ChangePolicy: %v", err)
	}
	if rp.inserted != 1 {
		t.Fatalf("OnInsert called %d times, want 1", rp.inserted)
	}
	if rp.initCalls != 2 {
		t.Fatalf("InitTaskData called %d times, want 2 (one per existing task)", rp.initCalls)
	}
}

func TestInitRejectsNilCollaborators(t *testing.T) {
	cfg := config.Default()
	stacks, _ := stackarena.New(cfg.TaskStackSize, cfg.MaxTasks)
	primitives := hw.NewSimulated(kprint.Default)

	if _, err := Init(cfg, nil, primitives, kprint.Default); err == nil {
		t.Fatal("expected error for nil stack arena")
	}
	if _, err := Init(cfg, stacks, nil, kprint.Default); err == nil {
		t.Fatal("expected error for nil hardware primitives")
	}
}

// pendSVRecorder wraps hw.Simulated and counts TriggerPendSV calls.
type pendSVRecorder struct {
	*hw.Simulated
	pendSVs int
}

func (p *pendSVRecorder) TriggerPendSV() {
	p.pendSVs++
	p.Simulated.TriggerPendSV()
}

func TestExitTriggersPendingInterrupt(t *testing.T) {
	cfg := config.Default()
	cfg.MaxTasks = 2
	stacks, err := stackarena.New(cfg.TaskStackSize, cfg.MaxTasks)
	if err != nil {
		t.Fatalf("stackarena.New: %v", err)
	}
	rec := &pendSVRecorder{Simulated: hw.NewSimulated(kprint.Default)}
	s, err := Init(cfg, stacks, rec, kprint.Default)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	a, _ := s.Spawn("a", nil, nil, 0)

	if err := s.Exit(a); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if rec.pendSVs != 1 {
		t.Fatalf("TriggerPendSV called %d times after exit, want 1", rec.pendSVs)
	}
}
