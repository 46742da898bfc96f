// Package hw is the scheduler's hardware boundary: the handful of
// primitives spec.md §6 lists as external collaborators (process stack
// pointer read/write, software register frame push/pop, thread-mode entry,
// tick arm/start, a software-triggered pending interrupt, and debug
// output), mirrored from original_source/ksched_primitives.h's
// read_psp/write_psp/push_sw_frame/ctx_save/ctx_load/thread_mode.
//
// There is no real Cortex-M core underneath this Go program, so Primitives
// is an interface rather than the inline-asm/extern functions
// ksched_primitives.h declares; Simulated is the one implementation this
// repo ships, standing in for the exception/NVIC hardware with goroutines
// and channels — the same kind of simulation seam kmodule.Registry's
// native-function registry uses for "running" loaded machine code.
package hw

import (
	"time"

	"github.com/xyproto/alos-core/kprint"
)

// Primitives is every hardware operation the scheduler's context-switch
// and spawn paths depend on.
type Primitives interface {
	// ReadPSP returns the process stack pointer's current value.
	ReadPSP() uint32
	// WritePSP installs sp as the process stack pointer.
	WritePSP(sp uint32)

	// PushSoftwareFrame reserves space for a callee-saved register frame
	// below sp (stacks grow down) and returns the new, lower sp —
	// mirroring push_sw_frame's use both at task-creation time and by
	// ctx_save during a live context switch.
	PushSoftwareFrame(sp uint32) uint32
	// PopSoftwareFrame releases a previously pushed software frame and
	// returns the restored, higher sp, mirroring ctx_load.
	PopSoftwareFrame(sp uint32) uint32

	// ThreadMode exits handler (interrupt) mode and resumes execution at
	// the process stack pointer's current task — mirroring thread_mode.
	// On real hardware this is an exception return that never "returns"
	// to its caller in the C sense; the simulated backend models that by
	// blocking the calling goroutine until the next context switch fires.
	ThreadMode()

	// ArmTick configures the periodic tick interrupt's period without
	// starting it.
	ArmTick(period time.Duration)
	// StartTick starts delivering the periodic tick interrupt previously
	// armed by ArmTick.
	StartTick()

	// TriggerPendSV software-triggers an immediate context switch,
	// mirroring the default exit handler's use of a pending interrupt to
	// force an immediate reschedule after removing the current task.
	TriggerPendSV()

	// DebugWrite emits one line to the hardware debug port.
	DebugWrite(line string)
}

// Handler is the callback Simulated invokes on every tick or PendSV event —
// the scheduler's context-switch routine, bound once via Bind.
type Handler func()

// Simulated is a goroutine/channel-based stand-in for real Cortex-M
// exception hardware. A single background goroutine (started by StartTick)
// serializes tick and PendSV delivery onto one Handler invocation at a
// time, matching spec.md §5's "handler-context invocation is atomic with
// respect to thread-context operations" guarantee without needing a real
// interrupt controller.
type Simulated struct {
	log *kprint.Channel

	psp uint32

	period time.Duration
	ticker *time.Ticker
	pendsv chan struct{}
	stop   chan struct{}

	handler Handler

	// thread blocks the goroutine that calls ThreadMode until the
	// simulated hardware wants to deliver the next interrupt, giving
	// ThreadMode the same "does not return to its Go caller" behavior a
	// real exception-return has with respect to its C caller.
	thread chan struct{}
}

// NewSimulated returns a Simulated primitives backend logging to log (or
// kprint.Default if nil).
func NewSimulated(log *kprint.Channel) *Simulated {
	if log == nil {
		log = kprint.Default
	}
	return &Simulated{
		log:    log,
		pendsv: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		thread: make(chan struct{}),
	}
}

// Bind installs the scheduler's context-switch routine as the handler
// invoked on every tick or PendSV delivery. Must be called before
// StartTick.
func (s *Simulated) Bind(h Handler) {
	s.handler = h
}

func (s *Simulated) ReadPSP() uint32 { return s.psp }

func (s *Simulated) WritePSP(sp uint32) { s.psp = sp }

// frameWords is the size, in 32-bit words, of the software-saved register
// frame this simulation reserves — an implementation-defined count
// (ksched_primitives.h leaves ctx_save/ctx_load's exact register set to the
// platform), chosen here to comfortably hold a Cortex-M's R4-R11 bank.
const frameWords = 8

func (s *Simulated) PushSoftwareFrame(sp uint32) uint32 {
	return sp - frameWords*4
}

func (s *Simulated) PopSoftwareFrame(sp uint32) uint32 {
	return sp + frameWords*4
}

// ThreadMode blocks the calling goroutine until the simulated hardware's
// background loop delivers the next tick or PendSV, mirroring the fact
// that a real exception return into thread mode never resumes the C
// function that issued it.
func (s *Simulated) ThreadMode() {
	<-s.thread
}

func (s *Simulated) ArmTick(period time.Duration) {
	s.period = period
}

// StartTick starts the background delivery goroutine. It must be called
// after Bind. Calling it more than once is a no-op.
func (s *Simulated) StartTick() {
	if s.ticker != nil {
		return
	}
	period := s.period
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	s.ticker = time.NewTicker(period)
	go s.run()
}

// TriggerPendSV requests an out-of-band context switch on top of the
// regular tick cadence. Non-blocking: a PendSV already pending coalesces
// with this one, matching real NVIC pending-bit semantics.
func (s *Simulated) TriggerPendSV() {
	select {
	case s.pendsv <- struct{}{}:
	default:
	}
}

func (s *Simulated) DebugWrite(line string) {
	s.log.Msgf("%s", line)
}

// Stop halts tick delivery; used by tests to tear down a Simulated cleanly.
func (s *Simulated) Stop() {
	if s.ticker == nil {
		return
	}
	close(s.stop)
	s.ticker.Stop()
}

func (s *Simulated) run() {
	for {
		select {
		case <-s.ticker.C:
			s.deliver()
		case <-s.pendsv:
			s.deliver()
		case <-s.stop:
			return
		}
	}
}

// deliver runs the bound handler, then releases one ThreadMode waiter
// (if any) so the newly current task's simulated goroutine resumes,
// mirroring the context-switch routine's final "return to thread mode"
// step.
func (s *Simulated) deliver() {
	if s.handler != nil {
		s.handler()
	}
	select {
	case s.thread <- struct{}{}:
	default:
	}
}
