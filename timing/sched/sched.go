// Package sched provides the hardware thread scheduler. Every cycle it picks
// the thread that will be active in the next cycle from round-robin,
// priority and software override policies.
package sched

import (
	"fmt"
	"log/slog"

	"github.com/sarchlab/mtsim/thread"
)

// DefaultQuota is the number of instructions a thread issues before the
// round-robin policy rotates.
const DefaultQuota = 8

// Mode selects the scheduling policy.
type Mode uint8

const (
	// ModeRoundRobin rotates through runnable threads with an instruction quota.
	ModeRoundRobin Mode = 0
	// ModeOverride selects the software-provided thread unconditionally.
	ModeOverride Mode = 1
	// ModePriority selects the highest-priority runnable thread.
	ModePriority Mode = 2
)

// String returns the policy name.
func (m Mode) String() string {
	switch m {
	case ModeRoundRobin:
		return "round-robin"
	case ModeOverride:
		return "override"
	case ModePriority:
		return "priority"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode converts a policy name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "round-robin", "rr", "":
		return ModeRoundRobin, nil
	case "override":
		return ModeOverride, nil
	case "priority":
		return ModePriority, nil
	default:
		return 0, fmt.Errorf("unknown scheduling mode %q", s)
	}
}

// Inputs are the signals the scheduler samples in one cycle.
type Inputs struct {
	// Enabled marks threads that are allocated and runnable.
	Enabled []bool
	// Blocked marks threads waiting on an external event.
	Blocked []bool
	// Priority holds per-thread priorities. Higher wins.
	Priority []uint8

	Mode        Mode
	OverrideTID uint32

	// Issued is true when an instruction issued this cycle.
	Issued bool
}

// Outputs are the signals the scheduler produces in one cycle.
type Outputs struct {
	// Active is the thread active in this cycle.
	Active uint32
	// Next is the thread that will be active in the next cycle.
	Next uint32
	// Idle is true when no thread is enabled and unblocked. The candidate
	// in Next is still produced; the pipeline must stall.
	Idle bool
	// Rotated is true when the round-robin quota expired this cycle.
	Rotated bool
}

// InvariantError reports a violated scheduler safety invariant. It is
// raised with panic because it indicates a defect, never a recoverable
// runtime condition.
type InvariantError struct {
	Signal     string
	Value      uint32
	NumThreads int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("scheduler invariant violated: %s=%d, must be < %d",
		e.Signal, e.Value, e.NumThreads)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithQuota sets the round-robin instruction quota.
func WithQuota(quota int) Option {
	return func(s *Scheduler) {
		s.quota = quota
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// Scheduler arbitrates which thread owns the pipeline. Its only persistent
// state is the shared current-thread register and the quota counter.
type Scheduler struct {
	current    *thread.CurrentThread
	numThreads int
	quota      int
	logger     *slog.Logger

	// issued counts instructions issued by the current thread in its turn.
	issued int
	// lastNext is the value this scheduler drove last cycle. A different
	// register value means somebody else switched the thread.
	lastNext uint32
	// lastMode is the mode of the previous cycle. The quota restarts
	// when the mode changes.
	lastMode Mode
}

// New creates a scheduler that owns rotation of the given register.
func New(current *thread.CurrentThread, opts ...Option) *Scheduler {
	s := &Scheduler{
		current:    current,
		numThreads: current.NumThreads(),
		quota:      DefaultQuota,
		logger:     slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.quota <= 0 {
		panic(fmt.Sprintf("scheduler quota must be > 0, got %d", s.quota))
	}

	s.Reset()

	return s
}

// Quota returns the round-robin instruction quota.
func (s *Scheduler) Quota() int {
	return s.quota
}

// IssuedInTurn returns the number of instructions the current thread has
// issued in round-robin mode since it became active or the mode changed.
func (s *Scheduler) IssuedInTurn() int {
	return s.issued
}

// Evaluate computes this cycle's outputs without changing any state.
func (s *Scheduler) Evaluate(in Inputs) Outputs {
	cur := s.current.Value()
	s.check("active_tid", cur)

	issued := s.issued
	if s.turnRestarted(cur, in.Mode) {
		issued = 0
	}

	out := Outputs{Active: cur, Idle: s.firstRunnable(in) < 0}
	out.Next, out.Rotated = s.selectNext(cur, issued, in)
	s.check("next_tid", out.Next)

	return out
}

// Step evaluates the cycle, updates the quota counter and drives the
// current-thread register with the next thread. The register changes on
// its Edge.
func (s *Scheduler) Step(in Inputs) Outputs {
	out := s.Evaluate(in)

	if s.turnRestarted(out.Active, in.Mode) {
		s.issued = 0
	}

	switch {
	case out.Next != out.Active || out.Rotated:
		s.issued = 0
	case in.Issued && in.Mode == ModeRoundRobin:
		s.issued++
	}

	if out.Next != out.Active {
		s.logger.Debug("thread rotation",
			"from", out.Active, "to", out.Next, "mode", in.Mode.String())
	}

	s.lastNext = out.Next
	s.lastMode = in.Mode
	s.current.Drive(thread.DriverScheduler, out.Next)

	return out
}

// turnRestarted reports whether the quota count of the current thread is
// stale: another driver switched the thread, or the mode changed.
func (s *Scheduler) turnRestarted(cur uint32, mode Mode) bool {
	return cur != s.lastNext || mode != s.lastMode
}

func (s *Scheduler) check(signal string, tid uint32) {
	if tid >= uint32(s.numThreads) {
		panic(&InvariantError{Signal: signal, Value: tid, NumThreads: s.numThreads})
	}
}

func (s *Scheduler) selectNext(cur uint32, issued int, in Inputs) (next uint32, rotated bool) {
	switch in.Mode {
	case ModeOverride:
		return in.OverrideTID, false
	case ModePriority:
		return s.selectPriority(cur, in), false
	default:
		return s.selectRoundRobin(cur, issued, in)
	}
}

func (s *Scheduler) selectPriority(cur uint32, in Inputs) uint32 {
	best := -1
	for tid := 0; tid < s.numThreads; tid++ {
		if !runnable(in, tid) {
			continue
		}
		if best < 0 || priority(in, tid) > priority(in, best) {
			best = tid
		}
	}

	if best < 0 {
		return cur
	}
	return uint32(best)
}

func (s *Scheduler) selectRoundRobin(cur uint32, issued int, in Inputs) (uint32, bool) {
	if !runnable(in, int(cur)) {
		return s.searchFrom(cur, in), false
	}

	if in.Issued && issued+1 >= s.quota {
		return s.searchFrom(cur, in), true
	}

	return cur, false
}

// searchFrom scans forward from cur+1, wrapping, and returns the first
// runnable thread. Thread 0 is returned when none is runnable.
func (s *Scheduler) searchFrom(cur uint32, in Inputs) uint32 {
	for i := 1; i <= s.numThreads; i++ {
		tid := (int(cur) + i) % s.numThreads
		if runnable(in, tid) {
			return uint32(tid)
		}
	}
	return 0
}

func (s *Scheduler) firstRunnable(in Inputs) int {
	for tid := 0; tid < s.numThreads; tid++ {
		if runnable(in, tid) {
			return tid
		}
	}
	return -1
}

func runnable(in Inputs, tid int) bool {
	enabled := tid < len(in.Enabled) && in.Enabled[tid]
	blocked := tid < len(in.Blocked) && in.Blocked[tid]
	return enabled && !blocked
}

func priority(in Inputs, tid int) uint8 {
	if tid < len(in.Priority) {
		return in.Priority[tid]
	}
	return 0
}

// Reset returns the scheduler to thread 0 with an empty quota.
func (s *Scheduler) Reset() {
	s.current.Reset()
	s.issued = 0
	s.lastNext = 0
	s.lastMode = ModeRoundRobin
}
