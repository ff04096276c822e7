// Package ctxstore provides per-thread storage of the architectural context
// the pipeline needs on every cycle: next PC, privilege, translation enable
// and address-space id.
package ctxstore

import (
	"log/slog"

	"github.com/sarchlab/mtsim/thread"
)

// State is the context of one thread.
type State struct {
	NextPC             uint64
	Privilege          thread.Privilege
	TranslationEnabled bool
	ASID               uint16
}

// ResetState returns the state every slot holds after reset.
func ResetState(resetVector uint64) State {
	return State{
		NextPC:    resetVector,
		Privilege: thread.PrivilegeMachine,
	}
}

// FromContext extracts the stored fields of a full thread context.
func FromContext(ctx *thread.Context) State {
	return State{
		NextPC:             ctx.NextPC,
		Privilege:          ctx.Privilege,
		TranslationEnabled: ctx.TranslationEnabled(),
		ASID:               ctx.ASID,
	}
}

// Statistics holds context storage statistics.
type Statistics struct {
	Commits        uint64
	ForwardedReads uint64
	DefaultReads   uint64
	DroppedCommits uint64
}

type pendingCommit struct {
	valid bool
	tid   uint32
	state State
}

// Option configures a Storage.
type Option func(*Storage)

// WithResetVector sets the PC every slot resets to.
func WithResetVector(pc uint64) Option {
	return func(s *Storage) {
		s.resetVector = pc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Storage) {
		s.logger = logger
	}
}

// Storage holds one State per thread slot. Reads are combinational and
// keyed by the shared current-thread register; commits are synchronous and
// keyed by their own thread id.
type Storage struct {
	current     *thread.CurrentThread
	slots       []State
	resetVector uint64
	pending     pendingCommit
	stats       Statistics
	logger      *slog.Logger
}

// New creates the storage for every slot of the current-thread register.
func New(current *thread.CurrentThread, opts ...Option) *Storage {
	s := &Storage{
		current: current,
		slots:   make([]State, current.NumThreads()),
		logger:  slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.Reset()

	return s
}

// Read returns the context of the current thread. A commit to the same
// thread in this cycle is forwarded. An out-of-range current thread reads
// the reset defaults.
func (s *Storage) Read() State {
	return s.ReadThread(s.current.Value())
}

// ReadThread reads an arbitrary slot with the same forwarding and default
// rules as Read.
func (s *Storage) ReadThread(tid uint32) State {
	if tid >= uint32(len(s.slots)) {
		s.stats.DefaultReads++
		return ResetState(s.resetVector)
	}

	if s.pending.valid && s.pending.tid == tid {
		s.stats.ForwardedReads++
		return s.pending.state
	}

	return s.slots[tid]
}

// Commit presents the commit of this cycle. It is applied on Tick.
// A later commit in the same cycle replaces an earlier one.
func (s *Storage) Commit(tid uint32, state State) {
	s.pending = pendingCommit{valid: true, tid: tid, state: state}
}

// Tick applies the pending commit.
func (s *Storage) Tick() {
	if !s.pending.valid {
		return
	}

	p := s.pending
	s.pending = pendingCommit{}

	if p.tid >= uint32(len(s.slots)) {
		s.stats.DroppedCommits++
		s.logger.Warn("dropped context commit for out-of-range thread", "tid", p.tid)
		return
	}

	s.slots[p.tid] = p.state
	s.stats.Commits++
}

// Load overwrites a slot immediately. It is used when a slot is allocated.
func (s *Storage) Load(tid uint32, state State) {
	if tid >= uint32(len(s.slots)) {
		return
	}
	s.slots[tid] = state
}

// Stats returns context storage statistics.
func (s *Storage) Stats() Statistics {
	return s.stats
}

// Reset restores every slot to machine mode, translation off, ASID 0 and
// the reset vector.
func (s *Storage) Reset() {
	for i := range s.slots {
		s.slots[i] = ResetState(s.resetVector)
	}
	s.pending = pendingCommit{}
	s.stats = Statistics{}
}
