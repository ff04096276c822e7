package scenario

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sarchlab/mtsim/emu"
	"github.com/sarchlab/mtsim/timing/core"
	"github.com/sarchlab/mtsim/timing/sched"
	"github.com/sarchlab/mtsim/timing/tdt"
)

// TraceEntry records the scheduling outcome of one cycle.
type TraceEntry struct {
	Cycle   uint64 `json:"cycle" yaml:"cycle"`
	Active  uint32 `json:"active" yaml:"active"`
	Next    uint32 `json:"next" yaml:"next"`
	Current uint32 `json:"current" yaml:"current"`
	Idle    bool   `json:"idle,omitempty" yaml:"idle,omitempty"`
	Issued  bool   `json:"issued,omitempty" yaml:"issued,omitempty"`
}

// Observation is the answer to a csr_read or reg_read event, the outcome
// of an allocate or save event, or a rejected csr_write.
type Observation struct {
	Cycle uint64    `json:"cycle" yaml:"cycle"`
	Type  EventType `json:"type" yaml:"type"`
	TID   uint32    `json:"tid" yaml:"tid"`
	// Target is the control register name or the register number.
	Target string `json:"target" yaml:"target"`
	Value  uint64 `json:"value" yaml:"value"`
	Err    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Result holds the outcome of a scenario run.
type Result struct {
	Name string `json:"name" yaml:"name"`

	Stats       core.Stats         `json:"stats" yaml:"stats"`
	Threads     []core.ThreadStats `json:"threads" yaml:"threads"`
	Descriptors tdt.Statistics     `json:"descriptors" yaml:"descriptors"`

	// Trace holds one entry per cycle when tracing is enabled.
	Trace        []TraceEntry  `json:"trace,omitempty" yaml:"trace,omitempty"`
	Observations []Observation `json:"observations,omitempty" yaml:"observations,omitempty"`

	// SimulatedSeconds is the run length at the configured clock.
	SimulatedSeconds float64 `json:"simulated_seconds" yaml:"simulated_seconds"`

	// WallTime is the actual time taken to run the simulation.
	WallTime time.Duration `json:"wall_time_ns" yaml:"wall_time_ns"`
}

// Option configures a run.
type Option func(*runner)

// WithLogger sets the logger passed to the core.
func WithLogger(logger *slog.Logger) Option {
	return func(r *runner) {
		r.logger = logger
	}
}

// WithCycles overrides the scenario length.
func WithCycles(cycles uint64) Option {
	return func(r *runner) {
		r.cycles = cycles
	}
}

// WithTrace records a TraceEntry for every cycle.
func WithTrace() Option {
	return func(r *runner) {
		r.trace = true
	}
}

// WithMemory runs the scenario on the given memory, which then holds the
// thread descriptor table.
func WithMemory(memory *emu.Memory) Option {
	return func(r *runner) {
		r.memory = memory
	}
}

// WithObserver calls fn after every cycle.
func WithObserver(fn func(core.CycleOutput)) Option {
	return func(r *runner) {
		r.observer = fn
	}
}

type runner struct {
	s        *Scenario
	core     *core.Core
	logger   *slog.Logger
	memory   *emu.Memory
	cycles   uint64
	trace    bool
	observer func(core.CycleOutput)

	events  []Event
	next    int
	mode    sched.Mode
	target  uint32
	pattern []bool
	// patternStart is the cycle the current issue pattern took effect.
	patternStart uint64

	// regReads are presented this cycle; answered were presented last
	// cycle and are read from this cycle's output.
	regReads []Event
	answered []Event
	csrRead  *Event
	csrWrite *Event

	result *Result
	err    error
}

// Run executes the scenario on a freshly built core.
//
// A scheduler invariant violation aborts the run; the returned error wraps
// the *sched.InvariantError.
func Run(s *Scenario, opts ...Option) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	r := &runner{
		s:      s,
		logger: slog.New(slog.DiscardHandler),
		cycles: s.Cycles,
		events: s.Events,
		result: &Result{Name: s.Name},
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.memory == nil {
		r.memory = emu.NewMemory()
	}
	if err := r.publish(); err != nil {
		return nil, err
	}

	c, err := core.NewCore(&s.Config,
		core.WithLogger(r.logger),
		core.WithMemory(r.memory))
	if err != nil {
		return nil, err
	}
	r.core = c
	c.CSRs().SetTDTPtr(s.TDTBase)

	for i := range s.Threads {
		if err := c.Install(s.Threads[i].Context()); err != nil {
			return nil, fmt.Errorf("installing thread %d: %w", s.Threads[i].TID, err)
		}
	}

	r.mode, _ = sched.ParseMode(s.Mode)
	r.pattern, _ = ParsePattern(s.Issue)

	start := time.Now()
	if err := r.run(); err != nil {
		return nil, err
	}

	r.result.WallTime = time.Since(start)
	r.result.Stats = c.Stats()
	r.result.Threads = c.ThreadStats()
	r.result.Descriptors = c.Descriptors().Stats()
	r.result.SimulatedSeconds = s.Config.Seconds(r.result.Stats.Cycles)

	return r.result, nil
}

// publish writes the scenario's descriptors into the table.
func (r *runner) publish() error {
	for i := range r.s.Descriptors {
		ctx := r.s.Descriptors[i].Context()
		data, err := ctx.MarshalBinary()
		if err != nil {
			return fmt.Errorf("packing descriptor %d: %w", ctx.PhysicalTID, err)
		}
		r.memory.WriteBytes(tdt.Addr(r.s.TDTBase, uint32(ctx.PhysicalTID)), data)
	}
	return nil
}

func (r *runner) run() (err error) {
	defer func() {
		if v := recover(); v != nil {
			var ie *sched.InvariantError
			if e, ok := v.(error); ok && errors.As(e, &ie) {
				err = fmt.Errorf("cycle %d: %w", r.core.Stats().Cycles, ie)
				return
			}
			panic(v)
		}
	}()

	r.core.RunCycles(r.cycles, core.InputFunc(r.input), r.observe)

	return r.err
}

// input applies the events of a cycle and builds its pipeline signals.
func (r *runner) input(cycle uint64, _ core.CycleOutput) core.CycleInput {
	var in core.CycleInput

	for r.next < len(r.events) && r.events[r.next].Cycle < cycle {
		r.next++
	}

	r.answered = append(r.answered[:0], r.regReads...)
	r.regReads = r.regReads[:0]
	r.csrRead = nil
	r.csrWrite = nil

	for ; r.next < len(r.events) && r.events[r.next].Cycle == cycle; r.next++ {
		r.apply(&r.events[r.next], &in)
	}

	in.Mode = r.mode
	in.OverrideTID = r.target
	in.Issue = r.pattern[(cycle-r.patternStart)%uint64(len(r.pattern))]

	return in
}

func (r *runner) apply(e *Event, in *core.CycleInput) {
	c := r.core

	switch e.Type {
	case EventCSRWrite:
		addr, _ := ParseCSR(e.CSR)
		in.CSRWrite = &core.CSRAccess{TID: e.TID, Addr: addr, Value: e.Value}
		r.csrWrite = e
	case EventCSRRead:
		addr, _ := ParseCSR(e.CSR)
		in.CSRRead = &core.CSRAccess{TID: e.TID, Addr: addr}
		r.csrRead = e
	case EventBlock:
		r.keep(c.Block(e.TID))
	case EventUnblock:
		r.keep(c.Unblock(e.TID))
	case EventRelease:
		if err := c.Deallocate(e.TID); err != nil {
			r.logger.Info("deallocation deferred", "tid", e.TID, "error", err)
		}
	case EventAllocate:
		r.descriptorOp(e, c.Allocate(e.TID))
	case EventSave:
		r.descriptorOp(e, c.Save(e.TID))
	case EventMode:
		r.mode, _ = sched.ParseMode(e.Mode)
	case EventOverride:
		r.mode = sched.ModeOverride
		r.target = e.TID
	case EventRegWrite:
		in.RegWrite = &core.RegWrite{TID: e.TID, Reg: e.Reg, Value: e.Value}
	case EventRegRead:
		in.Reads = append(in.Reads, core.ReadReq{TID: e.TID, Reg: e.Reg})
		r.regReads = append(r.regReads, *e)
	case EventStore:
		c.NotifyStore(e.Addr)
	case EventIssue:
		r.pattern, _ = ParsePattern(e.Pattern)
		r.patternStart = e.Cycle
	}
}

// descriptorOp records the outcome of an allocate or save event. A failed
// descriptor access is reported, not fatal.
func (r *runner) descriptorOp(e *Event, err error) {
	obs := Observation{
		Cycle:  e.Cycle,
		Type:   e.Type,
		TID:    e.TID,
		Target: "tdt",
		Value:  tdt.Addr(r.core.CSRs().TDTPtr(), e.TID),
	}
	if err != nil {
		obs.Err = err.Error()
		r.logger.Info("descriptor access failed", "event", e.Type, "tid", e.TID, "error", err)
	}
	r.result.Observations = append(r.result.Observations, obs)
}

func (r *runner) keep(err error) {
	if err != nil && r.err == nil {
		r.err = err
	}
}

func (r *runner) observe(out core.CycleOutput) {
	if r.trace {
		r.result.Trace = append(r.result.Trace, TraceEntry{
			Cycle:   out.Cycle,
			Active:  out.Active,
			Next:    out.Next,
			Current: out.Current,
			Idle:    out.Idle,
			Issued:  out.Issued,
		})
	}

	if r.csrRead != nil {
		addr, _ := ParseCSR(r.csrRead.CSR)
		obs := Observation{
			Cycle:  out.Cycle,
			Type:   EventCSRRead,
			TID:    r.csrRead.TID,
			Target: addr.String(),
			Value:  out.CSRValue,
		}
		if out.CSRErr != nil {
			obs.Err = out.CSRErr.Error()
		}
		r.result.Observations = append(r.result.Observations, obs)
	}

	if r.csrWrite != nil && out.CSRWriteErr != nil {
		addr, _ := ParseCSR(r.csrWrite.CSR)
		r.result.Observations = append(r.result.Observations, Observation{
			Cycle:  out.Cycle,
			Type:   EventCSRWrite,
			TID:    r.csrWrite.TID,
			Target: addr.String(),
			Value:  r.csrWrite.Value,
			Err:    out.CSRWriteErr.Error(),
		})
	}

	for port, e := range r.answered {
		r.result.Observations = append(r.result.Observations, Observation{
			Cycle:  out.Cycle,
			Type:   EventRegRead,
			TID:    e.TID,
			Target: fmt.Sprintf("x%d", e.Reg),
			Value:  out.ReadValues[port],
		})
	}

	if r.observer != nil {
		r.observer(out)
	}
}
