// Package scenario describes and runs scripted workloads on the
// multithreaded core.
//
// A scenario names the core configuration, the threads installed at reset
// and a list of events keyed by cycle. Scenarios are read from YAML files
// or taken from the built-in set.
package scenario

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sarchlab/mtsim/csr"
	"github.com/sarchlab/mtsim/thread"
	"github.com/sarchlab/mtsim/timing/core"
	"github.com/sarchlab/mtsim/timing/sched"
)

// ErrInvalid is wrapped by every scenario validation error.
var ErrInvalid = errors.New("invalid scenario")

// EventType names what an event does.
type EventType string

// Event types.
const (
	EventCSRWrite EventType = "csr_write"
	EventCSRRead  EventType = "csr_read"
	EventBlock    EventType = "block"
	EventUnblock  EventType = "unblock"
	EventMode     EventType = "mode"
	EventOverride EventType = "override"
	EventRegWrite EventType = "reg_write"
	EventRegRead  EventType = "reg_read"
	EventStore    EventType = "store"
	EventIssue    EventType = "issue"
	EventRelease  EventType = "deallocate"
	EventAllocate EventType = "allocate"
	EventSave     EventType = "save"
)

// Scenario is a scripted run of the core.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// Cycles is the length of the run. It can be overridden by the caller.
	Cycles uint64 `yaml:"cycles"`

	// Config is the core configuration. Fields left out of the file keep
	// their default values.
	Config core.Config `yaml:"config"`

	// Mode is the scheduling mode at reset. Default: round-robin.
	Mode string `yaml:"mode,omitempty"`

	// Issue is the issue pattern at reset, see Event.Pattern.
	// Default: "1", an instruction every cycle.
	Issue string `yaml:"issue,omitempty"`

	Threads []Thread `yaml:"threads"`

	// TDTBase is the thread descriptor table base, written to TDT_PTR at
	// reset. Descriptors are published there before the first cycle and
	// are brought in by allocate events.
	TDTBase     uint64   `yaml:"tdt_base,omitempty"`
	Descriptors []Thread `yaml:"descriptors,omitempty"`

	Events []Event `yaml:"events,omitempty"`
}

// Thread is a thread installed before the first cycle.
type Thread struct {
	TID             uint8  `yaml:"tid"`
	VirtualTID      uint16 `yaml:"vtid,omitempty"`
	Priority        uint8  `yaml:"priority,omitempty"`
	PC              uint64 `yaml:"pc,omitempty"`
	NextPC          uint64 `yaml:"next_pc,omitempty"`
	Privilege       string `yaml:"privilege,omitempty"`
	ASID            uint16 `yaml:"asid,omitempty"`
	TranslationRoot uint64 `yaml:"translation_root,omitempty"`
	ThreadLocal     uint64 `yaml:"thread_local,omitempty"`

	// Runnable defaults to true.
	Runnable *bool `yaml:"runnable,omitempty"`
	Blocked  bool  `yaml:"blocked,omitempty"`
}

// Event is one scripted action, applied before the cycle it is keyed by.
type Event struct {
	Cycle uint64    `yaml:"cycle"`
	Type  EventType `yaml:"type"`

	TID   uint32 `yaml:"tid,omitempty"`
	CSR   string `yaml:"csr,omitempty"`
	Reg   uint8  `yaml:"reg,omitempty"`
	Value uint64 `yaml:"value,omitempty"`
	Addr  uint64 `yaml:"addr,omitempty"`
	Mode  string `yaml:"mode,omitempty"`

	// Pattern is a string of 0s and 1s repeated from the event's cycle on.
	// A 1 issues an instruction for the active thread. "always" and
	// "never" are accepted as "1" and "0".
	Pattern string `yaml:"pattern,omitempty"`
}

// Load reads a scenario from a YAML file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return s, nil
}

// Parse decodes and validates a YAML scenario.
func Parse(data []byte) (*Scenario, error) {
	s := &Scenario{Config: *core.DefaultConfig()}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// Marshal encodes the scenario as YAML.
func (s *Scenario) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the scenario against its configuration and sorts the
// events by cycle.
func (s *Scenario) Validate() error {
	if err := s.Config.Validate(); err != nil {
		return invalid("config: %v", err)
	}
	if _, err := sched.ParseMode(s.Mode); err != nil {
		return invalid("%v", err)
	}
	if _, err := ParsePattern(s.Issue); err != nil {
		return invalid("issue: %v", err)
	}

	n := uint32(s.Config.NumThreads)
	seen := make(map[uint8]bool, len(s.Threads))
	for _, t := range s.Threads {
		if uint32(t.TID) >= n {
			return invalid("thread %d: out of range for %d threads", t.TID, n)
		}
		if seen[t.TID] {
			return invalid("thread %d: declared twice", t.TID)
		}
		seen[t.TID] = true

		if _, err := ParsePrivilege(t.Privilege); err != nil {
			return invalid("thread %d: %v", t.TID, err)
		}
	}

	published := make(map[uint8]bool, len(s.Descriptors))
	for _, d := range s.Descriptors {
		if uint32(d.TID) >= n {
			return invalid("descriptor %d: out of range for %d threads", d.TID, n)
		}
		if published[d.TID] {
			return invalid("descriptor %d: declared twice", d.TID)
		}
		published[d.TID] = true

		if _, err := ParsePrivilege(d.Privilege); err != nil {
			return invalid("descriptor %d: %v", d.TID, err)
		}
	}

	sort.SliceStable(s.Events, func(i, j int) bool {
		return s.Events[i].Cycle < s.Events[j].Cycle
	})

	type slotKey struct {
		cycle uint64
		kind  EventType
	}
	taken := make(map[slotKey]int)

	for i, e := range s.Events {
		if err := e.validate(n); err != nil {
			return invalid("event %d (cycle %d, %s): %v", i, e.Cycle, e.Type, err)
		}

		key := slotKey{e.Cycle, e.Type}
		taken[key]++

		limit := 1
		switch e.Type {
		case EventRegRead:
			limit = s.Config.ReadPorts
		case EventBlock, EventUnblock, EventStore, EventRelease, EventAllocate, EventSave:
			limit = int(n) * 2
		}
		if taken[key] > limit {
			return invalid("cycle %d: too many %s events", e.Cycle, e.Type)
		}
	}

	return nil
}

func (e *Event) validate(numThreads uint32) error {
	needsThread := func() error {
		if e.TID >= numThreads {
			return fmt.Errorf("thread %d out of range", e.TID)
		}
		return nil
	}

	switch e.Type {
	case EventCSRWrite, EventCSRRead:
		if _, err := ParseCSR(e.CSR); err != nil {
			return err
		}
		return needsThread()
	case EventBlock, EventUnblock, EventRelease, EventAllocate, EventSave:
		return needsThread()
	case EventRegWrite, EventRegRead:
		if int(e.Reg) >= 32 {
			return fmt.Errorf("register x%d out of range", e.Reg)
		}
		return needsThread()
	case EventMode:
		_, err := sched.ParseMode(e.Mode)
		return err
	case EventOverride:
		// The override target is not range checked: an out-of-range
		// target is a scheduler invariant violation reported by Run.
		return nil
	case EventStore:
		return nil
	case EventIssue:
		_, err := ParsePattern(e.Pattern)
		return err
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
}

// ParseCSR resolves a control register by name or number.
func ParseCSR(s string) (csr.Addr, error) {
	if s == "" {
		return 0, fmt.Errorf("missing csr")
	}
	if v, err := strconv.ParseUint(s, 0, 16); err == nil {
		if v > uint64(csr.AddrMask) {
			return 0, fmt.Errorf("csr address 0x%x out of range", v)
		}
		return csr.Addr(v), nil
	}
	return csr.LookupName(s)
}

// ParsePrivilege parses U, S or M. Empty means M.
func ParsePrivilege(s string) (thread.Privilege, error) {
	switch strings.ToUpper(s) {
	case "", "M", "MACHINE":
		return thread.PrivilegeMachine, nil
	case "S", "SUPERVISOR":
		return thread.PrivilegeSupervisor, nil
	case "U", "USER":
		return thread.PrivilegeUser, nil
	default:
		return 0, fmt.Errorf("unknown privilege %q", s)
	}
}

// ParsePattern parses an issue pattern. Empty means "1".
func ParsePattern(s string) ([]bool, error) {
	switch s {
	case "", "always":
		return []bool{true}, nil
	case "never":
		return []bool{false}, nil
	}

	pattern := make([]bool, 0, len(s))
	for _, r := range s {
		switch r {
		case '1':
			pattern = append(pattern, true)
		case '0':
			pattern = append(pattern, false)
		default:
			return nil, fmt.Errorf("issue pattern %q: only 0 and 1 allowed", s)
		}
	}

	return pattern, nil
}

// Context builds the thread context installed for t.
func (t *Thread) Context() thread.Context {
	priv, _ := ParsePrivilege(t.Privilege)
	runnable := t.Runnable == nil || *t.Runnable

	return thread.Context{
		PC:              t.PC,
		NextPC:          t.NextPC,
		Privilege:       priv,
		TranslationRoot: t.TranslationRoot,
		ASID:            t.ASID,
		VirtualTID:      t.VirtualTID,
		PhysicalTID:     t.TID,
		Priority:        t.Priority,
		Valid:           true,
		Runnable:        runnable,
		Blocked:         t.Blocked,
		ThreadLocalBase: t.ThreadLocal,
	}
}
