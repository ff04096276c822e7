package scenario

import (
	"fmt"
	"sort"

	"github.com/sarchlab/mtsim/timing/core"
)

// Builtins returns the standard set of scenarios. Each one exercises a
// specific part of the control plane.
func Builtins() []*Scenario {
	return []*Scenario{
		roundRobin(),
		blockedMidQuota(),
		priorityPick(),
		softwareSwitch(),
		monitorWait(),
		descriptorTable(),
	}
}

// Builtin returns the built-in scenario with the given name.
func Builtin(name string) (*Scenario, error) {
	for _, s := range Builtins() {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no built-in scenario %q (have %v)", name, BuiltinNames())
}

// BuiltinNames lists the built-in scenarios in name order.
func BuiltinNames() []string {
	var names []string
	for _, s := range Builtins() {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

func fourThreads() []Thread {
	threads := make([]Thread, 4)
	for i := range threads {
		threads[i] = Thread{
			TID:    uint8(i),
			NextPC: 0x8000_0000 + uint64(i)*0x1000,
		}
	}
	return threads
}

func defaults() core.Config {
	return *core.DefaultConfig()
}

// 1. Round robin - every thread runs for one quota in turn
func roundRobin() *Scenario {
	return &Scenario{
		Name:        "round_robin",
		Description: "4 runnable threads issuing every cycle - rotates every quota",
		Cycles:      64,
		Config:      defaults(),
		Threads:     fourThreads(),
	}
}

// 2. Blocked mid-quota - the active thread blocks and loses its turn
func blockedMidQuota() *Scenario {
	return &Scenario{
		Name:        "blocked_mid_quota",
		Description: "thread 2 blocks 3 cycles into its quota - switches next cycle",
		Cycles:      64,
		Config:      defaults(),
		Threads:     fourThreads(),
		Events: []Event{
			{Cycle: 0, Type: EventOverride, TID: 2},
			{Cycle: 1, Type: EventMode, Mode: "round-robin"},
			{Cycle: 4, Type: EventBlock, TID: 2},
			{Cycle: 30, Type: EventUnblock, TID: 2},
		},
	}
}

// 3. Priority - the highest THREAD_PRIORITY wins
func priorityPick() *Scenario {
	threads := fourThreads()
	for i, p := range []uint8{10, 50, 30, 5} {
		threads[i].Priority = p
	}

	return &Scenario{
		Name:        "priority",
		Description: "priorities [10,50,30,5] - thread 1 runs until it drops below thread 2",
		Cycles:      24,
		Config:      defaults(),
		Mode:        "priority",
		Threads:     threads,
		Events: []Event{
			{Cycle: 10, Type: EventCSRWrite, TID: 1, CSR: "thread_priority", Value: 1},
			{Cycle: 12, Type: EventCSRRead, TID: 1, CSR: "thread_priority"},
		},
	}
}

// 4. Software switch - CTXT writes move the current thread
func softwareSwitch() *Scenario {
	return &Scenario{
		Name:        "software_switch",
		Description: "CTXT writes hop between threads while the pipeline is stalled",
		Cycles:      16,
		Config:      defaults(),
		Issue:       "never",
		Threads:     fourThreads(),
		Events: []Event{
			{Cycle: 2, Type: EventCSRWrite, CSR: "ctxt", Value: 3},
			{Cycle: 3, Type: EventCSRRead, CSR: "ctxt"},
			{Cycle: 6, Type: EventCSRWrite, CSR: "ctxt", Value: 1},
			{Cycle: 7, Type: EventCSRRead, CSR: "ptid", TID: 1},
			{Cycle: 8, Type: EventRegWrite, TID: 1, Reg: 5, Value: 0xCAFE},
			{Cycle: 8, Type: EventRegRead, TID: 1, Reg: 5},
			{Cycle: 10, Type: EventRegRead, TID: 1, Reg: 5},
		},
	}
}

// 5. Monitor wait - a blocked thread is woken by a store to its monitor
func monitorWait() *Scenario {
	threads := fourThreads()[:2]
	threads[1].Blocked = true

	return &Scenario{
		Name:        "monitor_wait",
		Description: "thread 1 waits on MONITOR_ADDR until thread 0 stores to it",
		Cycles:      32,
		Config:      defaults(),
		Threads:     threads,
		Events: []Event{
			{Cycle: 0, Type: EventCSRWrite, TID: 1, CSR: "monitor_addr", Value: 0x9000},
			{Cycle: 12, Type: EventStore, Addr: 0x9000},
		},
	}
}

// 6. Descriptor table - threads are brought in from memory and saved back
func descriptorTable() *Scenario {
	descriptors := []Thread{
		{TID: 2, VirtualTID: 200, NextPC: 0x8000_2000, Privilege: "U", ASID: 2},
		{TID: 3, VirtualTID: 300, NextPC: 0x8000_3000, Privilege: "S", ASID: 3},
	}

	return &Scenario{
		Name:        "descriptor_table",
		Description: "threads 2 and 3 are allocated from TDT_PTR, thread 2 is saved back",
		Cycles:      48,
		Config:      defaults(),
		Threads:     fourThreads()[:1],
		TDTBase:     0x10_0000,
		Descriptors: descriptors,
		Events: []Event{
			{Cycle: 4, Type: EventAllocate, TID: 2},
			{Cycle: 6, Type: EventAllocate, TID: 3},
			{Cycle: 20, Type: EventCSRWrite, TID: 2, CSR: "thread_priority", Value: 77},
			{Cycle: 21, Type: EventSave, TID: 2},
		},
	}
}
