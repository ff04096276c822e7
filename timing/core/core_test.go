package core_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/mtsim/csr"
	"github.com/sarchlab/mtsim/thread"
	"github.com/sarchlab/mtsim/timing/core"
	"github.com/sarchlab/mtsim/timing/ctxstore"
	"github.com/sarchlab/mtsim/timing/sched"
)

// installAll allocates every slot of c as valid and runnable.
func installAll(c *core.Core, priorities ...uint8) {
	for tid := 0; tid < c.CSRs().Len(); tid++ {
		ctx := thread.Context{
			PhysicalTID: uint8(tid),
			NextPC:      0x1000 * uint64(tid+1),
			Privilege:   thread.PrivilegeUser,
			Valid:       true,
			Runnable:    true,
		}
		if tid < len(priorities) {
			ctx.Priority = priorities[tid]
		}
		Expect(c.Install(ctx)).To(Succeed())
	}
}

var _ = Describe("Core", func() {
	var c *core.Core

	BeforeEach(func() {
		var err error
		c, err = core.NewCore(core.DefaultConfig())
		Expect(err).NotTo(HaveOccurred())
	})

	It("should create a core with every component", func() {
		Expect(c).NotTo(BeNil())
		Expect(c.Scheduler()).NotTo(BeNil())
		Expect(c.RegFile()).NotTo(BeNil())
		Expect(c.Contexts()).NotTo(BeNil())
		Expect(c.Switcher()).NotTo(BeNil())
		Expect(c.Descriptors()).NotTo(BeNil())
		Expect(c.CurrentThread()).To(Equal(uint32(0)))
	})

	It("should reject an invalid configuration", func() {
		cfg := core.DefaultConfig()
		cfg.ReadPorts = 4
		_, err := core.NewCore(cfg)
		Expect(err).To(HaveOccurred())
	})

	It("should idle with no allocated thread", func() {
		out := c.Tick(core.CycleInput{Issue: true})
		Expect(out.Idle).To(BeTrue())
		Expect(out.Issued).To(BeFalse())
		Expect(out.Next).To(Equal(uint32(0)))
		Expect(c.Stats().IdleCycles).To(Equal(uint64(1)))
	})

	Context("with every thread allocated", func() {
		BeforeEach(func() {
			installAll(c)
		})

		It("should rotate round-robin after the quota", func() {
			var actives []uint32
			c.RunCycles(32, core.InputFunc(func(uint64, core.CycleOutput) core.CycleInput {
				return core.CycleInput{Issue: true}
			}), func(out core.CycleOutput) {
				actives = append(actives, out.Active)
			})

			for i, tid := range actives {
				Expect(tid).To(Equal(uint32(i/sched.DefaultQuota)), "cycle %d", i)
			}

			stats := c.Stats()
			Expect(stats.Cycles).To(Equal(uint64(32)))
			Expect(stats.Instructions).To(Equal(uint64(32)))
			Expect(stats.ThreadSwitches).To(Equal(uint64(4)))
		})

		It("should switch away from a thread blocked mid-quota on the next cycle", func() {
			c.Tick(core.CycleInput{Mode: sched.ModeOverride, OverrideTID: 2})
			for i := 0; i < 3; i++ {
				Expect(c.Tick(core.CycleInput{Issue: true}).Active).To(Equal(uint32(2)))
			}

			Expect(c.Block(2)).To(Succeed())
			out := c.Tick(core.CycleInput{Issue: true})
			Expect(out.Active).To(Equal(uint32(2)))
			Expect(out.Issued).To(BeFalse())
			Expect(out.Next).To(Equal(uint32(3)))

			for i := 0; i < 50; i++ {
				Expect(c.Tick(core.CycleInput{Issue: true}).Active).NotTo(Equal(uint32(2)))
			}

			Expect(c.Unblock(2)).To(Succeed())
		})

		It("should select the highest priority thread through the CSRs", func() {
			for tid, prio := range []uint64{10, 50, 30, 5} {
				out := c.Tick(core.CycleInput{
					CSRWrite: &core.CSRAccess{TID: uint32(tid), Addr: csr.ThreadPriority, Value: prio},
				})
				Expect(out.CSRWriteErr).NotTo(HaveOccurred())
			}

			for i := 0; i < 10; i++ {
				out := c.Tick(core.CycleInput{Mode: sched.ModePriority, Issue: true})
				Expect(out.Next).To(Equal(uint32(1)))
			}
		})

		It("should switch atomically on a CTXT write", func() {
			out := c.Tick(core.CycleInput{
				CSRWrite: &core.CSRAccess{TID: 0, Addr: csr.CTXT, Value: 3},
			})
			Expect(out.Active).To(Equal(uint32(0)))
			Expect(out.Current).To(Equal(uint32(3)))

			out = c.Tick(core.CycleInput{
				CSRRead: &core.CSRAccess{TID: 3, Addr: csr.CTXT},
			})
			Expect(out.CSRValue).To(Equal(uint64(3)))
			Expect(out.Active).To(Equal(uint32(3)))
			Expect(out.Context.NextPC).To(Equal(uint64(0x4000)))
			Expect(c.Stats().ContextSwitches).To(Equal(uint64(1)))
		})

		It("should surface an out-of-range switch as an invariant failure", func() {
			c.Tick(core.CycleInput{
				CSRWrite: &core.CSRAccess{Addr: csr.CTXT, Value: 4},
			})
			Expect(c.Contexts().Read()).To(Equal(ctxstore.ResetState(0)))
			Expect(func() { c.Tick(core.CycleInput{}) }).To(PanicWith(BeAssignableToTypeOf(&sched.InvariantError{})))
		})

		It("should drop an out-of-range switch when hardened", func() {
			cfg := core.DefaultConfig()
			cfg.RejectOutOfRangeSwitch = true
			c, _ = core.NewCore(cfg)
			installAll(c)

			out := c.Tick(core.CycleInput{CSRWrite: &core.CSRAccess{Addr: csr.CTXT, Value: 5}})
			Expect(out.Current).To(Equal(uint32(0)))
			Expect(c.Switcher().Stats().Rejected).To(Equal(uint64(1)))
		})

		It("should forward a register write to a read in flight", func() {
			c.Tick(core.CycleInput{Reads: []core.ReadReq{{TID: 1, Reg: 5}, {TID: 2, Reg: 5}}})

			out := c.Tick(core.CycleInput{RegWrite: &core.RegWrite{TID: 1, Reg: 5, Value: 42}})
			Expect(out.ReadValues).To(Equal([]uint64{42, 0}))
		})

		It("should forward a context commit to the current thread's read", func() {
			state := ctxstore.State{NextPC: 0xABC, Privilege: thread.PrivilegeSupervisor, ASID: 4}
			out := c.Tick(core.CycleInput{ContextCommit: &core.ContextCommit{TID: 0, State: state}})
			Expect(out.Context).To(Equal(state))
		})

		It("should pass unknown CSR writes through", func() {
			out := c.Tick(core.CycleInput{CSRWrite: &core.CSRAccess{Addr: 0x300, Value: 1}})
			Expect(out.CSRWriteErr).NotTo(HaveOccurred())
			Expect(c.Stats().CSRPassThrough).To(Equal(uint64(1)))
		})

		It("should report read-only CSR writes", func() {
			out := c.Tick(core.CycleInput{CSRWrite: &core.CSRAccess{Addr: csr.NumThreads, Value: 1}})
			Expect(out.CSRWriteErr).To(MatchError(csr.ErrReadOnly))
			Expect(out.CSRErr).NotTo(HaveOccurred())
			Expect(c.Stats().CSRErrors).To(Equal(uint64(1)))
		})

		It("should keep a read's result apart from a failing write in the same cycle", func() {
			out := c.Tick(core.CycleInput{
				CSRRead:  &core.CSRAccess{TID: 2, Addr: csr.PTID},
				CSRWrite: &core.CSRAccess{TID: 2, Addr: csr.MaxThreads, Value: 9},
			})
			Expect(out.CSRValue).To(Equal(uint64(2)))
			Expect(out.CSRErr).NotTo(HaveOccurred())
			Expect(out.CSRWriteErr).To(MatchError(csr.ErrReadOnly))
		})

		It("should count per-thread cycles and instructions", func() {
			for i := 0; i < 10; i++ {
				c.Tick(core.CycleInput{Issue: i%2 == 0})
			}

			out := c.Tick(core.CycleInput{CSRRead: &core.CSRAccess{TID: 0, Addr: csr.ThreadCycles}})
			Expect(out.CSRValue).To(Equal(uint64(10)))
			out = c.Tick(core.CycleInput{CSRRead: &core.CSRAccess{TID: 0, Addr: csr.ThreadInstr}})
			Expect(out.CSRValue).To(Equal(uint64(5)))

			stats := c.ThreadStats()
			Expect(stats).To(HaveLen(4))
			Expect(stats[0].Cycles).To(Equal(uint64(12)))
		})

		It("should reset all state", func() {
			c.RunCycles(20, core.InputFunc(func(uint64, core.CycleOutput) core.CycleInput {
				return core.CycleInput{Issue: true}
			}), nil)
			c.Reset()

			Expect(c.Stats()).To(Equal(core.Stats{}))
			Expect(c.CurrentThread()).To(Equal(uint32(0)))
			Expect(c.CSRs().NumValid()).To(BeZero())
		})
	})
})
