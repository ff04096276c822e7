package sched_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/mtsim/thread"
	"github.com/sarchlab/mtsim/timing/sched"
)

var _ = Describe("Scheduler", func() {
	const numThreads = 4

	var (
		reg *thread.CurrentThread
		s   *sched.Scheduler
		in  sched.Inputs
	)

	// cycle evaluates one cycle and clocks the register.
	cycle := func() sched.Outputs {
		out := s.Step(in)
		reg.Edge()
		return out
	}

	BeforeEach(func() {
		reg = thread.NewCurrentThread(numThreads)
		s = sched.New(reg)
		in = sched.Inputs{
			Enabled:  []bool{true, true, true, true},
			Blocked:  make([]bool, numThreads),
			Priority: make([]uint8, numThreads),
			Issued:   true,
		}
	})

	It("should reset to thread 0 with the default quota", func() {
		Expect(reg.Value()).To(Equal(uint32(0)))
		Expect(s.Quota()).To(Equal(sched.DefaultQuota))
	})

	Describe("Round-robin", func() {
		It("should stay on a thread until its quota is used", func() {
			for i := 0; i < sched.DefaultQuota-1; i++ {
				out := cycle()
				Expect(out.Active).To(Equal(uint32(0)))
				Expect(out.Next).To(Equal(uint32(0)))
			}

			out := cycle()
			Expect(out.Active).To(Equal(uint32(0)))
			Expect(out.Next).To(Equal(uint32(1)))
			Expect(out.Rotated).To(BeTrue())
			Expect(reg.Value()).To(Equal(uint32(1)))
		})

		It("should not consume quota on cycles without issue", func() {
			in.Issued = false
			for i := 0; i < 3*sched.DefaultQuota; i++ {
				Expect(cycle().Next).To(Equal(uint32(0)))
			}
			Expect(s.IssuedInTurn()).To(BeZero())
		})

		It("should give every thread a full quota period in each window", func() {
			counts := make([]int, numThreads)
			for i := 0; i < numThreads*sched.DefaultQuota; i++ {
				counts[cycle().Active]++
			}
			for tid := range counts {
				Expect(counts[tid]).To(Equal(sched.DefaultQuota), "thread %d", tid)
			}
		})

		It("should skip disabled and blocked threads", func() {
			in.Enabled[1] = false
			in.Blocked[2] = true

			for i := 0; i < sched.DefaultQuota; i++ {
				cycle()
			}
			Expect(reg.Value()).To(Equal(uint32(3)))
		})

		It("should leave a thread blocked mid-quota on the very next cycle", func() {
			// Bring thread 2 in and let it issue part of its quota.
			in.Mode = sched.ModeOverride
			in.OverrideTID = 2
			cycle()

			in.Mode = sched.ModeRoundRobin
			for i := 0; i < 3; i++ {
				Expect(cycle().Active).To(Equal(uint32(2)))
			}

			in.Blocked[2] = true
			out := cycle()
			Expect(out.Active).To(Equal(uint32(2)))
			Expect(out.Next).To(Equal(uint32(3)))
			Expect(cycle().Active).To(Equal(uint32(3)))
		})

		It("should wrap the forward search", func() {
			in.Mode = sched.ModeOverride
			in.OverrideTID = 3
			cycle()

			in.Mode = sched.ModeRoundRobin
			in.Enabled[3] = false
			Expect(cycle().Next).To(Equal(uint32(0)))
		})

		It("should fall back to thread 0 when nothing is runnable", func() {
			in.Mode = sched.ModeOverride
			in.OverrideTID = 2
			cycle()

			in.Mode = sched.ModeRoundRobin
			in.Enabled = make([]bool, numThreads)
			out := cycle()
			Expect(out.Next).To(Equal(uint32(0)))
			Expect(out.Idle).To(BeTrue())
		})

		It("should stay on the only runnable thread after its quota", func() {
			in.Enabled = []bool{true, false, false, false}
			for i := 0; i < 2*sched.DefaultQuota; i++ {
				Expect(cycle().Next).To(Equal(uint32(0)))
			}
		})

		It("should honour a custom quota", func() {
			reg = thread.NewCurrentThread(numThreads)
			s = sched.New(reg, sched.WithQuota(2))

			Expect(cycle().Next).To(Equal(uint32(0)))
			Expect(cycle().Next).To(Equal(uint32(1)))
		})

		It("should restart the quota after an external switch", func() {
			for i := 0; i < sched.DefaultQuota-2; i++ {
				cycle()
			}
			Expect(s.IssuedInTurn()).To(Equal(sched.DefaultQuota - 2))

			s.Step(in)
			reg.Drive(thread.DriverSwitch, 2)
			reg.Edge()

			for i := 0; i < sched.DefaultQuota-1; i++ {
				Expect(cycle().Active).To(Equal(uint32(2)))
			}
			Expect(cycle().Next).To(Equal(uint32(3)))
		})
	})

	Describe("Priority", func() {
		BeforeEach(func() {
			in.Mode = sched.ModePriority
		})

		It("should select the highest-priority runnable thread every cycle", func() {
			in.Priority = []uint8{10, 50, 30, 5}

			Expect(cycle().Next).To(Equal(uint32(1)))
			for i := 0; i < 20; i++ {
				out := cycle()
				Expect(out.Active).To(Equal(uint32(1)))
				Expect(out.Next).To(Equal(uint32(1)))
			}
		})

		It("should follow priority changes", func() {
			in.Priority = []uint8{10, 50, 30, 5}
			cycle()

			in.Priority[3] = 255
			Expect(cycle().Next).To(Equal(uint32(3)))
		})

		It("should break ties toward the lower id", func() {
			in.Priority = []uint8{1, 40, 40, 40}
			Expect(cycle().Next).To(Equal(uint32(1)))
		})

		It("should ignore blocked and disabled threads", func() {
			in.Priority = []uint8{10, 50, 30, 5}
			in.Blocked[1] = true
			Expect(cycle().Next).To(Equal(uint32(2)))

			in.Enabled[2] = false
			Expect(cycle().Next).To(Equal(uint32(0)))
		})

		It("should keep the current thread when nothing qualifies", func() {
			in.Mode = sched.ModeOverride
			in.OverrideTID = 2
			cycle()

			in.Mode = sched.ModePriority
			in.Enabled = make([]bool, numThreads)
			out := cycle()
			Expect(out.Next).To(Equal(uint32(2)))
			Expect(out.Idle).To(BeTrue())
		})
	})

	Describe("Mode changes", func() {
		It("should start a fresh quota when round-robin resumes", func() {
			in.Mode = sched.ModePriority
			in.Priority = []uint8{0, 50, 0, 0}
			for i := 0; i < 3*sched.DefaultQuota; i++ {
				cycle()
			}
			Expect(s.IssuedInTurn()).To(BeZero())

			in.Mode = sched.ModeRoundRobin
			for i := 0; i < sched.DefaultQuota-1; i++ {
				out := cycle()
				Expect(out.Active).To(Equal(uint32(1)))
				Expect(out.Next).To(Equal(uint32(1)))
			}
			out := cycle()
			Expect(out.Active).To(Equal(uint32(1)))
			Expect(out.Next).To(Equal(uint32(2)))
		})

		It("should not carry override cycles into the quota", func() {
			in.Mode = sched.ModeOverride
			in.OverrideTID = 3
			for i := 0; i < 2*sched.DefaultQuota; i++ {
				cycle()
			}

			in.Mode = sched.ModeRoundRobin
			Expect(cycle().Next).To(Equal(uint32(3)))
			Expect(s.IssuedInTurn()).To(Equal(1))
		})
	})

	Describe("Override", func() {
		It("should select the override thread unconditionally", func() {
			in.Mode = sched.ModeOverride
			in.OverrideTID = 3
			in.Blocked[3] = true
			in.Enabled[3] = false

			Expect(cycle().Next).To(Equal(uint32(3)))
			Expect(reg.Value()).To(Equal(uint32(3)))
		})

		It("should panic on an out-of-range override", func() {
			in.Mode = sched.ModeOverride
			in.OverrideTID = numThreads

			Expect(func() { s.Step(in) }).To(PanicWith(BeAssignableToTypeOf(&sched.InvariantError{})))
		})
	})

	Describe("Invariants", func() {
		It("should panic when the active thread is out of range", func() {
			reg.Drive(thread.DriverSwitch, reg.Sentinel())
			reg.Edge()

			Expect(func() { s.Step(in) }).To(PanicWith(MatchError(ContainSubstring("active_tid=4"))))
		})

		It("should never select a blocked thread while another is runnable", func() {
			in.Blocked[1] = true
			for _, mode := range []sched.Mode{sched.ModeRoundRobin, sched.ModePriority} {
				in.Mode = mode
				in.Priority = []uint8{0, 255, 0, 0}
				for i := 0; i < 100; i++ {
					out := cycle()
					Expect(out.Active).NotTo(Equal(uint32(1)))
					Expect(out.Next).NotTo(Equal(uint32(1)))
				}
			}
		})

		It("should not change state in Evaluate", func() {
			in.Mode = sched.ModeOverride
			in.OverrideTID = 2
			Expect(s.Evaluate(in).Next).To(Equal(uint32(2)))

			_, d := reg.Pending()
			Expect(d).To(Equal(thread.DriverNone))
		})
	})

	DescribeTable("mode names",
		func(name string, mode sched.Mode) {
			m, err := sched.ParseMode(name)
			Expect(err).NotTo(HaveOccurred())
			Expect(m).To(Equal(mode))
			if name != "rr" && name != "" {
				Expect(m.String()).To(Equal(name))
			}
		},
		Entry("round-robin", "round-robin", sched.ModeRoundRobin),
		Entry("rr", "rr", sched.ModeRoundRobin),
		Entry("override", "override", sched.ModeOverride),
		Entry("priority", "priority", sched.ModePriority),
	)
})
