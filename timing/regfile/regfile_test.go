package regfile_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/mtsim/timing/regfile"
)

var _ = Describe("RegisterFile", func() {
	var rf *regfile.RegisterFile

	BeforeEach(func() {
		var err error
		rf, err = regfile.New(regfile.DefaultConfig())
		Expect(err).NotTo(HaveOccurred())
	})

	// read presents an address and returns the port value one cycle later.
	read := func(port int, tid uint32, reg uint8) uint64 {
		rf.SetRead(port, tid, reg)
		rf.Tick()
		return rf.Read(port)
	}

	Describe("Configuration", func() {
		DescribeTable("read port counts",
			func(ports int, ok bool) {
				cfg := regfile.DefaultConfig()
				cfg.ReadPorts = ports
				_, err := regfile.New(cfg)
				if ok {
					Expect(err).NotTo(HaveOccurred())
				} else {
					Expect(err).To(MatchError(regfile.ErrReadPorts))
				}
			},
			Entry("1 port is rejected", 1, false),
			Entry("2 ports", 2, true),
			Entry("3 ports", 3, true),
			Entry("4 ports is rejected", 4, false),
		)

		It("should reject zero threads", func() {
			cfg := regfile.DefaultConfig()
			cfg.NumThreads = 0
			_, err := regfile.New(cfg)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Storage", func() {
		It("should return the stored value one cycle after the address", func() {
			rf.Poke(1, 5, 0xABCD)
			Expect(read(0, 1, 5)).To(Equal(uint64(0xABCD)))
		})

		It("should report no value before an address is latched", func() {
			v, src := rf.ReadWithSource(0)
			Expect(v).To(BeZero())
			Expect(src).To(Equal(regfile.ForwardNone))
		})

		It("should serve independent ports in the same cycle", func() {
			rf.Poke(0, 1, 11)
			rf.Poke(3, 2, 22)
			rf.SetRead(0, 0, 1)
			rf.SetRead(1, 3, 2)
			rf.Tick()
			Expect(rf.Read(0)).To(Equal(uint64(11)))
			Expect(rf.Read(1)).To(Equal(uint64(22)))
		})
	})

	Describe("Forwarding", func() {
		It("should bypass a write in the same cycle as the read", func() {
			rf.Poke(2, 7, 1)
			rf.SetRead(0, 2, 7)
			rf.Tick()

			rf.Write(2, 7, 99)
			v, src := rf.ReadWithSource(0)
			Expect(v).To(Equal(uint64(99)))
			Expect(src).To(Equal(regfile.ForwardImmediate))
		})

		It("should bypass the write that landed on the previous edge", func() {
			rf.Poke(2, 7, 1)
			rf.SetRead(0, 2, 7)
			rf.Write(2, 7, 77)
			rf.Tick()

			v, src := rf.ReadWithSource(0)
			Expect(v).To(Equal(uint64(77)))
			Expect(src).To(Equal(regfile.ForwardDelayed))
		})

		It("should prefer the newest write", func() {
			rf.SetRead(0, 1, 3)
			rf.Write(1, 3, 10)
			rf.Tick()

			rf.Write(1, 3, 20)
			v, src := rf.ReadWithSource(0)
			Expect(v).To(Equal(uint64(20)))
			Expect(src).To(Equal(regfile.ForwardImmediate))
		})

		It("should read storage once the delayed window has passed", func() {
			rf.Write(1, 3, 10)
			rf.Tick()
			rf.SetRead(0, 1, 3)
			rf.Tick()

			v, src := rf.ReadWithSource(0)
			Expect(v).To(Equal(uint64(10)))
			Expect(src).To(Equal(regfile.ForwardNone))
		})

		It("should never forward across threads", func() {
			rf.Poke(2, 4, 5)
			rf.SetRead(0, 2, 4)
			rf.Write(1, 4, 1000)
			rf.Tick()

			rf.Write(3, 4, 2000)
			v, src := rf.ReadWithSource(0)
			Expect(v).To(Equal(uint64(5)))
			Expect(src).To(Equal(regfile.ForwardNone))
		})

		It("should never forward across registers", func() {
			rf.SetRead(0, 1, 4)
			rf.Tick()
			rf.Write(1, 5, 1000)
			Expect(rf.Read(0)).To(BeZero())
		})

		It("should count bypasses per port", func() {
			rf.SetRead(1, 0, 9)
			rf.Write(0, 9, 1)
			rf.Tick()
			rf.Read(1)

			stats := rf.Stats()
			Expect(stats.DelayedBypass).To(Equal(uint64(1)))
			Expect(stats.PortBypassCounts[1]).To(Equal(uint64(1)))
			Expect(stats.PortBypassCounts[0]).To(BeZero())
		})
	})

	Describe("Zero register", func() {
		It("should read zero regardless of writes or forwarding", func() {
			rf.Write(1, 0, 0xFFFF)
			rf.SetRead(0, 1, 0)
			rf.Tick()

			rf.Write(1, 0, 0xEEEE)
			v, src := rf.ReadWithSource(0)
			Expect(v).To(BeZero())
			Expect(src).To(Equal(regfile.ForwardZero))
			Expect(rf.Peek(1, 0)).To(BeZero())
		})

		It("should behave as a normal register when disabled", func() {
			cfg := regfile.DefaultConfig()
			cfg.ZeroRegister = false
			rf, _ = regfile.New(cfg)

			rf.Write(1, 0, 0xFFFF)
			rf.Tick()
			Expect(read(0, 1, 0)).To(Equal(uint64(0xFFFF)))
		})
	})

	Describe("Round trip", func() {
		It("should return a written value on every thread and register", func() {
			for tid := uint32(0); tid < 4; tid++ {
				for reg := uint8(1); reg < regfile.NumRegs; reg++ {
					rf.Write(tid, reg, uint64(tid)<<8|uint64(reg))
					rf.Tick()
				}
			}

			for tid := uint32(0); tid < 4; tid++ {
				for reg := uint8(1); reg < regfile.NumRegs; reg++ {
					Expect(read(0, tid, reg)).To(Equal(uint64(tid)<<8 | uint64(reg)))
				}
			}
		})

		It("should keep threads isolated", func() {
			rf.Write(0, 10, 111)
			rf.Tick()
			Expect(read(0, 1, 10)).To(BeZero())
			Expect(read(0, 0, 10)).To(Equal(uint64(111)))
		})
	})

	Describe("Edge cases", func() {
		It("should panic on a second write in one cycle", func() {
			rf.Write(0, 1, 1)
			Expect(func() { rf.Write(0, 2, 2) }).To(Panic())
		})

		It("should panic on an unknown port", func() {
			Expect(func() { rf.SetRead(2, 0, 1) }).To(Panic())
		})

		It("should drop out-of-range writes", func() {
			rf.Write(9, 1, 5)
			rf.Tick()
			Expect(rf.Stats().DroppedWrites).To(Equal(uint64(1)))
		})

		It("should read zero for out-of-range addresses", func() {
			Expect(read(0, 9, 1)).To(BeZero())
			Expect(rf.Stats().OutOfRangeReads).To(Equal(uint64(1)))
		})

		It("should clear everything on reset", func() {
			rf.Poke(1, 1, 1)
			rf.SetRead(0, 1, 1)
			rf.Tick()
			rf.Reset()

			Expect(rf.Peek(1, 1)).To(BeZero())
			_, ok := rf.LatchedAddr(0)
			Expect(ok).To(BeFalse())
			Expect(rf.Stats().Reads).To(BeZero())
		})
	})
})
