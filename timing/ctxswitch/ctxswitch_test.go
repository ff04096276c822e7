package ctxswitch_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/mtsim/csr"
	"github.com/sarchlab/mtsim/thread"
	"github.com/sarchlab/mtsim/timing/ctxswitch"
)

var _ = Describe("Controller", func() {
	var (
		reg *thread.CurrentThread
		c   *ctxswitch.Controller
	)

	BeforeEach(func() {
		reg = thread.NewCurrentThread(4)
		c = ctxswitch.New(reg)
	})

	It("should switch the current thread on the next edge", func() {
		Expect(c.Commit(csr.CTXT, 2)).To(BeTrue())
		Expect(reg.Value()).To(Equal(uint32(0)))

		reg.Edge()
		Expect(reg.Value()).To(Equal(uint32(2)))

		v, ok := c.Read(csr.CTXT)
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(uint64(2)))
	})

	It("should outrank the scheduler in the same cycle", func() {
		reg.Drive(thread.DriverScheduler, 1)
		c.Commit(csr.CTXT, 3)
		reg.Edge()
		Expect(reg.Value()).To(Equal(uint32(3)))
	})

	It("should take the low bits of the written value", func() {
		c.Commit(csr.CTXT, 0xFFFF_0001)
		reg.Edge()
		Expect(reg.Value()).To(Equal(uint32(1)))
	})

	It("should accept an out-of-range thread as written", func() {
		c.Commit(csr.CTXT, 6)
		reg.Edge()
		Expect(reg.Value()).To(Equal(uint32(6)))
		Expect(c.Stats().Rejected).To(BeZero())
	})

	It("should reject an out-of-range thread when hardened", func() {
		c = ctxswitch.New(reg, ctxswitch.WithRejectOutOfRange())
		Expect(c.Commit(csr.CTXT, 6)).To(BeTrue())
		reg.Edge()

		Expect(reg.Value()).To(Equal(uint32(0)))
		Expect(c.Stats().Rejected).To(Equal(uint64(1)))
	})

	It("should pass other addresses through", func() {
		Expect(c.Commit(csr.ThreadPriority, 2)).To(BeFalse())
		Expect(c.Commit(0x300, 2)).To(BeFalse())
		reg.Edge()

		Expect(reg.Value()).To(Equal(uint32(0)))
		Expect(c.Stats().PassedThrough).To(Equal(uint64(2)))

		_, ok := c.Read(csr.PTID)
		Expect(ok).To(BeFalse())
	})

	It("should count requests", func() {
		c.Commit(csr.CTXT, 1)
		reg.Edge()
		c.Commit(csr.CTXT, 2)
		reg.Edge()

		Expect(c.Stats().Requested).To(Equal(uint64(2)))
		c.ResetStats()
		Expect(c.Stats()).To(Equal(ctxswitch.Statistics{}))
	})
})
