// Copyright 2024 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fakedma_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Haffon/opae-sdk/pkg/fakedma"
	"github.com/Haffon/opae-sdk/pkg/fpga"
	"github.com/Haffon/opae-sdk/pkg/fpga/msgdma"
)

func commit(dev *fakedma.Device, ch int, d msgdma.Descriptor) {
	base := dev.ChannelOffset(ch) + msgdma.DescOffset

	for i, w := range d.Words() {
		Expect(dev.WriteMMIO64(base+uint64(i)*8, w)).To(Succeed())
	}
}

func csr(dev *fakedma.Device, ch int, reg uint64) uint32 {
	v, err := dev.ReadMMIO32(dev.ChannelOffset(ch) + msgdma.CSROffset + reg)
	Expect(err).NotTo(HaveOccurred())

	return v
}

func setCSR(dev *fakedma.Device, ch int, reg uint64, v uint32) {
	Expect(dev.WriteMMIO32(dev.ChannelOffset(ch)+msgdma.CSROffset+reg, v)).To(Succeed())
}

func pin(dev *fakedma.Device, data []byte) ([]byte, uint64) {
	mem, wsid, err := dev.PrepareBuffer(uint64(len(data)))
	Expect(err).NotTo(HaveOccurred())

	iova, err := dev.GetIOAddress(wsid)
	Expect(err).NotTo(HaveOccurred())

	copy(mem, data)

	return mem, iova
}

var _ = Describe("Simulated DMA device", func() {
	var dev *fakedma.Device

	BeforeEach(func() {
		dev = fakedma.New()
	})

	Context("feature list", func() {
		It("lists the BBBs in order", func() {
			features, err := msgdma.Walk(dev)
			Expect(err).NotTo(HaveOccurred())
			Expect(features).To(HaveLen(3))
			Expect(features[0].GUID).To(Equal(msgdma.M2SGUID))
			Expect(features[1].GUID).To(Equal(msgdma.S2MGUID))
			Expect(features[2].GUID).To(Equal(msgdma.MMGUID))
			Expect(features[2].Offset).To(Equal(dev.ChannelOffset(2)))
		})

		It("has no BBB when built without channels", func() {
			features, err := msgdma.Walk(fakedma.New(fakedma.WithChannels()))
			Expect(err).NotTo(HaveOccurred())
			Expect(features).To(BeEmpty())
		})

		It("rejects unaligned accesses", func() {
			_, err := dev.ReadMMIO64(4)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("streaming out", func() {
		It("collects packets and completes sequence numbers", func() {
			_, iova := pin(dev, []byte("abcdefgh"))

			Expect(csr(dev, 0, msgdma.CSRSeqNum)).To(Equal(uint32(0xFFFF)))

			commit(dev, 0, msgdma.Descriptor{
				ReadAddress: msgdma.HostMaskST | iova,
				Length:      4,
				SeqNum:      0,
				Control:     msgdma.DescGo | msgdma.DescGenerateSOP,
			})
			commit(dev, 0, msgdma.Descriptor{
				ReadAddress: msgdma.HostMaskST | (iova + 4),
				Length:      4,
				SeqNum:      1,
				Control:     msgdma.DescGo | msgdma.DescGenerateEOP,
			})

			Expect(csr(dev, 0, msgdma.CSRSeqNum)).To(Equal(uint32(1)))
			Expect(dev.Packets(0)).To(Equal([][]byte{[]byte("abcdefgh")}))
			Expect(dev.Descriptors(0)).To(HaveLen(2))
		})

		It("holds descriptors while stalled", func() {
			dev = fakedma.New(fakedma.WithFIFODepth(1))
			_, iova := pin(dev, make([]byte, 64))

			dev.Stall(0, true)
			commit(dev, 0, msgdma.Descriptor{ReadAddress: msgdma.HostMaskST | iova, Length: 64, Control: msgdma.DescGo})

			Expect(msgdma.Status(csr(dev, 0, msgdma.CSRStatus)).DescBufFull()).To(BeTrue())

			dev.Stall(0, false)

			Expect(msgdma.Status(csr(dev, 0, msgdma.CSRStatus)).DescBufEmpty()).To(BeTrue())
			Expect(dev.Sink(0)).To(HaveLen(64))
		})

		It("stops on an injected error until reset", func() {
			_, iova := pin(dev, make([]byte, 64))

			dev.InjectError(0, 0x4)
			commit(dev, 0, msgdma.Descriptor{ReadAddress: msgdma.HostMaskST | iova, Length: 64, Control: msgdma.DescGo})

			Expect(msgdma.Status(csr(dev, 0, msgdma.CSRStatus)).Failed()).To(BeTrue())
			Expect(csr(dev, 0, msgdma.CSRSeqNum)).To(Equal(uint32(0xFFFF)))

			setCSR(dev, 0, msgdma.CSRControl, uint32(msgdma.ControlResetDispatcher))

			Expect(msgdma.Status(csr(dev, 0, msgdma.CSRStatus)).Failed()).To(BeFalse())
		})
	})

	Context("streaming in", func() {
		It("ends a descriptor on EOP", func() {
			mem, iova := pin(dev, make([]byte, 256))

			Expect(dev.WriteMMIO32(dev.ChannelOffset(1)+msgdma.ValveOffset+msgdma.ValveControl,
				msgdma.ValveCtrlDataFlow|msgdma.ValveCtrlNonDetTF)).To(Succeed())

			commit(dev, 1, msgdma.Descriptor{
				WriteAddress: msgdma.HostMaskST | iova,
				Length:       256,
				Control:      msgdma.DescGo | msgdma.DescEndOnEOP,
			})

			dev.Feed(1, []byte("hello"), true)

			Expect(csr(dev, 1, msgdma.CSRRspLevel)).To(Equal(uint32(1)))

			n, err := dev.ReadMMIO32(dev.ChannelOffset(1) + msgdma.ResponseOffset + msgdma.RspBytesTransferred)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(uint32(5)))

			st, err := dev.ReadMMIO32(dev.ChannelOffset(1) + msgdma.ResponseOffset + msgdma.RspStatus)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgdma.RspStatusReg(st).EOPArrived()).To(BeTrue())
			Expect(csr(dev, 1, msgdma.CSRRspLevel)).To(BeZero())
			Expect(string(mem[:5])).To(Equal("hello"))
		})

		It("waits for the valve", func() {
			_, iova := pin(dev, make([]byte, 64))

			commit(dev, 1, msgdma.Descriptor{WriteAddress: msgdma.HostMaskST | iova, Length: 64, Control: msgdma.DescGo})
			dev.Feed(1, make([]byte, 64), false)

			Expect(csr(dev, 1, msgdma.CSRRspLevel)).To(BeZero())

			Expect(dev.WriteMMIO32(dev.ChannelOffset(1)+msgdma.ValveOffset+msgdma.ValveControl,
				msgdma.ValveCtrlDataFlow|msgdma.ValveCtrlDetTF)).To(Succeed())

			Expect(csr(dev, 1, msgdma.CSRRspLevel)).To(Equal(uint32(1)))
		})
	})

	Context("memory mapped", func() {
		It("writes the fence magic into host memory", func() {
			mem, iova := pin(dev, make([]byte, 64))

			commit(dev, 2, msgdma.Descriptor{
				ReadAddress:  msgdma.WriteFenceROMMask,
				WriteAddress: msgdma.WriteFenceHostMask | iova,
				Length:       64,
				Control:      msgdma.DescGo,
			})

			Expect(mem[:8]).To(Equal([]byte{0x63, 0x6e, 0x79, 0x53, 0x5f, 0x74, 0x72, 0x57}))
		})

		It("copies between host and local memory", func() {
			_, iova := pin(dev, []byte("0123456789abcdef"))

			commit(dev, 2, msgdma.Descriptor{
				ReadAddress:  msgdma.HostMaskMM | iova,
				WriteAddress: 0x1000,
				Length:       16,
				Control:      msgdma.DescGo,
			})

			Expect(string(dev.ReadLocal(0x1000, 16))).To(Equal("0123456789abcdef"))
		})
	})

	Context("interrupts", func() {
		It("fires only with global interrupts enabled", func() {
			_, iova := pin(dev, make([]byte, 64))

			irq, err := dev.RegisterInterrupt(0)
			Expect(err).NotTo(HaveOccurred())

			defer irq.Close()

			desc := msgdma.Descriptor{ReadAddress: msgdma.HostMaskST | iova, Length: 64, Control: msgdma.DescGo | msgdma.DescTransferIRQEn}
			commit(dev, 0, desc)

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			Expect(irq.Wait(ctx)).To(MatchError(context.DeadlineExceeded))

			setCSR(dev, 0, msgdma.CSRControl, uint32(msgdma.ControlGlobalIntrEn))
			desc.SeqNum = 1
			commit(dev, 0, desc)

			Expect(irq.Wait(context.Background())).To(Succeed())
			Expect(msgdma.Status(csr(dev, 0, msgdma.CSRStatus)).IRQ()).To(BeTrue())

			setCSR(dev, 0, msgdma.CSRStatus, uint32(msgdma.StatusIRQ))
			Expect(msgdma.Status(csr(dev, 0, msgdma.CSRStatus)).IRQ()).To(BeFalse())
		})

		It("is not supported when disabled", func() {
			_, err := fakedma.New(fakedma.WithoutInterrupts()).RegisterInterrupt(0)
			Expect(err).To(MatchError(fpga.ErrNotSupported))
		})
	})

	Context("buffers", func() {
		It("enforces the pin limit", func() {
			dev = fakedma.New(fakedma.WithMaxBuffers(1))

			_, wsid, err := dev.PrepareBuffer(4096)
			Expect(err).NotTo(HaveOccurred())

			_, _, err = dev.PrepareBuffer(4096)
			Expect(err).To(HaveOccurred())

			Expect(dev.ReleaseBuffer(wsid)).To(Succeed())
			Expect(dev.PinnedBuffers()).To(BeZero())
			Expect(dev.ReleaseBuffer(wsid)).NotTo(Succeed())
		})
	})
})
