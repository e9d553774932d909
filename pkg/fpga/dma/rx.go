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

package dma

import (
	"github.com/pkg/errors"

	"github.com/Haffon/opae-sdk/pkg/fpga/msgdma"
)

// rxPosted is a descriptor handed to the S2M dispatcher and not answered
// yet.
type rxPosted struct {
	slot   int
	length uint64
}

// rxState is the receive ring of an RX channel. Descriptors left posted by
// a receive that gave up waiting are used by the next end on EOP receive
// when they do not cover more than it asked for.
type rxState struct {
	ring   []handle[*buffer]
	idle   []int
	posted []rxPosted
	valve  uint32
}

func (r *rxState) init(c *Channel) error {
	for i := 0; i < maxBounceBuffers; i++ {
		h, err := c.engine.buffers.acquire(bufferFits(DescriptorMaxLength))
		if err != nil {
			return errors.Wrap(err, "receive ring")
		}

		r.ring = append(r.ring, h)
		r.idle = append(r.idle, i)
	}

	return nil
}

func (r *rxState) release(p *bufferPool) {
	for _, h := range r.ring {
		_ = p.release(h)
	}

	r.ring, r.idle, r.posted = nil, nil, nil
}

func (r *rxState) coverage() uint64 {
	var n uint64

	for _, p := range r.posted {
		n += p.length
	}

	return n
}

// flushRx drops descriptors left in the dispatcher.
func (c *Channel) flushRx() error {
	r := c.rx

	c.log.V(4).Info("flushing unused receive descriptors", "count", len(r.posted))

	if err := c.writeCSR(msgdma.CSRControl, uint32(msgdma.ControlStopDispatcher|msgdma.ControlFlushDescriptors)); err != nil {
		return err
	}

	ctx, cancel := c.deadline()
	defer cancel()

	err := c.await(ctx, "dispatcher stop", false, func() (bool, error) {
		st, err := c.status()
		return err == nil && st.Stopped(), err
	})
	if err != nil {
		return err
	}

	if err := c.writeCSR(msgdma.CSRControl, uint32(msgdma.ControlFlushWrMaster)); err != nil {
		return err
	}

	if err := c.enableInterrupts(); err != nil {
		return err
	}

	for _, p := range r.posted {
		r.idle = append(r.idle, p.slot)
	}

	r.posted = nil

	return nil
}

func (c *Channel) setValve(eoe bool, length uint64) error {
	ctrl := uint32(msgdma.ValveCtrlDataFlow)
	if eoe {
		ctrl |= msgdma.ValveCtrlNonDetTF
	} else {
		ctrl |= msgdma.ValveCtrlDetTF

		// the counter is 32 bit wide, longer receives end on descriptors
		if length <= msgdma.AddressMask32 {
			if err := c.mmio.WriteMMIO32(c.valve+msgdma.ValveBytesToXfer, uint32(length)); err != nil {
				return errors.Wrap(err, "valve length")
			}
		}
	}

	if ctrl == c.rx.valve {
		return nil
	}

	if err := c.mmio.WriteMMIO32(c.valve+msgdma.ValveControl, ctrl); err != nil {
		return errors.Wrap(err, "valve control")
	}

	c.rx.valve = ctrl

	return nil
}

func (c *Channel) postRx(length uint64, eoe bool) error {
	r := c.rx

	for covered := r.coverage(); covered < length && len(r.idle) > 0; {
		slot := r.idle[0]

		n := length - covered
		if n > DescriptorMaxLength {
			n = DescriptorMaxLength
		}

		ctrl := msgdma.DescGo | msgdma.DescTransferIRQEn | msgdma.DescWaitForWrRsp
		if eoe {
			ctrl |= msgdma.DescEndOnEOP | msgdma.DescEOPRcvdIRQEn
		}

		d := msgdma.Descriptor{
			WriteAddress: msgdma.HostMaskST | r.ring[slot].item.value.iova,
			Length:       uint32(n),
			ReadBurst:    1,
			WriteBurst:   1,
			ReadStride:   1,
			WriteStride:  1,
			Control:      ctrl,
		}

		if _, err := c.writeDescriptor(&d); err != nil {
			return err
		}

		r.idle = r.idle[1:]
		r.posted = append(r.posted, rxPosted{slot: slot, length: n})
		covered += n
	}

	return nil
}

// runRx receives a stream into host memory. An end on EOP receive ends
// with the first response carrying EOP and reports the received length.
func (c *Channel) runRx(t *Transfer, _ *scratch) (uint64, bool, error) {
	r := c.rx
	eoe := t.rxCtrl == EndOnEOP
	dst := t.hostDestination()[:t.length]

	// A posted descriptor longer than the buffer could land more data
	// than fits.
	if len(r.posted) > 0 && (!eoe || r.coverage() > t.length) {
		if err := c.flushRx(); err != nil {
			return 0, false, err
		}
	}

	if err := c.setValve(eoe, t.length); err != nil {
		return 0, false, err
	}

	var (
		got    uint64
		eop    bool
		result error
	)

	for got < t.length && !(eoe && eop) {
		if err := c.postRx(t.length-got, eoe); err != nil {
			return got, false, err
		}

		ctx, cancel := c.deadline()
		err := c.await(ctx, "receive response", true, func() (bool, error) {
			lvl, err := c.readCSR(msgdma.CSRRspLevel)
			return err == nil && msgdma.RspLevel(lvl).Entries() > 0, err
		})
		cancel()

		if err != nil {
			return got, false, err
		}

		lvl, err := c.readCSR(msgdma.CSRRspLevel)
		if err != nil {
			return got, false, err
		}

		for i := msgdma.RspLevel(lvl).Entries(); i > 0 && got < t.length && !(eoe && eop); i-- {
			n, st, err := c.popResponse()
			if err != nil {
				return got, false, err
			}

			p := r.posted[0]
			r.posted = r.posted[1:]
			r.idle = append(r.idle, p.slot)

			if st.ErrorBits() != 0 || st.EarlyTermination() {
				result = errors.Wrapf(ErrHardware, "response status 0x%x", uint32(st))
			}

			if room := uint64(len(dst)) - got; n > room {
				result = errors.Wrapf(ErrNoMemory, "%d received bytes do not fit %d free", n, room)
				n = room
			}

			copy(dst[got:], r.ring[p.slot].item.value.mem[:n])
			got += n
			eop = st.EOPArrived()

			if result != nil {
				break
			}
		}

		if result != nil {
			break
		}
	}

	switch {
	case errors.Is(result, ErrHardware):
		if err := c.flushRx(); err != nil {
			c.log.Error(err, "receive recovery failed")
		}
	case eop && len(r.posted) > 0:
		// the next packet must not start in a descriptor of this receive
		if err := c.flushRx(); err != nil {
			result = err
		}
	}

	c.log.V(4).Info("receive done", "bytes", got, "eop", eop, "unused", len(r.posted))

	return got, eop, result
}

// popResponse reads one response FIFO entry. Reading the status pops it.
func (c *Channel) popResponse() (uint64, msgdma.RspStatusReg, error) {
	n, err := c.mmio.ReadMMIO32(c.rsp + msgdma.RspBytesTransferred)
	if err != nil {
		return 0, 0, errors.Wrap(err, "response bytes")
	}

	st, err := c.mmio.ReadMMIO32(c.rsp + msgdma.RspStatus)
	if err != nil {
		return 0, 0, errors.Wrap(err, "response status")
	}

	return uint64(n), msgdma.RspStatusReg(st), nil
}
