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

// acquireBounce takes n bounce buffers for the duration of one transfer.
func (c *Channel) acquireBounce(n int, s *scratch) ([]*buffer, error) {
	bufs := make([]*buffer, 0, n)

	for i := 0; i < n; i++ {
		h, err := c.engine.buffers.acquire(bufferFits(DescriptorMaxLength))
		if err != nil {
			return nil, err
		}

		s.buffers = append(s.buffers, h)
		bufs = append(bufs, h.item.value)
	}

	return bufs, nil
}

// pingPong hands out bounce buffers for the descriptors of one transfer.
// A buffer is reused only after the interrupt acknowledging its previous
// descriptor, every half of the buffers raise one interrupt.
type pingPong struct {
	bufs []*buffer
	half int
	n    int
	seqs []uint16
}

func newPingPong(bufs []*buffer, n int) *pingPong {
	half := len(bufs) / 2
	if half < 1 {
		half = 1
	}

	return &pingPong{bufs: bufs, half: half, n: n, seqs: make([]uint16, n)}
}

// slot returns the buffer for descriptor i and, when it is still in use,
// the descriptor to wait for first.
func (p *pingPong) slot(i int) (*buffer, int) {
	wait := -1
	if i >= len(p.bufs) {
		wait = slotReleasedBy(i-len(p.bufs), p.n, p.half)
	}

	return p.bufs[i%len(p.bufs)], wait
}

func (p *pingPong) interrupt(i int) bool {
	return interruptAt(i, p.n, p.half)
}

// descriptorFunc builds the descriptor of one segment read from host
// memory at iova.
type descriptorFunc func(seg segment, iova uint64, irq bool) (msgdma.Descriptor, error)

// dispatchFromHost issues the descriptors reading src and waits for the
// last one. src is copied through bounce buffers unless it lies in the
// pinned buffer at offset off.
func (c *Channel) dispatchFromHost(src []byte, pinned *buffer, off uint64, s *scratch, desc descriptorFunc) (uint64, error) {
	segs := split(uint64(len(src)), DescriptorMaxLength)

	var pp *pingPong

	if pinned == nil {
		nbuf := len(segs)
		if nbuf > maxBounceBuffers {
			nbuf = maxBounceBuffers
		}

		bufs, err := c.acquireBounce(nbuf, s)
		if err != nil {
			return 0, err
		}

		pp = newPingPong(bufs, len(segs))
	}

	var last uint16

	for i, seg := range segs {
		var (
			iova uint64
			irq  = seg.last
		)

		if pinned != nil {
			iova = pinned.iova + off + seg.offset
		} else {
			b, wait := pp.slot(i)
			if wait >= 0 {
				if err := c.awaitSeq(pp.seqs[wait]); err != nil {
					return seg.offset, err
				}
			}

			copy(b.mem, src[seg.offset:seg.offset+uint64(seg.length)])
			iova = b.iova
			irq = pp.interrupt(i)
		}

		d, err := desc(seg, iova, irq)
		if err != nil {
			return seg.offset, err
		}

		seq, err := c.writeDescriptor(&d)
		if err != nil {
			return seg.offset, err
		}

		if pp != nil {
			pp.seqs[i] = seq
		}

		last = seq
	}

	if err := c.awaitSeq(last); err != nil {
		return 0, err
	}

	return uint64(len(src)), nil
}

// runTx streams host memory into the FPGA.
func (c *Channel) runTx(t *Transfer, s *scratch) (uint64, bool, error) {
	n, err := c.dispatchFromHost(t.hostSource()[:t.length], t.pinned(), 0, s, func(seg segment, iova uint64, irq bool) (msgdma.Descriptor, error) {
		ctrl := msgdma.DescGo | txMarkers(t.txCtrl, seg)
		if irq {
			ctrl |= msgdma.DescTransferIRQEn
		}

		if !seg.last {
			ctrl |= msgdma.DescEarlyDoneEn
		}

		return msgdma.Descriptor{
			ReadAddress: msgdma.HostMaskST | iova,
			Length:      seg.length,
			ReadBurst:   1,
			WriteBurst:  1,
			ReadStride:  1,
			WriteStride: 1,
			Control:     ctrl,
		}, nil
	})
	if err != nil {
		return c.txFailed(n, err)
	}

	return n, false, nil
}

// txFailed recovers the dispatcher after a hardware error.
func (c *Channel) txFailed(done uint64, err error) (uint64, bool, error) {
	if errors.Is(err, ErrHardware) {
		if rerr := c.recover(); rerr != nil {
			c.log.Error(rerr, "dispatcher recovery failed")
		}
	}

	return done, false, err
}
