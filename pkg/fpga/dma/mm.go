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
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/Haffon/opae-sdk/pkg/fpga/msgdma"
)

const (
	mmAlign       = msgdma.StreamingAlignBytes
	fenceLength   = msgdma.StreamingAlignBytes
	f2fIRQStride  = 8
	fenceWait     = "write fence"
)

// mmParts splits an FPGA range into a head up to the first 64 byte
// boundary and a body of whole 64 byte blocks. The rest is the tail. Head
// and tail go through the span window, the body is DMA'd.
func mmParts(addr, length uint64) (head, body uint64) {
	head = (mmAlign - addr%mmAlign) % mmAlign
	if head > length {
		head = length
	}

	body = (length - head) &^ (mmAlign - 1)

	return head, body
}

func (c *Channel) runMM(t *Transfer, s *scratch) (uint64, bool, error) {
	var (
		n   uint64
		err error
	)

	switch t.ttype {
	case HostToFpgaMM:
		n, err = c.hostToFpga(t, s)
	case FpgaToHostMM:
		n, err = c.fpgaToHost(t, s)
	case FpgaToFpgaMM:
		n, err = c.fpgaToFpga(t)
	default:
		return 0, false, errors.Wrapf(ErrNotSupported, "transfer type %s", t.ttype)
	}

	if err != nil {
		return c.txFailed(n, err)
	}

	return n, false, nil
}

func (c *Channel) mmDescriptor(rd, wr uint64, length uint32, irq bool) msgdma.Descriptor {
	ctrl := msgdma.DescGo
	if irq {
		ctrl |= msgdma.DescTransferIRQEn
	}

	burst := mmBurstCount(rd&^msgdma.WriteFenceHostMask, wr&^msgdma.WriteFenceHostMask, length)

	return msgdma.Descriptor{
		ReadAddress:  rd,
		WriteAddress: wr,
		Length:       length,
		ReadBurst:    burst,
		WriteBurst:   burst,
		ReadStride:   1,
		WriteStride:  1,
		Control:      ctrl,
	}
}

func (c *Channel) hostToFpga(t *Transfer, s *scratch) (uint64, error) {
	src := t.hostSource()[:t.length]
	head, body := mmParts(t.dst, t.length)

	if err := c.span.write(t.dst, src[:head]); err != nil {
		return 0, err
	}

	if body > 0 {
		base := t.dst + head

		n, err := c.dispatchFromHost(src[head:head+body], t.pinned(), head, s, func(seg segment, iova uint64, irq bool) (msgdma.Descriptor, error) {
			wr := base + seg.offset
			if err := c.span.selectPage(wr); err != nil {
				return msgdma.Descriptor{}, err
			}

			return c.mmDescriptor(msgdma.HostMaskMM|iova, wr, seg.length, irq), nil
		})
		if err != nil {
			return head + n, err
		}
	}

	if err := c.span.write(t.dst+head+body, src[head+body:]); err != nil {
		return head + body, err
	}

	return t.length, nil
}

// writeFence waits until every write issued before lands in host memory: the
// ROM magic is DMA'd behind them into the fence buffer.
func (c *Channel) writeFence() error {
	b := c.fence.item.value
	word := (*uint64)(unsafe.Pointer(&b.mem[0]))

	atomic.StoreUint64(word, 0)

	d := c.mmDescriptor(msgdma.WriteFenceROMMask, msgdma.WriteFenceHostMask|b.iova, fenceLength, true)
	d.Control |= msgdma.DescWaitForWrRsp

	seq, err := c.writeDescriptor(&d)
	if err != nil {
		return err
	}

	if err := c.awaitSeq(seq); err != nil {
		return err
	}

	ctx, cancel := c.deadline()
	defer cancel()

	return c.await(ctx, fenceWait, false, func() (bool, error) {
		return atomic.LoadUint64(word) == msgdma.WriteFenceMagic, nil
	})
}

func (c *Channel) fpgaToHost(t *Transfer, s *scratch) (uint64, error) {
	dst := t.hostDestination()[:t.length]
	head, body := mmParts(t.src, t.length)

	if err := c.span.read(t.src, dst[:head]); err != nil {
		return 0, err
	}

	if body > 0 {
		if err := c.dmaToHost(t.src+head, dst[head:head+body], t.pinned(), head, s); err != nil {
			return head, err
		}
	}

	if err := c.span.read(t.src+head+body, dst[head+body:]); err != nil {
		return head + body, err
	}

	return t.length, nil
}

type pendingCopy struct {
	from []byte
	to   []byte
}

// dmaToHost DMAs FPGA memory at src into dst, directly when dst lies in
// the pinned buffer at offset off. Bounce buffers are copied out after a
// write fence, before reuse and at the end.
func (c *Channel) dmaToHost(src uint64, dst []byte, pinned *buffer, off uint64, s *scratch) error {
	segs := split(uint64(len(dst)), DescriptorMaxLength)

	var bufs []*buffer

	if pinned == nil {
		nbuf := len(segs)
		if nbuf > maxBounceBuffers {
			nbuf = maxBounceBuffers
		}

		var err error
		if bufs, err = c.acquireBounce(nbuf, s); err != nil {
			return err
		}
	}

	var pending []pendingCopy

	drain := func() error {
		if err := c.writeFence(); err != nil {
			return err
		}

		for _, p := range pending {
			copy(p.to, p.from)
		}

		pending = pending[:0]

		return nil
	}

	for i, seg := range segs {
		rd := src + seg.offset

		if err := c.span.selectPage(rd); err != nil {
			return err
		}

		var iova uint64

		if pinned != nil {
			iova = pinned.iova + off + seg.offset
		} else {
			if i > 0 && i%len(bufs) == 0 {
				if err := drain(); err != nil {
					return err
				}
			}

			b := bufs[i%len(bufs)]
			iova = b.iova
			pending = append(pending, pendingCopy{
				from: b.mem[:seg.length],
				to:   dst[seg.offset : seg.offset+uint64(seg.length)],
			})
		}

		d := c.mmDescriptor(rd, msgdma.HostMaskMM|iova, seg.length, false)
		if _, err := c.writeDescriptor(&d); err != nil {
			return err
		}
	}

	return drain()
}

func (c *Channel) fpgaToFpga(t *Transfer) (uint64, error) {
	segs := split(t.length, DescriptorMaxLength)

	var last uint16

	for i, seg := range segs {
		wr := t.dst + seg.offset

		if err := c.span.selectPage(wr); err != nil {
			return seg.offset, err
		}

		d := c.mmDescriptor(t.src+seg.offset, wr, seg.length, interruptAt(i, len(segs), f2fIRQStride))

		seq, err := c.writeDescriptor(&d)
		if err != nil {
			return seg.offset, err
		}

		last = seq
	}

	if err := c.awaitSeq(last); err != nil {
		return 0, err
	}

	return t.length, nil
}
