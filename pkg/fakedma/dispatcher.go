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

package fakedma

import (
	"encoding/binary"

	"k8s.io/klog/v2"

	"github.com/Haffon/opae-sdk/pkg/fpga/msgdma"
)

const (
	addressMask = 1<<48 - 1
	routeLocal  = 0
	routeROM    = 1

	// error bits reported for an access to memory nobody pinned
	errBadAddress = 0x1
)

type chunk struct {
	data []byte
	eop  bool
}

type response struct {
	bytes  uint32
	status msgdma.RspStatusReg
}

// channel models one BBB: dispatcher, FIFOs, valve and span extender.
// Every field is guarded by the device lock.
type channel struct {
	dev   *Device
	index int
	guid  msgdma.GUID

	control  msgdma.Control
	irqLatch bool
	failed   bool
	lastSeq  uint16
	words    [4]uint64

	fifo      []msgdma.Descriptor
	committed []msgdma.Descriptor
	filled    uint32
	responses []response

	valveCtrl  uint32
	valveBytes uint32

	page  uint64
	pages []uint64

	sink    []byte
	packet  []byte
	packets [][]byte
	input   []chunk

	injected uint8
	stalled  bool
	wedged   bool
	irq      *interrupt
}

func newChannel(d *Device, index int, guid msgdma.GUID) *channel {
	return &channel{dev: d, index: index, guid: guid, lastSeq: 0xFFFF}
}

func (c *channel) last() bool { return c.index == len(c.dev.opts.guids)-1 }

func inWindow(off uint64) bool {
	return off >= msgdma.ASEDataOffset && off < msgdma.ASEDataOffset+msgdma.ASEWindowSize
}

func (c *channel) windowAddr(off uint64) uint64 {
	return c.page + off - msgdma.ASEDataOffset
}

func (c *channel) read64(off uint64) uint64 {
	switch {
	case off == 0:
		return uint64(msgdma.NewDFH(true, bbbStride, c.last()))
	case off == 8:
		return c.guid.Lo
	case off == 16:
		return c.guid.Hi
	case off == msgdma.ASEControlOffset:
		return c.page
	case inWindow(off):
		var b [8]byte
		c.dev.local.read(c.windowAddr(off), b[:])

		return binary.LittleEndian.Uint64(b[:])
	}

	return uint64(c.read32(off)) | uint64(c.read32(off+4))<<32
}

func (c *channel) write64(off, v uint64) {
	switch {
	case off >= msgdma.DescOffset && off < msgdma.DescOffset+msgdma.DescriptorSize:
		i := (off - msgdma.DescOffset) / 8
		c.words[i] = v

		if i == 3 {
			c.commit()
		}
	case off == msgdma.ASEControlOffset:
		c.page = v &^ msgdma.ASEWindowMask
		c.pages = append(c.pages, c.page)
	case inWindow(off):
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		c.dev.local.write(c.windowAddr(off), b[:])
	}
}

func (c *channel) read32(off uint64) uint32 {
	switch off {
	case msgdma.CSROffset + msgdma.CSRStatus:
		return uint32(c.status())
	case msgdma.CSROffset + msgdma.CSRControl:
		return uint32(c.control)
	case msgdma.CSROffset + msgdma.CSRFillLevel:
		return uint32(len(c.fifo)) | uint32(len(c.fifo))<<16
	case msgdma.CSROffset + msgdma.CSRRspLevel:
		return uint32(len(c.responses))
	case msgdma.CSROffset + msgdma.CSRSeqNum:
		return uint32(c.lastSeq)
	case msgdma.ResponseOffset + msgdma.RspBytesTransferred:
		if len(c.responses) > 0 {
			return c.responses[0].bytes
		}
	case msgdma.ResponseOffset + msgdma.RspStatus:
		if len(c.responses) > 0 {
			r := c.responses[0]
			c.responses = c.responses[1:]

			return uint32(r.status)
		}
	case msgdma.ValveOffset + msgdma.ValveControl:
		return c.valveCtrl
	case msgdma.ValveOffset + msgdma.ValveBytesToXfer:
		return c.valveBytes
	}

	if inWindow(off) {
		var b [4]byte
		c.dev.local.read(c.windowAddr(off), b[:])

		return binary.LittleEndian.Uint32(b[:])
	}

	return 0
}

func (c *channel) write32(off uint64, v uint32) {
	switch off {
	case msgdma.CSROffset + msgdma.CSRStatus:
		if msgdma.Status(v)&msgdma.StatusIRQ != 0 {
			c.irqLatch = false
		}
	case msgdma.CSROffset + msgdma.CSRControl:
		c.setControl(msgdma.Control(v))
	case msgdma.ValveOffset + msgdma.ValveControl:
		c.valveCtrl = v
		c.process()
	case msgdma.ValveOffset + msgdma.ValveBytesToXfer:
		c.valveBytes = v
	default:
		if inWindow(off) {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], v)
			c.dev.local.write(c.windowAddr(off), b[:])
		}
	}
}

func (c *channel) status() msgdma.Status {
	var s msgdma.Status

	if len(c.fifo) == 0 {
		s |= msgdma.StatusDescBufEmpty
	} else {
		s |= msgdma.StatusBusy
	}

	if len(c.fifo) >= c.dev.opts.fifoDepth {
		s |= msgdma.StatusDescBufFull
	}

	if len(c.responses) == 0 {
		s |= msgdma.StatusRspBufEmpty
	}

	if c.failed {
		s |= msgdma.StatusStopped | msgdma.StatusStoppedOnError
	}

	if c.control&msgdma.ControlStopDispatcher != 0 {
		s |= msgdma.StatusStopped
	}

	if c.irqLatch {
		s |= msgdma.StatusIRQ
	}

	return s
}

func (c *channel) setControl(ctrl msgdma.Control) {
	if ctrl&msgdma.ControlResetDispatcher != 0 && c.wedged {
		ctrl &^= msgdma.ControlResetDispatcher
		klog.V(4).InfoS("dispatcher reset ignored", "bbb", c.index)
	}

	if ctrl&msgdma.ControlResetDispatcher != 0 {
		c.fifo, c.responses = nil, nil
		c.filled = 0
		c.failed, c.irqLatch = false, false
		ctrl &^= msgdma.ControlResetDispatcher
	}

	if ctrl&msgdma.ControlFlushDescriptors != 0 {
		if n := len(c.fifo); n > 0 {
			c.lastSeq = c.fifo[n-1].SeqNum
		}

		c.fifo = nil
		c.filled = 0
		c.failed = false
		ctrl &^= msgdma.ControlFlushDescriptors
	}

	c.control = ctrl &^ (msgdma.ControlFlushRdMaster | msgdma.ControlFlushWrMaster)
	c.process()
}

func (c *channel) commit() {
	d := msgdma.DecodeDescriptor(c.words)

	c.committed = append(c.committed, d)
	c.fifo = append(c.fifo, d)

	klog.V(5).InfoS("descriptor committed", "bbb", c.index, "seq", d.SeqNum, "len", d.Length, "ctrl", d.Control.String())

	c.process()
}

func (c *channel) running() bool {
	return !c.stalled && !c.failed && c.control&msgdma.ControlStopDispatcher == 0
}

// process runs queued descriptors until one waits for streaming input.
func (c *channel) process() {
	for len(c.fifo) > 0 && c.running() {
		var done bool

		switch c.guid {
		case msgdma.M2SGUID:
			done = c.stream(&c.fifo[0])
		case msgdma.S2MGUID:
			done = c.receive(&c.fifo[0])
		default:
			done = c.copyMM(&c.fifo[0])
		}

		if !done {
			return
		}
	}
}

func (c *channel) interrupt() {
	if c.control&msgdma.ControlGlobalIntrEn == 0 {
		return
	}

	c.irqLatch = true

	if c.irq != nil {
		c.irq.fire()
	}
}

func (c *channel) retire(d *msgdma.Descriptor, irq bool) {
	c.lastSeq = d.SeqNum
	c.fifo = c.fifo[1:]
	c.filled = 0

	if irq {
		c.interrupt()
	}
}

// fail stops the dispatcher on an error. The descriptor is dropped and its
// sequence number never completes.
func (c *channel) fail(bits uint8) bool {
	klog.V(4).InfoS("descriptor failed", "bbb", c.index, "seq", c.fifo[0].SeqNum, "bits", bits)

	c.fifo = c.fifo[1:]
	c.filled = 0
	c.failed = true
	c.interrupt()

	return true
}

func (c *channel) takeInjected() uint8 {
	bits := c.injected
	c.injected = 0

	return bits
}

func (c *channel) stream(d *msgdma.Descriptor) bool {
	if bits := c.takeInjected(); bits != 0 {
		return c.fail(bits)
	}

	src, err := c.dev.host.span(d.ReadAddress&addressMask, uint64(d.Length))
	if err != nil {
		klog.V(4).InfoS("bad stream source", "bbb", c.index, "err", err)
		return c.fail(errBadAddress)
	}

	if d.Control.Has(msgdma.DescGenerateSOP) {
		c.packet = nil
	}

	c.sink = append(c.sink, src...)
	c.packet = append(c.packet, src...)

	if d.Control.Has(msgdma.DescGenerateEOP) {
		c.packets = append(c.packets, c.packet)
		c.packet = nil
	}

	c.retire(d, d.Control.Has(msgdma.DescTransferIRQEn))

	return true
}

func (c *channel) receive(d *msgdma.Descriptor) bool {
	if c.valveCtrl&msgdma.ValveCtrlDataFlow == 0 || len(c.input) == 0 {
		return false
	}

	dst, err := c.dev.host.span(d.WriteAddress&addressMask, uint64(d.Length))
	if err != nil {
		klog.V(4).InfoS("bad receive destination", "bbb", c.index, "err", err)
		c.responses = append(c.responses, response{status: errBadAddress})

		return c.fail(errBadAddress)
	}

	eoe := d.Control.Has(msgdma.DescEndOnEOP)
	eop := false

	for len(c.input) > 0 && c.filled < d.Length && !(eoe && eop) {
		in := &c.input[0]
		n := copy(dst[c.filled:], in.data)
		c.filled += uint32(n)
		in.data = in.data[n:]
		eop = len(in.data) == 0 && in.eop

		if len(in.data) == 0 {
			c.input = c.input[1:]
		}
	}

	if c.filled < d.Length && !(eoe && eop) {
		return false
	}

	if bits := c.takeInjected(); bits != 0 {
		c.responses = append(c.responses, response{bytes: c.filled, status: msgdma.RspStatusReg(bits)})
		return c.fail(bits)
	}

	st := msgdma.RspStatusReg(0)
	if eop {
		st |= msgdma.RspEOPArrived
	}

	c.responses = append(c.responses, response{bytes: c.filled, status: st})
	c.retire(d, d.Control.Has(msgdma.DescTransferIRQEn) || (eop && d.Control.Has(msgdma.DescEOPRcvdIRQEn)))

	return true
}

func (c *channel) readMM(addr uint64, b []byte) bool {
	switch (addr >> 48) & 3 {
	case routeLocal:
		c.dev.local.read(addr, b)
	case routeROM:
		for i := 0; i+8 <= len(b); i += 8 {
			binary.LittleEndian.PutUint64(b[i:], msgdma.WriteFenceMagic)
		}
	default:
		src, err := c.dev.host.span(addr&addressMask, uint64(len(b)))
		if err != nil {
			return false
		}

		copy(b, src)
	}

	return true
}

func (c *channel) writeMM(addr uint64, b []byte) bool {
	switch (addr >> 48) & 3 {
	case routeLocal:
		c.dev.local.write(addr, b)
	case routeROM:
		return false
	default:
		dst, err := c.dev.host.span(addr&addressMask, uint64(len(b)))
		if err != nil {
			return false
		}

		copy(dst, b)
	}

	return true
}

func (c *channel) copyMM(d *msgdma.Descriptor) bool {
	if bits := c.takeInjected(); bits != 0 {
		return c.fail(bits)
	}

	buf := make([]byte, d.Length)

	if !c.readMM(d.ReadAddress, buf) || !c.writeMM(d.WriteAddress, buf) {
		klog.V(4).InfoS("bad MM address", "bbb", c.index, "rd", d.ReadAddress, "wr", d.WriteAddress)
		return c.fail(errBadAddress)
	}

	c.retire(d, d.Control.Has(msgdma.DescTransferIRQEn))

	return true
}
