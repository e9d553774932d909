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
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/Haffon/opae-sdk/pkg/fpga"
	"github.com/Haffon/opae-sdk/pkg/fpga/msgdma"
)

// ChannelType is the kind of DMA BBB behind a channel.
type ChannelType int

// Channel types.
const (
	TxStreaming ChannelType = iota
	RxStreaming
	MemoryMapped
)

func (t ChannelType) String() string {
	switch t {
	case TxStreaming:
		return "tx-st"
	case RxStreaming:
		return "rx-st"
	case MemoryMapped:
		return "mm"
	}

	return "unknown"
}

func (t ChannelType) defaultTransfer() TransferType {
	switch t {
	case RxStreaming:
		return FpgaSTToHostMM
	case MemoryMapped:
		return HostToFpgaMM
	}

	return HostMMToFpgaST
}

// accepts reports whether a transfer type can run on the channel type.
func (t ChannelType) accepts(tt TransferType) bool {
	switch t {
	case TxStreaming:
		return tt == HostMMToFpgaST
	case RxStreaming:
		return tt == FpgaSTToHostMM
	case MemoryMapped:
		return tt == HostToFpgaMM || tt == FpgaToHostMM || tt == FpgaToFpgaMM
	}

	return false
}

// ChannelDesc describes one channel found behind the port.
type ChannelDesc struct {
	Index  int
	Type   ChannelType
	Offset uint64
	GUID   msgdma.GUID
}

const (
	channelMagic = 0x4348414e4e454c44
	// bounce buffers used by one transfer, also the RX ring size
	maxBounceBuffers = 8
)

// Channel is one opened DMA BBB. Transfers submitted to a channel complete
// in submission order on the channel worker.
type Channel struct {
	magic  atomic.Uint64
	engine *Engine
	desc   ChannelDesc
	log    logr.Logger
	mmio   fpga.MMIO
	irq    fpga.Interrupt
	queue  *requestQueue

	csr, descFIFO, rsp, valve uint64

	// set by a port reset issued from another channel
	resetPending atomic.Bool

	// owned by the worker
	seq   uint16
	span  *spanWindow
	rx    *rxState
	fence handle[*buffer]
	run   func(t *Transfer, s *scratch) (uint64, bool, error)

	stats channelStats

	mu      sync.Mutex
	closing bool
	done    chan struct{}
}

// scratch collects pool items used by one transfer, returned after the
// completion is delivered.
type scratch struct {
	buffers []handle[*buffer]
}

func (s *scratch) release(p *bufferPool) {
	for _, h := range s.buffers {
		_ = p.release(h)
	}

	s.buffers = nil
}

func newChannel(e *Engine, desc ChannelDesc) *Channel {
	base := desc.Offset

	c := &Channel{
		engine:   e,
		desc:     desc,
		log:      e.log.WithValues("channel", desc.Index, "type", desc.Type.String()),
		mmio:     e.accel,
		queue:    newRequestQueue(e.cfg.QueueCapacity),
		csr:      base + msgdma.CSROffset,
		descFIFO: base + msgdma.DescOffset,
		rsp:      base + msgdma.ResponseOffset,
		valve:    base + msgdma.ValveOffset,
		done:     make(chan struct{}),
	}

	c.magic.Store(channelMagic)

	switch desc.Type {
	case TxStreaming:
		c.run = c.runTx
	case RxStreaming:
		c.run = c.runRx
		c.rx = &rxState{}
	case MemoryMapped:
		c.run = c.runMM
		c.span = newSpanWindow(e.accel, base)
	}

	return c
}

// start brings the dispatcher to a known state and starts the worker.
func (c *Channel) start() error {
	if c.engine.cfg.UseInterrupts {
		irq, err := c.engine.accel.RegisterInterrupt(uint32(c.desc.Index))
		if err != nil {
			c.log.V(2).Info("interrupts unavailable, polling", "reason", err.Error())
		} else {
			c.irq = irq
		}
	}

	if err := c.resetDispatcher(); err != nil {
		return c.abortStart(err)
	}

	switch c.desc.Type {
	case RxStreaming:
		if err := c.rx.init(c); err != nil {
			return c.abortStart(err)
		}
	case MemoryMapped:
		h, err := c.engine.buffers.acquire(nil)
		if err != nil {
			return c.abortStart(errors.Wrap(err, "write fence buffer"))
		}

		c.fence = h
	}

	started := make(chan struct{})

	go c.worker(started)
	<-started

	c.log.V(2).Info("channel opened", "interrupts", c.irq != nil, "seq", c.seq)

	return nil
}

func (c *Channel) abortStart(err error) error {
	c.releaseResources()

	if c.irq != nil {
		err = multierr.Append(err, c.irq.Close())
		c.irq = nil
	}

	return err
}

func (c *Channel) releaseResources() {
	if c.rx != nil {
		c.rx.release(c.engine.buffers)
	}

	if c.fence.valid() {
		_ = c.engine.buffers.release(c.fence)
		c.fence = handle[*buffer]{}
	}
}

func (c *Channel) worker(started chan<- struct{}) {
	defer close(c.done)

	// The thread is never unlocked, it exits with the worker and takes its
	// affinity along.
	runtime.LockOSThread()

	if cpus := c.engine.cpus; len(cpus) > 0 {
		if err := setAffinity(cpus); err != nil {
			c.log.Error(err, "unable to set worker affinity", "cpus", cpus)
		}
	}

	close(started)

	for {
		t, ok := c.queue.dequeue()
		if !ok {
			return
		}

		c.execute(t)
	}
}

func (c *Channel) execute(t *Transfer) {
	var s scratch

	if c.resetPending.Swap(false) {
		c.portWasReset()

		if err := c.resetDispatcher(); err != nil {
			c.log.Error(err, "dispatcher recovery after port reset failed")
		}
	}

	start := time.Now()

	n, eop, err := c.run(t, &s)
	if err != nil {
		c.log.V(2).Info("transfer failed", "type", t.ttype.String(), "len", t.length, "error", err.Error())
	} else {
		c.log.V(4).Info("transfer done", "type", t.ttype.String(), "len", t.length, "bytes", n, "eop", eop, "duration", time.Since(start))
	}

	c.stats.record(n, err)
	c.complete(t, n, eop, err)
	s.release(c.engine.buffers)
}

// complete stores the results and delivers them through the completion
// contract of the transfer.
func (c *Channel) complete(t *Transfer, n uint64, eop bool, err error) {
	t.mu.Lock()
	t.bytes, t.eop, t.err = n, eop, err
	t.inFlight = false
	mode, ready, cb, cbCtx := t.mode, t.ready, t.cb, t.cbCtx
	t.mu.Unlock()

	switch mode {
	case modeSync:
		t.done <- struct{}{}
	case modePoll:
		close(ready)
	case modeCallback:
		cb(cbCtx, err)
	}
}

func (c *Channel) check() error {
	if c == nil || c.magic.Load() != channelMagic {
		return invalidf("invalid channel handle")
	}

	return nil
}

// Type returns the channel type.
func (c *Channel) Type() (ChannelType, error) {
	if err := c.check(); err != nil {
		return 0, err
	}

	return c.desc.Type, nil
}

// Index returns the channel index.
func (c *Channel) Index() int {
	return c.desc.Index
}

// TransferInit creates a transfer with the defaults of the channel type:
// synchronous, no packet control.
func (c *Channel) TransferInit() (*Transfer, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	return c.engine.newTransfer(c)
}

// TransferInitSmall creates a transfer paired with a pinned buffer of size
// bytes which the hardware accesses without bounce copies. The buffer is the
// source of host to FPGA transfers and the destination of FPGA to host
// ones. Buffer and transfer are released by Transfer.Destroy.
// * Return: ErrNoMemory when Config.MaxSmallBuffers are live.
func (c *Channel) TransferInitSmall(size uint64) (*Transfer, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}

	if size == 0 || size > SmallBufferMaxSize {
		return nil, nil, invalidf("small buffer size %d, must be 1..%d", size, SmallBufferMaxSize)
	}

	h, err := c.engine.small.acquire(nil)
	if err != nil {
		return nil, nil, err
	}

	t, err := c.engine.newTransfer(c)
	if err != nil {
		_ = c.engine.small.release(h)
		return nil, nil, err
	}

	t.small, t.smallN, t.length = h, size, size

	return t, h.item.value.mem[:size], nil
}

// PostRxBuffer submits a poll mode receive into buf. Wait on the returned
// transfer, then destroy it.
func (c *Channel) PostRxBuffer(buf []byte, ctrl RxControl) (*Transfer, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	if c.desc.Type != RxStreaming {
		return nil, invalidf("receive buffer posted to %s channel", c.desc.Type)
	}

	t, err := c.TransferInit()
	if err != nil {
		return nil, err
	}

	err = multierr.Combine(
		t.SetDstBuffer(buf),
		t.SetLen(uint64(len(buf))),
		t.SetRxControl(ctrl),
		t.SetPoll(),
	)
	if err == nil {
		err = c.Submit(t)
	}

	if err != nil {
		_ = t.Destroy()
		return nil, err
	}

	return t, nil
}

func (c *Channel) validate(t *Transfer) error {
	if t.ch != c {
		return invalidf("transfer belongs to another channel")
	}

	if !t.ttype.supported() {
		return errors.Wrapf(ErrNotSupported, "transfer type %s", t.ttype)
	}

	if !c.desc.Type.accepts(t.ttype) {
		return invalidf("%s transfer on %s channel", t.ttype, c.desc.Type)
	}

	if t.length == 0 {
		return invalidf("zero length transfer")
	}

	noPacket := (t.ttype.writesStream() && t.txCtrl == TxNoPacket) || (t.ttype.readsStream() && t.rxCtrl == RxNoPacket)
	if noPacket && t.length%msgdma.StreamingAlignBytes != 0 {
		return invalidf("streaming length %d is not a multiple of %d", t.length, msgdma.StreamingAlignBytes)
	}

	if t.ttype.hostSource() && uint64(len(t.hostSource())) < t.length {
		return invalidf("source buffer holds %d of %d bytes", len(t.hostSource()), t.length)
	}

	if t.ttype.hostDestination() && uint64(len(t.hostDestination())) < t.length {
		return invalidf("destination buffer holds %d of %d bytes", len(t.hostDestination()), t.length)
	}

	if c.desc.Type == MemoryMapped {
		if t.ttype != HostToFpgaMM && !fpgaRange(t.src, t.length) {
			return invalidf("FPGA source 0x%x+%d out of range", t.src, t.length)
		}

		if t.ttype != FpgaToHostMM && !fpgaRange(t.dst, t.length) {
			return invalidf("FPGA destination 0x%x+%d out of range", t.dst, t.length)
		}
	}

	return nil
}

func fpgaRange(addr, length uint64) bool {
	return addr+length <= msgdma.HostMaskST && addr+length > addr
}

// hostSource returns host memory read by the transfer.
func (t *Transfer) hostSource() []byte {
	if t.srcBuf != nil {
		return t.srcBuf
	}

	if t.small.valid() && t.ttype.hostSource() {
		return t.small.item.value.mem[:t.smallN]
	}

	return nil
}

// hostDestination returns host memory written by the transfer.
func (t *Transfer) hostDestination() []byte {
	if t.dstBuf != nil {
		return t.dstBuf
	}

	if t.small.valid() && t.ttype.hostDestination() {
		return t.small.item.value.mem[:t.smallN]
	}

	return nil
}

// pinned returns the small buffer when it is the host end of the
// transfer, so no bounce copy is needed.
func (t *Transfer) pinned() *buffer {
	if !t.small.valid() {
		return nil
	}

	if (t.ttype.hostSource() && t.srcBuf == nil) || (t.ttype.hostDestination() && t.dstBuf == nil) {
		return t.small.item.value
	}

	return nil
}

// Submit starts the transfer. Synchronous transfers block until done and
// return the transfer result, poll and callback transfers return once
// queued. Submit blocks while the channel queue is full.
func (c *Channel) Submit(t *Transfer) error {
	if err := c.check(); err != nil {
		return err
	}

	if err := t.lockIdle(); err != nil {
		return err
	}

	if err := c.validate(t); err != nil {
		t.mu.Unlock()
		return err
	}

	t.inFlight = true
	t.bytes, t.eop, t.err = 0, false, nil

	mode := t.mode
	if mode == modePoll {
		t.ready = make(chan struct{})
	}
	t.mu.Unlock()

	if err := c.queue.enqueue(context.Background(), t); err != nil {
		t.mu.Lock()
		t.inFlight = false
		t.ready = nil
		t.mu.Unlock()

		return err
	}

	c.log.V(4).Info("transfer queued", "type", t.ttype.String(), "len", t.length, "mode", mode)

	if mode != modeSync {
		return nil
	}

	<-t.done

	return t.Err()
}

// Close drains the queued transfers, stops the worker and disables the
// channel interrupt.
func (c *Channel) Close() error {
	if err := c.check(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return invalidf("channel is closing")
	}
	c.closing = true
	c.mu.Unlock()

	c.queue.close()
	<-c.done

	var err error

	// The ring buffers go back to the pool only once the dispatcher no
	// longer writes to them.
	keepRing := false

	if c.rx != nil && len(c.rx.posted) > 0 {
		if err = c.flushRx(); err != nil {
			c.log.Error(err, "unable to flush receive descriptors, keeping the ring pinned")
			keepRing = true
		}
	}

	err = multierr.Append(err, c.writeCSR(msgdma.CSRControl, 0))

	if c.irq != nil {
		err = multierr.Append(err, c.irq.Close())
	}

	if keepRing {
		c.rx.ring = nil
	}

	c.releaseResources()
	c.magic.Store(0)
	c.engine.forget(c)

	c.log.V(2).Info("channel closed")

	return err
}
