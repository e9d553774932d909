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

//---------------------------------------------------------------
// MMIO SPECIFICATION
//
// 0x000                 AFU header, next 0x100
// 0x100 + i*0x2000      DMA BBB i header (last one is EOL)
//   +0x008, +0x010      BBB GUID low, high
//   +0x040              dispatcher CSR
//   +0x060              descriptor FIFO, committed by the 4th word
//   +0x080              response port (S2M only)
//   +0x0A0              streaming valve (S2M only)
//   +0x200              span extender page select
//   +0x1000             span extender 4K data window
//---------------------------------------------------------------
// ADDRESS ROUTING
//
// M2S reads host memory, S2M writes host memory. MM routes by
// address bits 48-49: 0 local memory, 1 write fence ROM (read
// only), 2 and 3 host memory.
//---------------------------------------------------------------

// Package fakedma simulates an accelerator port with mSGDMA BBBs. It
// implements the accelerator collaborators in process, processing every
// descriptor as soon as it can, so engine code can be tested without an
// FPGA.
package fakedma

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Haffon/opae-sdk/pkg/fpga"
	"github.com/Haffon/opae-sdk/pkg/fpga/msgdma"
)

const (
	afuHeaderNext    = 0x100
	bbbStride        = 0x2000
	defaultFIFODepth = 128
	defaultMaxBufs   = 1024
)

type options struct {
	guids      []msgdma.GUID
	interrupts bool
	maxBuffers int
	fifoDepth  int
	localCPUs  []int
}

// Option configures a Device.
type Option func(*options)

// WithChannels lays out one BBB per GUID, in order.
func WithChannels(guids ...msgdma.GUID) Option {
	return func(o *options) {
		o.guids = guids
	}
}

// WithoutInterrupts makes RegisterInterrupt fail with fpga.ErrNotSupported.
func WithoutInterrupts() Option {
	return func(o *options) {
		o.interrupts = false
	}
}

// WithMaxBuffers bounds the buffers pinned at once.
func WithMaxBuffers(n int) Option {
	return func(o *options) {
		o.maxBuffers = n
	}
}

// WithFIFODepth sets the descriptor FIFO depth of every dispatcher.
func WithFIFODepth(n int) Option {
	return func(o *options) {
		o.fifoDepth = n
	}
}

// WithLocalCPUs sets the CPUs reported by LocalCPUs.
func WithLocalCPUs(cpus ...int) Option {
	return func(o *options) {
		o.localCPUs = cpus
	}
}

// Device is a simulated accelerator port.
type Device struct {
	opts options

	mu         sync.Mutex
	channels   []*channel
	host       hostMemory
	local      localMemory
	portResets int
}

var (
	_ fpga.Accelerator  = &Device{}
	_ fpga.CPULocator   = &Device{}
	_ fpga.PortResetter = &Device{}
)

// New creates a Device. Without WithChannels it carries a TX, an RX and an
// MM BBB, in that order.
func New(opts ...Option) *Device {
	o := options{
		guids:      []msgdma.GUID{msgdma.M2SGUID, msgdma.S2MGUID, msgdma.MMGUID},
		interrupts: true,
		maxBuffers: defaultMaxBufs,
		fifoDepth:  defaultFIFODepth,
	}

	for _, opt := range opts {
		opt(&o)
	}

	d := &Device{
		opts:  o,
		host:  newHostMemory(o.maxBuffers),
		local: localMemory{},
	}

	for i, g := range o.guids {
		d.channels = append(d.channels, newChannel(d, i, g))
	}

	klog.V(4).InfoS("simulated DMA device", "channels", len(d.channels), "interrupts", o.interrupts)

	return d
}

// ChannelOffset returns the MMIO offset of BBB i.
func (d *Device) ChannelOffset(i int) uint64 {
	return afuHeaderNext + uint64(i)*bbbStride
}

// locate maps an MMIO offset to a BBB and the offset inside it.
func (d *Device) locate(offset uint64) (*channel, uint64) {
	if offset < afuHeaderNext {
		return nil, offset
	}

	i := int((offset - afuHeaderNext) / bbbStride)
	if i >= len(d.channels) {
		return nil, offset
	}

	return d.channels[i], (offset - afuHeaderNext) % bbbStride
}

func (d *Device) channel(i int) *channel {
	if i < 0 || i >= len(d.channels) {
		panic(errors.Errorf("no simulated channel %d", i))
	}

	return d.channels[i]
}

func checkAlign(offset, size uint64) error {
	if offset%size != 0 {
		return errors.Errorf("unaligned %d bit MMIO access at 0x%x", size*8, offset)
	}

	return nil
}

// ReadMMIO64 implements fpga.MMIO.
func (d *Device) ReadMMIO64(offset uint64) (uint64, error) {
	if err := checkAlign(offset, 8); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ch, off := d.locate(offset)
	if ch == nil {
		if offset == 0 {
			return uint64(msgdma.NewDFH(false, afuHeaderNext, len(d.channels) == 0)), nil
		}

		return 0, nil
	}

	return ch.read64(off), nil
}

// WriteMMIO64 implements fpga.MMIO.
func (d *Device) WriteMMIO64(offset, value uint64) error {
	if err := checkAlign(offset, 8); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if ch, off := d.locate(offset); ch != nil {
		ch.write64(off, value)
	}

	return nil
}

// ReadMMIO32 implements fpga.MMIO.
func (d *Device) ReadMMIO32(offset uint64) (uint32, error) {
	if err := checkAlign(offset, 4); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ch, off := d.locate(offset)
	if ch == nil {
		return 0, nil
	}

	return ch.read32(off), nil
}

// WriteMMIO32 implements fpga.MMIO.
func (d *Device) WriteMMIO32(offset uint64, value uint32) error {
	if err := checkAlign(offset, 4); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if ch, off := d.locate(offset); ch != nil {
		ch.write32(off, value)
	}

	return nil
}

// PrepareBuffer implements fpga.BufferPinner.
func (d *Device) PrepareBuffer(size uint64) ([]byte, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.host.pin(size)
}

// GetIOAddress implements fpga.BufferPinner.
func (d *Device) GetIOAddress(wsid uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.host.iova(wsid)
}

// ReleaseBuffer implements fpga.BufferPinner.
func (d *Device) ReleaseBuffer(wsid uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.host.unpin(wsid)
}

// PinnedBuffers returns the number of buffers pinned.
func (d *Device) PinnedBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.host.buffers)
}

// RegisterInterrupt implements fpga.InterruptSource. Vector i belongs to
// BBB i.
func (d *Device) RegisterInterrupt(vector uint32) (fpga.Interrupt, error) {
	if !d.opts.interrupts {
		return nil, errors.Wrap(fpga.ErrNotSupported, "no user interrupts")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if int(vector) >= len(d.channels) {
		return nil, errors.Wrapf(fpga.ErrNotSupported, "vector %d", vector)
	}

	ch := d.channels[vector]
	if ch.irq != nil {
		return nil, errors.Errorf("vector %d is already bound", vector)
	}

	ch.irq = newInterrupt(d, ch)

	return ch.irq, nil
}

// LocalCPUs implements fpga.CPULocator.
func (d *Device) LocalCPUs() ([]int, error) {
	if len(d.opts.localCPUs) == 0 {
		return nil, errors.Wrap(fpga.ErrNotSupported, "no NUMA information")
	}

	return append([]int(nil), d.opts.localCPUs...), nil
}

// WriteLocal stores data in FPGA local memory at addr.
func (d *Device) WriteLocal(addr uint64, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.local.write(addr, data)
}

// ReadLocal returns n bytes of FPGA local memory at addr.
func (d *Device) ReadLocal(addr uint64, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := make([]byte, n)
	d.local.read(addr, b)

	return b
}

// Descriptors returns the descriptors committed to BBB ch.
func (d *Device) Descriptors(ch int) []msgdma.Descriptor {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]msgdma.Descriptor(nil), d.channel(ch).committed...)
}

// ASEWrites returns the pages selected on BBB ch.
func (d *Device) ASEWrites(ch int) []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]uint64(nil), d.channel(ch).pages...)
}

// Sink returns every byte streamed out of BBB ch.
func (d *Device) Sink(ch int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]byte(nil), d.channel(ch).sink...)
}

// Packets returns the packets streamed out of BBB ch and closed by an EOP.
func (d *Device) Packets(ch int) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.channel(ch)
	packets := make([][]byte, 0, len(c.packets))

	for _, p := range c.packets {
		packets = append(packets, append([]byte(nil), p...))
	}

	return packets
}

// ValveControl returns the last streaming valve control of BBB ch.
func (d *Device) ValveControl(ch int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.channel(ch).valveCtrl
}

// Feed streams data into BBB ch, optionally closed by an EOP.
func (d *Device) Feed(ch int, data []byte, eop bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.channel(ch)
	c.input = append(c.input, chunk{data: append([]byte(nil), data...), eop: eop})
	c.process()
}

// InjectError fails the next descriptor processed by BBB ch with the given
// response error bits.
func (d *Device) InjectError(ch int, bits uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.channel(ch).injected = bits
}

// Stall holds descriptors of BBB ch in its FIFO until released.
func (d *Device) Stall(ch int, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.channel(ch)
	c.stalled = on
	c.process()
}

// Wedge makes dispatcher resets of BBB ch ineffective until the port is
// reset.
func (d *Device) Wedge(ch int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.channel(ch).wedged = true
}

// PortReset implements fpga.PortResetter. Every dispatcher is reset, host
// and local memory and the valves keep their contents.
func (d *Device) PortReset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.portResets++

	for _, c := range d.channels {
		c.wedged = false
		c.setControl(msgdma.ControlResetDispatcher)
	}

	klog.V(4).InfoS("simulated port reset", "count", d.portResets)

	return nil
}

// PortResets returns how many times the port was reset.
func (d *Device) PortResets() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.portResets
}
