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

// Package dma moves data between host memory and an FPGA through the
// modular scatter-gather DMA BBBs behind an accelerator port. An Engine
// finds the BBBs, a Channel drives one of them from its own worker and a
// Transfer describes one request on a channel.
package dma

import (
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/Haffon/opae-sdk/pkg/fpga"
	"github.com/Haffon/opae-sdk/pkg/fpga/msgdma"
)

const engineMagic = 0x454e47494e45444d

// Engine is an opened DMA capable accelerator port.
type Engine struct {
	magic atomic.Uint64
	accel fpga.Accelerator
	cfg   Config
	log   logr.Logger
	descs []ChannelDesc
	cpus  []int

	mu       sync.Mutex
	channels map[int]*Channel
	closed   bool

	// serializes port resets, taken without mu
	resetMu sync.Mutex

	buffers *bufferPool
	small   *bufferPool
	sems    *pool[chan struct{}]
	mutexes *pool[*sync.Mutex]
}

func channelType(g msgdma.GUID) (ChannelType, bool) {
	switch g {
	case msgdma.M2SGUID:
		return TxStreaming, true
	case msgdma.S2MGUID:
		return RxStreaming, true
	case msgdma.MMGUID:
		return MemoryMapped, true
	}

	return 0, false
}

// Open walks the feature list of accel and prepares the engine pools.
// Channels are indexed in feature list order.
// * Return: ErrNoDriver when no DMA BBB is found.
func Open(accel fpga.Accelerator, cfg Config) (*Engine, error) {
	if accel == nil {
		return nil, invalidf("nil accelerator")
	}

	if cfg.Log.GetSink() == nil {
		cfg.Log = klog.Background()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	features, err := msgdma.Walk(accel)
	if err != nil {
		return nil, errors.Wrap(ErrNoDriver, err.Error())
	}

	e := &Engine{
		accel:    accel,
		cfg:      cfg,
		log:      cfg.Log,
		channels: map[int]*Channel{},
	}

	e.magic.Store(engineMagic)

	for _, f := range features {
		ct, ok := channelType(f.GUID)
		if !ok {
			e.log.V(4).Info("skipping feature", "offset", f.Offset, "guid", f.GUID.String())
			continue
		}

		e.descs = append(e.descs, ChannelDesc{Index: len(e.descs), Type: ct, Offset: f.Offset, GUID: f.GUID})
	}

	if len(e.descs) == 0 {
		return nil, errors.Wrapf(ErrNoDriver, "no DMA BBB among %d features", len(features))
	}

	if e.cpus, err = cfg.workerCPUs(); err != nil {
		return nil, errors.Wrap(ErrInvalidParameter, err.Error())
	}

	if len(e.cpus) == 0 {
		if loc, ok := accel.(fpga.CPULocator); ok {
			if e.cpus, err = loc.LocalCPUs(); err != nil {
				e.log.V(2).Info("device local CPUs unknown", "reason", err.Error())
			}
		}
	}

	e.buffers = newBufferPool(accel, cfg.MaxPinnedBuffers, DescriptorMaxLength, e.log)
	e.small = newBufferPool(accel, cfg.MaxSmallBuffers, SmallBufferMaxSize, e.log.WithValues("small", true))
	e.sems = newSemaphorePool(cfg.MaxSyncObjects, e.log)
	e.mutexes = newMutexPool(cfg.MaxSyncObjects, e.log)

	e.log.V(2).Info("engine opened", "channels", len(e.descs), "workerCPUs", e.cpus, "host", hostInfo())

	return e, nil
}

func (e *Engine) check() error {
	if e == nil || e.magic.Load() != engineMagic {
		return invalidf("invalid engine handle")
	}

	return nil
}

// EnumerateChannels copies the channel descriptions into descs. With a nil
// descs only the count is returned.
// * Return: the number of channels behind the port.
func (e *Engine) EnumerateChannels(descs []ChannelDesc) (int, error) {
	if err := e.check(); err != nil {
		return 0, err
	}

	copy(descs, e.descs)

	return len(e.descs), nil
}

// OpenChannel starts the channel with the given index. A channel can be
// open once at a time.
func (e *Engine) OpenChannel(index int) (*Channel, error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	if index < 0 || index >= len(e.descs) {
		return nil, invalidf("channel index %d out of %d", index, len(e.descs))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, invalidf("engine is closing")
	}

	if _, ok := e.channels[index]; ok {
		return nil, invalidf("channel %d is already open", index)
	}

	c := newChannel(e, e.descs[index])
	if err := c.start(); err != nil {
		return nil, err
	}

	e.channels[index] = c

	return c, nil
}

// CloseChannel closes a channel opened on this engine.
func (e *Engine) CloseChannel(c *Channel) error {
	if err := e.check(); err != nil {
		return err
	}

	if err := c.check(); err != nil {
		return err
	}

	if c.engine != e {
		return invalidf("channel %d belongs to another engine", c.desc.Index)
	}

	return c.Close()
}

func (e *Engine) forget(c *Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.channels, c.desc.Index)
}

func (e *Engine) openChannels() []*Channel {
	e.mu.Lock()
	defer e.mu.Unlock()

	chans := make([]*Channel, 0, len(e.channels))
	for _, c := range e.channels {
		chans = append(chans, c)
	}

	sort.Slice(chans, func(i, j int) bool { return chans[i].desc.Index < chans[j].desc.Index })

	return chans
}

// resetPort resets the port after the dispatcher of c did not come back
// from a reset. The other open channels recover before their next
// transfer. Only workers call it, OpenChannel holds mu while a channel
// starts.
func (e *Engine) resetPort(r fpga.PortResetter, c *Channel) error {
	e.resetMu.Lock()
	defer e.resetMu.Unlock()

	if err := r.PortReset(); err != nil {
		return errors.Wrap(err, "port reset")
	}

	e.log.Info("port reset", "channel", c.desc.Index)

	e.mu.Lock()
	for _, o := range e.channels {
		if o != c {
			o.resetPending.Store(true)
		}
	}
	e.mu.Unlock()

	return nil
}

// Close closes every open channel and frees the pinned buffers. Transfers
// still held by the caller become invalid.
func (e *Engine) Close() error {
	if err := e.check(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return invalidf("engine is closing")
	}
	e.closed = true
	e.mu.Unlock()

	var err error

	for _, c := range e.openChannels() {
		err = multierr.Append(err, errors.Wrapf(c.Close(), "channel %d", c.desc.Index))
	}

	err = multierr.Combine(err,
		e.small.destroy(),
		e.buffers.destroy(),
		e.sems.destroy(),
		e.mutexes.destroy(),
	)

	e.magic.Store(0)
	e.log.V(2).Info("engine closed")

	return err
}

// newTransfer takes the synchronization objects of a transfer from the
// engine pools.
func (e *Engine) newTransfer(c *Channel) (*Transfer, error) {
	mh, err := e.mutexes.acquire(nil)
	if err != nil {
		return nil, err
	}

	sh, err := e.sems.acquire(nil)
	if err != nil {
		_ = e.mutexes.release(mh)
		return nil, err
	}

	done := sh.item.value

	// a token left by a completion nobody waited for
	select {
	case <-done:
	default:
	}

	t := &Transfer{
		ch:    c,
		mu:    mh.item.value,
		muH:   mh,
		done:  done,
		doneH: sh,
		ttype: c.desc.Type.defaultTransfer(),
	}
	t.magic.Store(transferMagic)

	return t, nil
}

func (e *Engine) releaseTransfer(t *Transfer) error {
	err := multierr.Combine(
		e.mutexes.release(t.muH),
		e.sems.release(t.doneH),
	)

	if t.small.valid() {
		err = multierr.Append(err, e.small.release(t.small))
	}

	t.small, t.muH, t.doneH = handle[*buffer]{}, handle[*sync.Mutex]{}, handle[chan struct{}]{}

	return err
}
