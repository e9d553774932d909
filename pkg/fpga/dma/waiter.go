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
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/Haffon/opae-sdk/pkg/fpga"
	"github.com/Haffon/opae-sdk/pkg/fpga/msgdma"
)

const pollBackoffCap = 100

func (c *Channel) deadline() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.engine.cfg.Timeout)
}

func (c *Channel) backoff() wait.Backoff {
	interval := c.engine.cfg.PollInterval

	return wait.Backoff{
		Duration: interval,
		Factor:   2,
		Steps:    math.MaxInt32,
		Cap:      interval * pollBackoffCap,
	}
}

// await blocks until cond holds. With useIRQ the channel interrupt wakes
// the check, otherwise the registers are polled with backoff.
func (c *Channel) await(ctx context.Context, what string, useIRQ bool, cond func() (bool, error)) error {
	backoff := c.backoff()

	for {
		done, err := cond()
		if err != nil {
			return err
		}

		if done {
			return nil
		}

		if useIRQ && c.irq != nil {
			if err := c.irq.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return errors.Wrapf(ErrTimeout, "waiting for %s", what)
				}

				return errors.Wrapf(err, "waiting for %s", what)
			}

			if err := c.writeCSR(msgdma.CSRStatus, uint32(msgdma.StatusIRQ)); err != nil {
				return err
			}

			continue
		}

		timer := time.NewTimer(backoff.Step())

		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrapf(ErrTimeout, "waiting for %s", what)
		case <-timer.C:
		}
	}
}

func (c *Channel) readCSR(reg uint64) (uint32, error) {
	v, err := c.mmio.ReadMMIO32(c.csr + reg)
	return v, errors.Wrapf(err, "CSR read 0x%x", reg)
}

func (c *Channel) writeCSR(reg uint64, v uint32) error {
	return errors.Wrapf(c.mmio.WriteMMIO32(c.csr+reg, v), "CSR write 0x%x", reg)
}

func (c *Channel) status() (msgdma.Status, error) {
	v, err := c.readCSR(msgdma.CSRStatus)
	return msgdma.Status(v), err
}

// completedSeq returns the sequence number of the last finished
// descriptor.
func (c *Channel) completedSeq() (uint16, error) {
	v, err := c.readCSR(msgdma.CSRSeqNum)
	return uint16(v), err
}

// seqReached tolerates 16 bit wrap around.
func seqReached(completed, target uint16) bool {
	return int16(completed-target) >= 0
}

// awaitSeq waits until descriptor seq finished. A dispatcher stopped on
// an error fails the wait.
func (c *Channel) awaitSeq(seq uint16) error {
	ctx, cancel := c.deadline()
	defer cancel()

	return c.await(ctx, "descriptor completion", true, func() (bool, error) {
		st, err := c.status()
		if err != nil {
			return false, err
		}

		if st.Failed() {
			return false, errors.Wrapf(ErrHardware, "dispatcher stopped, status 0x%x", uint32(st))
		}

		done, err := c.completedSeq()
		if err != nil {
			return false, err
		}

		return seqReached(done, seq), nil
	})
}

// writeDescriptor waits for room in the descriptor FIFO and commits d with
// the next sequence number.
func (c *Channel) writeDescriptor(d *msgdma.Descriptor) (uint16, error) {
	ctx, cancel := c.deadline()
	defer cancel()

	err := c.await(ctx, "descriptor FIFO", false, func() (bool, error) {
		st, err := c.status()
		return err == nil && !st.DescBufFull(), err
	})
	if err != nil {
		return 0, err
	}

	d.SeqNum = c.seq
	c.seq++

	for i, w := range d.Words() {
		if err := c.mmio.WriteMMIO64(c.descFIFO+uint64(i)*8, w); err != nil {
			return 0, errors.Wrap(err, "descriptor write")
		}
	}

	c.stats.descriptors.Add(1)
	c.log.V(5).Info("descriptor", "seq", d.SeqNum, "rd", d.ReadAddress, "wr", d.WriteAddress, "len", d.Length, "ctrl", d.Control)

	return d.SeqNum, nil
}

// resetDispatcher resets a dispatcher stopped on an error and restores the
// interrupt enable.
func (c *Channel) resetDispatcher() error {
	if err := c.writeCSR(msgdma.CSRControl, uint32(msgdma.ControlResetDispatcher)); err != nil {
		return err
	}

	ctx, cancel := c.deadline()
	defer cancel()

	err := c.await(ctx, "dispatcher reset", false, func() (bool, error) {
		st, err := c.status()
		if err != nil {
			return false, err
		}

		if st.Resetting() {
			return false, nil
		}

		if st.Failed() {
			return false, errors.Wrapf(ErrHardware, "dispatcher still stopped after reset, status 0x%x", uint32(st))
		}

		return true, nil
	})
	if err != nil {
		return err
	}

	if err := c.enableInterrupts(); err != nil {
		return err
	}

	if seq, err := c.completedSeq(); err == nil {
		c.seq = seq + 1
	}

	return nil
}

// recover resets the dispatcher and falls back to a port reset when the
// dispatcher does not come back.
func (c *Channel) recover() error {
	err := c.resetDispatcher()
	if err == nil {
		return nil
	}

	r, ok := c.engine.accel.(fpga.PortResetter)
	if !ok {
		return err
	}

	c.log.Info("dispatcher reset failed, resetting the port", "reason", err.Error())

	if perr := c.engine.resetPort(r, c); perr != nil {
		return multierr.Append(err, perr)
	}

	c.portWasReset()

	return c.resetDispatcher()
}

// portWasReset forgets the BBB state cached by the worker.
func (c *Channel) portWasReset() {
	if c.span != nil {
		c.span.invalidate()
	}

	if c.rx != nil {
		c.rx.valve = 0

		for _, p := range c.rx.posted {
			c.rx.idle = append(c.rx.idle, p.slot)
		}

		c.rx.posted = nil
	}
}

func (c *Channel) enableInterrupts() error {
	var ctrl msgdma.Control

	if c.irq != nil {
		ctrl = msgdma.ControlGlobalIntrEn
	}

	return c.writeCSR(msgdma.CSRControl, uint32(ctrl))
}
