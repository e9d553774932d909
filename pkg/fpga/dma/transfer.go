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
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// TransferType is the direction of a transfer.
type TransferType int

// Transfer directions. FpgaMMToFpgaST and FpgaSTToFpgaMM are declared but
// not supported.
const (
	HostMMToFpgaST TransferType = iota
	FpgaSTToHostMM
	FpgaMMToFpgaST
	FpgaSTToFpgaMM
	HostToFpgaMM
	FpgaToHostMM
	FpgaToFpgaMM
)

func (t TransferType) String() string {
	switch t {
	case HostMMToFpgaST:
		return "host-mm-to-fpga-st"
	case FpgaSTToHostMM:
		return "fpga-st-to-host-mm"
	case FpgaMMToFpgaST:
		return "fpga-mm-to-fpga-st"
	case FpgaSTToFpgaMM:
		return "fpga-st-to-fpga-mm"
	case HostToFpgaMM:
		return "host-to-fpga-mm"
	case FpgaToHostMM:
		return "fpga-to-host-mm"
	case FpgaToFpgaMM:
		return "fpga-to-fpga-mm"
	}

	return "unknown"
}

func (t TransferType) supported() bool {
	switch t {
	case HostMMToFpgaST, FpgaSTToHostMM, HostToFpgaMM, FpgaToHostMM, FpgaToFpgaMM:
		return true
	}

	return false
}

// writesStream reports a direction ending in a streaming sink.
func (t TransferType) writesStream() bool { return t == HostMMToFpgaST || t == FpgaMMToFpgaST }

// readsStream reports a direction starting at a streaming source.
func (t TransferType) readsStream() bool { return t == FpgaSTToHostMM || t == FpgaSTToFpgaMM }

func (t TransferType) hostSource() bool { return t == HostMMToFpgaST || t == HostToFpgaMM }

func (t TransferType) hostDestination() bool { return t == FpgaSTToHostMM || t == FpgaToHostMM }

// TxControl selects the packet markers generated on a streaming sink.
type TxControl int

// TX packet controls.
const (
	TxNoPacket TxControl = iota
	GenerateSOP
	GenerateEOP
	GenerateSOPAndEOP
)

// RxControl selects how a streaming receive terminates.
type RxControl int

// RX packet controls.
const (
	RxNoPacket RxControl = iota
	EndOnEOP
)

// Callback is invoked on the channel worker when a transfer completes. It
// must not block, the channel delivers no other completion until it
// returns.
type Callback func(context interface{}, err error)

type completionMode int

const (
	modeSync completionMode = iota
	modePoll
	modeCallback
)

const transferMagic = 0x5846455254414d44

// Transfer is a unit of work on one channel. It is created by
// Channel.TransferInit, configured by its setters while idle and owned by
// the channel worker while in flight.
type Transfer struct {
	magic atomic.Uint64
	ch    *Channel

	mu     *sync.Mutex
	muH    handle[*sync.Mutex]
	done   chan struct{}
	doneH  handle[chan struct{}]
	small  handle[*buffer]
	smallN uint64

	ttype    TransferType
	txCtrl   TxControl
	rxCtrl   RxControl
	src, dst uint64
	srcBuf   []byte
	dstBuf   []byte
	length   uint64
	mode     completionMode
	cb       Callback
	cbCtx    interface{}
	inFlight bool
	ready    chan struct{}

	bytes uint64
	eop   bool
	err   error
}

// lockIdle locks a live transfer that is not in flight.
func (t *Transfer) lockIdle() error {
	if t == nil || t.magic.Load() != transferMagic || t.mu == nil {
		return invalidf("invalid transfer handle")
	}

	t.mu.Lock()

	if t.magic.Load() != transferMagic {
		t.mu.Unlock()
		return invalidf("transfer is destroyed")
	}

	if t.inFlight {
		t.mu.Unlock()
		return invalidf("transfer is in flight")
	}

	return nil
}

func (t *Transfer) set(f func() error) error {
	if err := t.lockIdle(); err != nil {
		return err
	}
	defer t.mu.Unlock()

	return f()
}

// SetSrc sets the FPGA source address.
func (t *Transfer) SetSrc(addr uint64) error {
	return t.set(func() error {
		t.src = addr
		return nil
	})
}

// SetDst sets the FPGA destination address.
func (t *Transfer) SetDst(addr uint64) error {
	return t.set(func() error {
		t.dst = addr
		return nil
	})
}

// SetSrcBuffer sets the host memory read by the transfer. It is copied
// through pinned bounce buffers and must stay untouched while in flight.
func (t *Transfer) SetSrcBuffer(b []byte) error {
	return t.set(func() error {
		t.srcBuf = b
		return nil
	})
}

// SetDstBuffer sets the host memory written by the transfer.
func (t *Transfer) SetDstBuffer(b []byte) error {
	return t.set(func() error {
		t.dstBuf = b
		return nil
	})
}

// SetLen sets the transfer length in bytes.
func (t *Transfer) SetLen(n uint64) error {
	return t.set(func() error {
		t.length = n
		return nil
	})
}

// SetTransferType sets the direction and resets the packet controls.
func (t *Transfer) SetTransferType(tt TransferType) error {
	return t.set(func() error {
		if tt < HostMMToFpgaST || tt > FpgaToFpgaMM {
			return invalidf("unknown transfer type %d", tt)
		}

		if !tt.supported() {
			return errors.Wrapf(ErrNotSupported, "transfer type %s", tt)
		}

		t.ttype = tt
		t.txCtrl = TxNoPacket
		t.rxCtrl = RxNoPacket

		return nil
	})
}

// SetTxControl sets the packet markers of a transfer writing a stream.
func (t *Transfer) SetTxControl(c TxControl) error {
	return t.set(func() error {
		if !t.ttype.writesStream() {
			return invalidf("TX control on %s transfer", t.ttype)
		}

		if c < TxNoPacket || c > GenerateSOPAndEOP {
			return invalidf("unknown TX control %d", c)
		}

		t.txCtrl = c

		return nil
	})
}

// SetRxControl sets the termination of a transfer reading a stream.
func (t *Transfer) SetRxControl(c RxControl) error {
	return t.set(func() error {
		if !t.ttype.readsStream() {
			return invalidf("RX control on %s transfer", t.ttype)
		}

		if c != RxNoPacket && c != EndOnEOP {
			return invalidf("unknown RX control %d", c)
		}

		t.rxCtrl = c

		return nil
	})
}

// SetCallback selects asynchronous completion through fn. A nil fn
// restores synchronous completion.
func (t *Transfer) SetCallback(fn Callback, context interface{}) error {
	return t.set(func() error {
		t.cb, t.cbCtx = fn, context

		t.mode = modeCallback
		if fn == nil {
			t.mode = modeSync
		}

		return nil
	})
}

// SetPoll selects completion observed through Ready, Poll or Wait.
func (t *Transfer) SetPoll() error {
	return t.set(func() error {
		t.mode = modePoll
		t.cb, t.cbCtx = nil, nil

		return nil
	})
}

// SetSync selects blocking completion, Submit returns when the transfer
// is done.
func (t *Transfer) SetSync() error {
	return t.set(func() error {
		t.mode = modeSync
		t.cb, t.cbCtx = nil, nil

		return nil
	})
}

// Reset clears the results of a previous submission.
func (t *Transfer) Reset() error {
	return t.set(func() error {
		t.bytes, t.eop, t.err = 0, false, nil
		return nil
	})
}

// Destroy returns the transfer resources to the engine pools.
func (t *Transfer) Destroy() error {
	if err := t.lockIdle(); err != nil {
		return err
	}

	t.magic.Store(0)
	t.mu.Unlock()

	return t.ch.engine.releaseTransfer(t)
}

func (t *Transfer) results() (n uint64, eop bool, result error, err error) {
	if t == nil || t.magic.Load() != transferMagic || t.mu == nil {
		return 0, false, nil, invalidf("invalid transfer handle")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.bytes, t.eop, t.err, nil
}

// BytesTransferred returns the bytes moved by the last completed
// submission. For streaming receives this is the received length.
func (t *Transfer) BytesTransferred() (uint64, error) {
	n, _, _, err := t.results()
	return n, err
}

// EOPArrived reports whether the last receive ended on an end of packet.
func (t *Transfer) EOPArrived() (bool, error) {
	_, eop, _, err := t.results()
	return eop, err
}

// Err returns the result of the last completed submission.
func (t *Transfer) Err() error {
	_, _, result, err := t.results()
	if err != nil {
		return err
	}

	return result
}

// Ready returns a channel closed when the current poll mode submission
// completes. A transfer that was never submitted is ready.
func (t *Transfer) Ready() <-chan struct{} {
	if t == nil || t.magic.Load() != transferMagic || t.mu == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ready == nil {
		c := make(chan struct{})
		close(c)

		return c
	}

	return t.ready
}

// Poll reports whether the transfer is done.
func (t *Transfer) Poll() bool {
	ready := t.Ready()
	if ready == nil {
		return false
	}

	select {
	case <-ready:
		return true
	default:
		return false
	}
}

// Wait blocks until a poll mode transfer is done or ctx expires.
// * Return: the transfer result.
func (t *Transfer) Wait(ctx context.Context) error {
	ready := t.Ready()
	if ready == nil {
		return invalidf("invalid transfer handle")
	}

	select {
	case <-ready:
		return t.Err()
	case <-ctx.Done():
		return errors.Wrap(ErrTimeout, ctx.Err().Error())
	}
}

// Type returns the transfer direction.
func (t *Transfer) Type() TransferType {
	if t == nil || t.mu == nil {
		return HostMMToFpgaST
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.ttype
}
