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
	"bytes"
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/funcr"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Haffon/opae-sdk/pkg/fakedma"
	"github.com/Haffon/opae-sdk/pkg/fpga/msgdma"
)

func newTx(t *testing.T, c *Channel, data []byte, ctrl TxControl) *Transfer {
	t.Helper()

	tr, err := c.TransferInit()
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if err := multiSet(tr.SetSrcBuffer(data), tr.SetLen(uint64(len(data))), tr.SetTxControl(ctrl)); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	return tr
}

func newRx(t *testing.T, c *Channel, dst []byte, ctrl RxControl) *Transfer {
	t.Helper()

	tr, err := c.TransferInit()
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if err := multiSet(tr.SetDstBuffer(dst), tr.SetLen(uint64(len(dst))), tr.SetRxControl(ctrl)); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	return tr
}

func TestTxDescriptors(t *testing.T) {
	tcases := []struct {
		name         string
		length       int
		ctrl         TxControl
		expectedLens []uint32
		sop, eop     int
	}{
		{
			name:         "single descriptor",
			length:       4096,
			ctrl:         GenerateSOPAndEOP,
			expectedLens: []uint32{4096},
			sop:          0,
			eop:          0,
		},
		{
			name:         "6 MiB packet",
			length:       6 << 20,
			ctrl:         GenerateSOPAndEOP,
			expectedLens: []uint32{2 << 20, 2 << 20, 2 << 20},
			sop:          0,
			eop:          2,
		},
		{
			name:         "short tail, SOP only",
			length:       2<<20 + 100,
			ctrl:         GenerateSOP,
			expectedLens: []uint32{2 << 20, 100},
			sop:          0,
			eop:          -1,
		},
		{
			name:         "no packet",
			length:       18 << 20,
			ctrl:         TxNoPacket,
			expectedLens: []uint32{2 << 20, 2 << 20, 2 << 20, 2 << 20, 2 << 20, 2 << 20, 2 << 20, 2 << 20, 2 << 20},
			sop:          -1,
			eop:          -1,
		},
	}

	for _, tt := range tcases {
		t.Run(tt.name, func(t *testing.T) {
			dev := fakedma.New()
			e := openEngine(t, dev)
			c := openChannel(t, e, txIndex)

			data := pattern(tt.length, 3)
			tr := newTx(t, c, data, tt.ctrl)

			if err := c.Submit(tr); err != nil {
				t.Fatalf("unexpected error: %+v", err)
			}

			if n, err := tr.BytesTransferred(); err != nil || n != uint64(tt.length) {
				t.Errorf("transferred %d, %v", n, err)
			}

			descs := dev.Descriptors(txIndex)
			if len(descs) != len(tt.expectedLens) {
				t.Fatalf("expected %d descriptors, got %d", len(tt.expectedLens), len(descs))
			}

			for i, d := range descs {
				last := i == len(descs)-1

				switch {
				case d.Length != tt.expectedLens[i]:
					t.Errorf("descriptor %d: length %d, expected %d", i, d.Length, tt.expectedLens[i])
				case d.SeqNum != uint16(i):
					t.Errorf("descriptor %d: sequence number %d", i, d.SeqNum)
				case !d.Control.Has(msgdma.DescGo):
					t.Errorf("descriptor %d: go bit missing", i)
				case d.Control.Has(msgdma.DescGenerateSOP) != (i == tt.sop):
					t.Errorf("descriptor %d: unexpected SOP, %s", i, d.Control)
				case d.Control.Has(msgdma.DescGenerateEOP) != (i == tt.eop):
					t.Errorf("descriptor %d: unexpected EOP, %s", i, d.Control)
				case d.Control.Has(msgdma.DescEarlyDoneEn) == last:
					t.Errorf("descriptor %d: unexpected early done, %s", i, d.Control)
				case d.ReadAddress&msgdma.WriteFenceHostMask != msgdma.HostMaskST:
					t.Errorf("descriptor %d: read address 0x%x not streaming", i, d.ReadAddress)
				}
			}

			if !descs[len(descs)-1].Control.Has(msgdma.DescTransferIRQEn) {
				t.Error("last descriptor does not interrupt")
			}

			if !bytes.Equal(dev.Sink(txIndex), data) {
				t.Error("streamed data differs from the source")
			}
		})
	}
}

func TestTxOrder(t *testing.T) {
	dev := fakedma.New()
	e := openEngine(t, dev)
	c := openChannel(t, e, txIndex)

	var (
		transfers []*Transfer
		expected  []byte
	)

	for i := 0; i < 16; i++ {
		data := bytes.Repeat([]byte{byte(i)}, 64)
		expected = append(expected, data...)

		tr := newTx(t, c, data, GenerateSOPAndEOP)
		if err := tr.SetPoll(); err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}

		if err := c.Submit(tr); err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}

		transfers = append(transfers, tr)
	}

	for _, tr := range transfers {
		if err := tr.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}

		if err := tr.Destroy(); err != nil {
			t.Errorf("unexpected error: %+v", err)
		}
	}

	if !bytes.Equal(dev.Sink(txIndex), expected) {
		t.Error("transfers completed out of submission order")
	}

	if n := len(dev.Packets(txIndex)); n != 16 {
		t.Errorf("expected 16 packets, got %d", n)
	}
}

// completionLog records the lengths of transfers in the order the worker
// finished them.
type completionLog struct {
	mu   sync.Mutex
	lens []int
}

var lenRe = regexp.MustCompile(`"len"=(\d+)`)

func (l *completionLog) write(_, args string) {
	if !strings.Contains(args, `"msg"="transfer done"`) {
		return
	}

	m := lenRe.FindStringSubmatch(args)
	if m == nil {
		return
	}

	n, _ := strconv.Atoi(m[1])

	l.mu.Lock()
	l.lens = append(l.lens, n)
	l.mu.Unlock()
}

func TestTxOrderConcurrent(t *testing.T) {
	const (
		submitters = 6
		rounds     = 8
	)

	var done completionLog

	dev := fakedma.New()
	e := openEngine(t, dev, func(cfg *Config) {
		cfg.Log = funcr.New(done.write, funcr.Options{Verbosity: 4})
	})
	c := openChannel(t, e, txIndex)

	var g errgroup.Group

	for s := 0; s < submitters; s++ {
		data := pattern(64*(s+1), byte(s))

		g.Go(func() error {
			for i := 0; i < rounds; i++ {
				tr, err := c.TransferInit()
				if err != nil {
					return err
				}

				err = multiSet(tr.SetSrcBuffer(data), tr.SetLen(uint64(len(data))), tr.SetTxControl(GenerateSOPAndEOP))
				if err == nil {
					err = c.Submit(tr)
				}

				if err := multiSet(err, tr.Destroy()); err != nil {
					return err
				}
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	var streamed []int
	for _, p := range dev.Packets(txIndex) {
		streamed = append(streamed, len(p))
	}

	if len(streamed) != submitters*rounds {
		t.Fatalf("%d packets, expected %d", len(streamed), submitters*rounds)
	}

	done.mu.Lock()
	defer done.mu.Unlock()

	if diff := cmp.Diff(streamed, done.lens); diff != "" {
		t.Errorf("completion order differs from the streaming order (-streamed +completed):\n%s", diff)
	}
}

func TestCloseWhileSubmitting(t *testing.T) {
	dev := fakedma.New()
	e := openEngine(t, dev)
	c := openChannel(t, e, txIndex)

	var g errgroup.Group

	for s := 0; s < 4; s++ {
		data := pattern(64, byte(s))

		g.Go(func() error {
			for {
				if _, err := c.Type(); err != nil {
					return nil
				}

				tr, err := c.TransferInit()
				if err != nil {
					return nil
				}

				err = multiSet(tr.SetSrcBuffer(data), tr.SetLen(64))
				if err == nil {
					err = c.Submit(tr)
				}

				_ = tr.Destroy()

				switch {
				case errors.Is(err, ErrInvalidParameter):
					return nil
				case err != nil:
					return err
				}
			}
		})
	}

	time.Sleep(20 * time.Millisecond)

	if err := c.Close(); err != nil {
		t.Errorf("unexpected error: %+v", err)
	}

	if err := g.Wait(); err != nil {
		t.Errorf("unexpected error: %+v", err)
	}

	if _, err := c.Type(); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("closed channel still valid: %+v", err)
	}
}

func TestPortResetRecovery(t *testing.T) {
	tcases := []struct {
		name           string
		wedge          bool
		expectedResets int
	}{
		{name: "dispatcher reset is enough"},
		{name: "wedged dispatcher resets the port", wedge: true, expectedResets: 1},
	}

	for _, tt := range tcases {
		t.Run(tt.name, func(t *testing.T) {
			dev := fakedma.New()
			e := openEngine(t, dev)
			tx := openChannel(t, e, txIndex)
			mm := openChannel(t, e, mmIndex)

			dev.InjectError(txIndex, 0x10)
			if tt.wedge {
				dev.Wedge(txIndex)
			}

			tr := newTx(t, tx, pattern(4096, 1), GenerateSOPAndEOP)
			if err := tx.Submit(tr); !errors.Is(err, ErrHardware) {
				t.Fatalf("expected hardware error, got %+v", err)
			}

			if n := dev.PortResets(); n != tt.expectedResets {
				t.Errorf("%d port resets, expected %d", n, tt.expectedResets)
			}

			if err := tr.Destroy(); err != nil {
				t.Errorf("unexpected error: %+v", err)
			}

			data := pattern(4096, 2)

			tr = newTx(t, tx, data, GenerateSOPAndEOP)
			if err := tx.Submit(tr); err != nil {
				t.Fatalf("TX channel did not recover: %+v", err)
			}

			if err := tr.Destroy(); err != nil {
				t.Errorf("unexpected error: %+v", err)
			}

			if err := mm.Submit(mmTransfer(t, mm, HostToFpgaMM, 0, 0x1003, data, uint64(len(data)))); err != nil {
				t.Fatalf("MM channel failed after the recovery: %+v", err)
			}

			if !bytes.Equal(dev.ReadLocal(0x1003, len(data)), data) {
				t.Error("FPGA memory differs from the source")
			}

			if mm.resetPending.Load() {
				t.Error("MM channel did not handle the port reset")
			}
		})
	}
}

func TestConcurrentSubmitters(t *testing.T) {
	const (
		submitters = 8
		rounds     = 10
		size       = 256
	)

	dev := fakedma.New()
	e := openEngine(t, dev)
	c := openChannel(t, e, txIndex)

	var g errgroup.Group

	for s := 0; s < submitters; s++ {
		seed := byte(s)

		g.Go(func() error {
			tr, err := c.TransferInit()
			if err != nil {
				return err
			}
			defer tr.Destroy()

			data := bytes.Repeat([]byte{seed}, size)

			if err := multiSet(tr.SetSrcBuffer(data), tr.SetLen(size), tr.SetTxControl(GenerateSOPAndEOP)); err != nil {
				return err
			}

			for i := 0; i < rounds; i++ {
				if err := c.Submit(tr); err != nil {
					return err
				}
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	packets := dev.Packets(txIndex)
	if len(packets) != submitters*rounds {
		t.Fatalf("expected %d packets, got %d", submitters*rounds, len(packets))
	}

	for i, p := range packets {
		if !bytes.Equal(p, bytes.Repeat(p[:1], size)) {
			t.Errorf("packet %d interleaves submitters", i)
		}
	}
}

func TestSmallBuffers(t *testing.T) {
	dev := fakedma.New()
	e := openEngine(t, dev)
	c := openChannel(t, e, txIndex)

	var (
		transfers []*Transfer
		bufs      [][]byte
	)

	for i := 0; i < defaultMaxSmallBuffers; i++ {
		tr, buf, err := c.TransferInitSmall(4096)
		if err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}

		transfers = append(transfers, tr)
		bufs = append(bufs, buf)
	}

	if _, _, err := c.TransferInitSmall(4096); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("fifth small buffer: expected no memory, got %+v", err)
	}

	var expected []byte

	for i, tr := range transfers {
		copy(bufs[i], bytes.Repeat([]byte{byte(0x10 + i)}, len(bufs[i])))
		expected = append(expected, bufs[i]...)

		if err := c.Submit(tr); err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}
	}

	if !bytes.Equal(dev.Sink(txIndex), expected) {
		t.Error("small buffers streamed wrong data")
	}

	if err := transfers[0].Destroy(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if _, _, err := c.TransferInitSmall(SmallBufferMaxSize); err != nil {
		t.Errorf("small buffer not reusable after destroy: %+v", err)
	}

	tcases := []struct {
		name string
		size uint64
	}{
		{name: "zero size", size: 0},
		{name: "too large", size: SmallBufferMaxSize + 1},
	}

	for _, tt := range tcases {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := c.TransferInitSmall(tt.size); !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("expected invalid parameter, got %+v", err)
			}
		})
	}
}

func TestTransferValidation(t *testing.T) {
	dev := fakedma.New()
	e := openEngine(t, dev)
	chans := []*Channel{openChannel(t, e, txIndex), openChannel(t, e, rxIndex), openChannel(t, e, mmIndex)}

	buf := make([]byte, 4096)

	tcases := []struct {
		name        string
		channel     int
		setup       func(tr *Transfer) error
		expectedErr error
	}{
		{
			name:    "RX control on host to stream",
			channel: txIndex,
			setup: func(tr *Transfer) error {
				return tr.SetRxControl(EndOnEOP)
			},
			expectedErr: ErrInvalidParameter,
		},
		{
			name:    "TX control on stream to host",
			channel: rxIndex,
			setup: func(tr *Transfer) error {
				return tr.SetTxControl(GenerateEOP)
			},
			expectedErr: ErrInvalidParameter,
		},
		{
			name:    "receive on TX channel",
			channel: txIndex,
			setup: func(tr *Transfer) error {
				return multiSet(tr.SetTransferType(FpgaSTToHostMM), tr.SetDstBuffer(buf), tr.SetLen(64))
			},
			expectedErr: ErrInvalidParameter,
		},
		{
			name:    "send on RX channel",
			channel: rxIndex,
			setup: func(tr *Transfer) error {
				return multiSet(tr.SetTransferType(HostMMToFpgaST), tr.SetSrcBuffer(buf), tr.SetLen(64))
			},
			expectedErr: ErrInvalidParameter,
		},
		{
			name:    "MM type on streaming channel",
			channel: txIndex,
			setup: func(tr *Transfer) error {
				return multiSet(tr.SetTransferType(HostToFpgaMM), tr.SetSrcBuffer(buf), tr.SetLen(64))
			},
			expectedErr: ErrInvalidParameter,
		},
		{
			name:    "streaming type on MM channel",
			channel: mmIndex,
			setup: func(tr *Transfer) error {
				return multiSet(tr.SetTransferType(HostMMToFpgaST), tr.SetSrcBuffer(buf), tr.SetLen(64))
			},
			expectedErr: ErrInvalidParameter,
		},
		{
			name:    "zero length",
			channel: txIndex,
			setup: func(tr *Transfer) error {
				return tr.SetSrcBuffer(buf)
			},
			expectedErr: ErrInvalidParameter,
		},
		{
			name:    "unaligned length without packets",
			channel: txIndex,
			setup: func(tr *Transfer) error {
				return multiSet(tr.SetSrcBuffer(buf), tr.SetLen(100))
			},
			expectedErr: ErrInvalidParameter,
		},
		{
			name:    "source shorter than length",
			channel: txIndex,
			setup: func(tr *Transfer) error {
				return multiSet(tr.SetSrcBuffer(buf), tr.SetLen(8192))
			},
			expectedErr: ErrInvalidParameter,
		},
		{
			name:    "no source buffer",
			channel: mmIndex,
			setup: func(tr *Transfer) error {
				return tr.SetLen(64)
			},
			expectedErr: ErrInvalidParameter,
		},
		{
			name:    "FPGA address out of range",
			channel: mmIndex,
			setup: func(tr *Transfer) error {
				return multiSet(tr.SetSrcBuffer(buf), tr.SetDst(1<<48-64), tr.SetLen(128))
			},
			expectedErr: ErrInvalidParameter,
		},
		{
			name:    "declared but unsupported type",
			channel: mmIndex,
			setup: func(tr *Transfer) error {
				return tr.SetTransferType(FpgaMMToFpgaST)
			},
			expectedErr: ErrNotSupported,
		},
		{
			name:    "unknown type",
			channel: mmIndex,
			setup: func(tr *Transfer) error {
				return tr.SetTransferType(TransferType(42))
			},
			expectedErr: ErrInvalidParameter,
		},
		{
			name:    "unaligned length with packets",
			channel: txIndex,
			setup: func(tr *Transfer) error {
				return multiSet(tr.SetSrcBuffer(buf), tr.SetLen(100), tr.SetTxControl(GenerateEOP))
			},
		},
	}

	for _, tt := range tcases {
		t.Run(tt.name, func(t *testing.T) {
			c := chans[tt.channel]

			tr, err := c.TransferInit()
			if err != nil {
				t.Fatalf("unexpected error: %+v", err)
			}
			defer tr.Destroy()

			err = tt.setup(tr)
			if err == nil {
				err = c.Submit(tr)
			}

			if tt.expectedErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %+v", err)
				}

				return
			}

			if !errors.Is(err, tt.expectedErr) {
				t.Errorf("expected %v, got %+v", tt.expectedErr, err)
			}
		})
	}
}

func TestTransferHandles(t *testing.T) {
	e := openEngine(t, fakedma.New())
	c := openChannel(t, e, txIndex)

	tr, err := c.TransferInit()
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if tt := tr.Type(); tt != HostMMToFpgaST {
		t.Errorf("default type %s", tt)
	}

	if err := tr.Destroy(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	tcases := []struct {
		name string
		op   func() error
	}{
		{name: "destroy twice", op: tr.Destroy},
		{name: "set after destroy", op: func() error { return tr.SetLen(64) }},
		{name: "submit after destroy", op: func() error { return c.Submit(tr) }},
		{name: "submit nil", op: func() error { return c.Submit(nil) }},
		{name: "query after destroy", op: func() error { _, err := tr.BytesTransferred(); return err }},
		{name: "nil channel", op: func() error { _, err := (*Channel)(nil).TransferInit(); return err }},
	}

	for _, tt := range tcases {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(); !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("expected invalid parameter, got %+v", err)
			}
		})
	}
}

func TestCompletionModes(t *testing.T) {
	dev := fakedma.New()
	e := openEngine(t, dev)
	c := openChannel(t, e, txIndex)

	t.Run("poll", func(t *testing.T) {
		tr := newTx(t, c, pattern(4096, 0), GenerateSOPAndEOP)
		defer tr.Destroy()

		if !tr.Poll() {
			t.Error("unsubmitted transfer not ready")
		}

		if err := tr.SetPoll(); err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}

		if err := c.Submit(tr); err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}

		select {
		case <-tr.Ready():
		case <-time.After(5 * time.Second):
			t.Fatal("transfer never got ready")
		}

		if !tr.Poll() {
			t.Error("ready transfer does not poll as done")
		}

		if n, err := tr.BytesTransferred(); err != nil || n != 4096 {
			t.Errorf("transferred %d, %v", n, err)
		}
	})

	t.Run("callback", func(t *testing.T) {
		tr := newTx(t, c, pattern(4096, 0), GenerateSOPAndEOP)
		defer tr.Destroy()

		type result struct {
			ctx interface{}
			err error
		}

		done := make(chan result, 1)

		if err := tr.SetCallback(func(ctx interface{}, err error) { done <- result{ctx, err} }, "cookie"); err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}

		if err := c.Submit(tr); err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}

		r := <-done
		if r.err != nil || r.ctx != "cookie" {
			t.Errorf("callback got %v, %+v", r.ctx, r.err)
		}
	})

	t.Run("resubmit in flight", func(t *testing.T) {
		dev.Stall(txIndex, true)
		defer dev.Stall(txIndex, false)

		tr := newTx(t, c, pattern(4096, 0), GenerateSOPAndEOP)

		if err := tr.SetPoll(); err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}

		if err := c.Submit(tr); err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}

		if err := c.Submit(tr); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("in flight transfer resubmitted: %+v", err)
		}

		if err := tr.Destroy(); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("in flight transfer destroyed: %+v", err)
		}

		dev.Stall(txIndex, false)

		if err := tr.Wait(context.Background()); err != nil {
			t.Errorf("unexpected error: %+v", err)
		}

		if err := tr.Destroy(); err != nil {
			t.Errorf("unexpected error: %+v", err)
		}
	})
}

func TestTimeout(t *testing.T) {
	tcases := []struct {
		name string
		opts []fakedma.Option
	}{
		{name: "interrupts"},
		{name: "polling", opts: []fakedma.Option{fakedma.WithoutInterrupts()}},
		{
			name: "full descriptor FIFO",
			opts: []fakedma.Option{fakedma.WithFIFODepth(1)},
		},
	}

	for _, tt := range tcases {
		t.Run(tt.name, func(t *testing.T) {
			dev := fakedma.New(tt.opts...)
			e := openEngine(t, dev, func(cfg *Config) { cfg.Timeout = 100 * time.Millisecond })
			c := openChannel(t, e, txIndex)

			dev.Stall(txIndex, true)

			tr := newTx(t, c, pattern(6<<20, 0), GenerateSOPAndEOP)

			start := time.Now()

			if err := c.Submit(tr); !errors.Is(err, ErrTimeout) {
				t.Errorf("expected timeout, got %+v", err)
			}

			if d := time.Since(start); d > 5*time.Second {
				t.Errorf("timeout took %v", d)
			}

			if got := c.stats.errors.Load(); got != 1 {
				t.Errorf("expected one failed transfer, got %d", got)
			}
		})
	}
}

func TestHardwareError(t *testing.T) {
	tcases := []struct {
		name string
		opts []fakedma.Option
	}{
		{name: "interrupts"},
		{name: "polling", opts: []fakedma.Option{fakedma.WithoutInterrupts()}},
	}

	for _, tt := range tcases {
		t.Run(tt.name, func(t *testing.T) {
			dev := fakedma.New(tt.opts...)
			e := openEngine(t, dev)
			c := openChannel(t, e, txIndex)

			dev.InjectError(txIndex, 0x2)

			tr := newTx(t, c, pattern(6<<20, 0), GenerateSOPAndEOP)

			if err := c.Submit(tr); !errors.Is(err, ErrHardware) {
				t.Fatalf("expected hardware error, got %+v", err)
			}

			if err := tr.Err(); !errors.Is(err, ErrHardware) {
				t.Errorf("result not kept: %+v", err)
			}

			data := pattern(4096, 9)

			if err := multiSet(tr.Reset(), tr.SetSrcBuffer(data), tr.SetLen(4096)); err != nil {
				t.Fatalf("unexpected error: %+v", err)
			}

			if err := c.Submit(tr); err != nil {
				t.Fatalf("channel did not recover: %+v", err)
			}

			if sink := dev.Sink(txIndex); !bytes.HasSuffix(sink, data) {
				t.Error("data after recovery missing")
			}
		})
	}
}

func TestInterruptFallback(t *testing.T) {
	tcases := []struct {
		name string
		opts []fakedma.Option
		mod  func(*Config)
	}{
		{name: "port without interrupts", opts: []fakedma.Option{fakedma.WithoutInterrupts()}},
		{name: "interrupts disabled", mod: func(cfg *Config) { cfg.UseInterrupts = false }},
	}

	for _, tt := range tcases {
		t.Run(tt.name, func(t *testing.T) {
			dev := fakedma.New(tt.opts...)

			var mods []func(*Config)
			if tt.mod != nil {
				mods = append(mods, tt.mod)
			}

			e := openEngine(t, dev, mods...)
			c := openChannel(t, e, txIndex)

			if c.irq != nil {
				t.Fatal("channel uses interrupts")
			}

			data := pattern(10<<20, 5)
			tr := newTx(t, c, data, GenerateSOPAndEOP)

			if err := c.Submit(tr); err != nil {
				t.Fatalf("unexpected error: %+v", err)
			}

			if !bytes.Equal(dev.Sink(txIndex), data) {
				t.Error("streamed data differs from the source")
			}
		})
	}
}
