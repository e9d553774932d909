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
	"testing"

	"github.com/Haffon/opae-sdk/pkg/fpga/msgdma"
)

func TestSplit(t *testing.T) {
	const mib = 1 << 20

	tcases := []struct {
		name     string
		length   uint64
		expected int
	}{
		{name: "one byte", length: 1, expected: 1},
		{name: "exactly one descriptor", length: 2 * mib, expected: 1},
		{name: "one byte over", length: 2*mib + 1, expected: 2},
		{name: "six MiB", length: 6 * mib, expected: 3},
		{name: "odd length", length: 7*mib + 12345, expected: 4},
		{name: "large", length: 1 << 32, expected: 2048},
	}

	for _, tt := range tcases {
		t.Run(tt.name, func(t *testing.T) {
			segs := split(tt.length, DescriptorMaxLength)
			if len(segs) != tt.expected {
				t.Fatalf("expected %d segments, got %d", tt.expected, len(segs))
			}

			var sum uint64

			for i, seg := range segs {
				if seg.offset != sum {
					t.Errorf("segment %d starts at %d, expected %d", i, seg.offset, sum)
				}

				if seg.length == 0 || seg.length > DescriptorMaxLength {
					t.Errorf("segment %d has length %d", i, seg.length)
				}

				if seg.first != (i == 0) || seg.last != (i == len(segs)-1) {
					t.Errorf("segment %d first/last flags %t/%t", i, seg.first, seg.last)
				}

				sum += uint64(seg.length)
			}

			if sum != tt.length {
				t.Errorf("segments sum to %d, expected %d", sum, tt.length)
			}
		})
	}

	if segs := split(0, DescriptorMaxLength); segs != nil {
		t.Errorf("zero length produced %d segments", len(segs))
	}
}

func TestTxMarkers(t *testing.T) {
	tcases := []struct {
		name  string
		ctrl  TxControl
		count int
		sop   int
		eop   int
	}{
		{name: "no packet", ctrl: TxNoPacket, count: 3, sop: -1, eop: -1},
		{name: "sop", ctrl: GenerateSOP, count: 3, sop: 0, eop: -1},
		{name: "eop", ctrl: GenerateEOP, count: 3, sop: -1, eop: 2},
		{name: "both", ctrl: GenerateSOPAndEOP, count: 5, sop: 0, eop: 4},
		{name: "both single descriptor", ctrl: GenerateSOPAndEOP, count: 1, sop: 0, eop: 0},
	}

	for _, tt := range tcases {
		t.Run(tt.name, func(t *testing.T) {
			segs := split(uint64(tt.count)*DescriptorMaxLength, DescriptorMaxLength)
			for i, seg := range segs {
				c := txMarkers(tt.ctrl, seg)
				if c.Has(msgdma.DescGenerateSOP) != (i == tt.sop) {
					t.Errorf("descriptor %d: unexpected SOP in %v", i, c)
				}

				if c.Has(msgdma.DescGenerateEOP) != (i == tt.eop) {
					t.Errorf("descriptor %d: unexpected EOP in %v", i, c)
				}
			}
		})
	}
}

func TestInterruptPlacement(t *testing.T) {
	tcases := []struct {
		name string
		n    int
		half int
		irqs []int
	}{
		{name: "single", n: 1, half: 1, irqs: []int{0}},
		{name: "eight buffers", n: 8, half: 4, irqs: []int{3, 7}},
		{name: "ragged tail", n: 10, half: 4, irqs: []int{3, 7, 9}},
	}

	for _, tt := range tcases {
		t.Run(tt.name, func(t *testing.T) {
			var irqs []int

			for i := 0; i < tt.n; i++ {
				if interruptAt(i, tt.n, tt.half) {
					irqs = append(irqs, i)
				}

				j := slotReleasedBy(i, tt.n, tt.half)
				if j < i || !interruptAt(j, tt.n, tt.half) {
					t.Errorf("descriptor %d released by %d which raises no interrupt", i, j)
				}
			}

			if len(irqs) != len(tt.irqs) {
				t.Fatalf("expected interrupts at %v, got %v", tt.irqs, irqs)
			}

			for i := range irqs {
				if irqs[i] != tt.irqs[i] {
					t.Errorf("expected interrupts at %v, got %v", tt.irqs, irqs)
				}
			}
		})
	}
}

func TestMMBurstCount(t *testing.T) {
	if b := mmBurstCount(0x1000, 0x200000, 512); b != mmBurst {
		t.Errorf("aligned transfer got burst %d", b)
	}

	if b := mmBurstCount(0x1000, 0x200040, 512); b != 1 {
		t.Errorf("unaligned transfer got burst %d", b)
	}

	if b := mmBurstCount(0x1000, 0x200000, 320); b != 1 {
		t.Errorf("ragged length got burst %d", b)
	}
}
