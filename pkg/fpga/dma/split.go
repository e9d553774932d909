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
	"github.com/Haffon/opae-sdk/pkg/fpga/msgdma"
)

const (
	mmBurstAlign = 256
	mmBurst      = 4
)

// segment is the part of a transfer carried by one descriptor.
type segment struct {
	offset uint64
	length uint32
	first  bool
	last   bool
}

// split cuts length bytes into ceil(length/chunk) segments of at most
// chunk bytes each.
func split(length, chunk uint64) []segment {
	if length == 0 || chunk == 0 {
		return nil
	}

	segs := make([]segment, 0, (length+chunk-1)/chunk)

	for off := uint64(0); off < length; off += chunk {
		n := length - off
		if n > chunk {
			n = chunk
		}

		segs = append(segs, segment{offset: off, length: uint32(n), first: off == 0, last: off+n == length})
	}

	return segs
}

// txMarkers returns the packet markers of one segment. SOP only goes on the
// first descriptor and EOP only on the last one.
func txMarkers(c TxControl, seg segment) msgdma.DescControl {
	var ctrl msgdma.DescControl

	if seg.first && (c == GenerateSOP || c == GenerateSOPAndEOP) {
		ctrl |= msgdma.DescGenerateSOP
	}

	if seg.last && (c == GenerateEOP || c == GenerateSOPAndEOP) {
		ctrl |= msgdma.DescGenerateEOP
	}

	return ctrl
}

// mmBurstCount returns the burst length usable between two memory mapped
// ends.
func mmBurstCount(rd, wr uint64, length uint32) uint8 {
	if rd%mmBurstAlign == 0 && wr%mmBurstAlign == 0 && length%mmBurstAlign == 0 {
		return mmBurst
	}

	return 1
}

// interruptAt reports whether descriptor i of n raises the completion
// interrupt when every half descriptors are acknowledged together.
func interruptAt(i, n, half int) bool {
	return (i+1)%half == 0 || i == n-1
}

// slotReleasedBy returns the descriptor whose interrupt acknowledges
// descriptor k.
func slotReleasedBy(k, n, half int) int {
	j := (k/half+1)*half - 1
	if j > n-1 {
		j = n - 1
	}

	return j
}
