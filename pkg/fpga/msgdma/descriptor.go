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

package msgdma

import "fmt"

// DescriptorSize is the size of an extended descriptor in bytes.
const DescriptorSize = 32

// DescControl is the control word of an extended descriptor.
type DescControl uint32

// Descriptor control bits.
const (
	DescTxChannelMask   DescControl = 0xFF
	DescGenerateSOP     DescControl = 1 << 8
	DescGenerateEOP     DescControl = 1 << 9
	DescParkReads       DescControl = 1 << 10
	DescParkWrites      DescControl = 1 << 11
	DescEndOnEOP        DescControl = 1 << 12
	DescEOPRcvdIRQEn    DescControl = 1 << 13
	DescTransferIRQEn   DescControl = 1 << 14
	DescEarlyTermIRQEn  DescControl = 1 << 15
	DescTransErrIRQMask DescControl = 0xFF << 16
	DescEarlyDoneEn     DescControl = 1 << 24
	DescWaitForWrRsp    DescControl = 1 << 25
	DescGo              DescControl = 1 << 31
)

// Has reports whether every bit of f is set.
func (c DescControl) Has(f DescControl) bool { return c&f == f }

func (c DescControl) String() string {
	return fmt.Sprintf("ctrl(0x%08x sop=%t eop=%t eoe=%t irq=%t go=%t)", uint32(c),
		c.Has(DescGenerateSOP), c.Has(DescGenerateEOP), c.Has(DescEndOnEOP),
		c.Has(DescTransferIRQEn), c.Has(DescGo))
}

// Descriptor is an extended mSGDMA descriptor. Addresses are kept as 64 bit
// values and split into the low and extended words when encoded.
type Descriptor struct {
	ReadAddress  uint64
	WriteAddress uint64
	Length       uint32
	SeqNum       uint16
	ReadBurst    uint8
	WriteBurst   uint8
	ReadStride   uint16
	WriteStride  uint16
	Control      DescControl
}

// Words encodes the descriptor as the four 64 bit words written to the
// descriptor FIFO. The last word holds the control field, so writing the
// words in order commits the descriptor with its final write.
func (d *Descriptor) Words() [4]uint64 {
	var w [4]uint64

	w[0] = (d.ReadAddress & AddressMask32) | (d.WriteAddress&AddressMask32)<<32
	w[1] = uint64(d.Length) | uint64(d.SeqNum)<<32 | uint64(d.ReadBurst)<<48 | uint64(d.WriteBurst)<<56
	w[2] = uint64(d.ReadStride) | uint64(d.WriteStride)<<16 | ((d.ReadAddress>>32)&AddressMask32)<<32
	w[3] = ((d.WriteAddress >> 32) & AddressMask32) | uint64(d.Control)<<32

	return w
}

// DecodeDescriptor is the inverse of Words.
func DecodeDescriptor(w [4]uint64) Descriptor {
	return Descriptor{
		ReadAddress:  (w[0] & AddressMask32) | ((w[2]>>32)&AddressMask32)<<32,
		WriteAddress: ((w[0] >> 32) & AddressMask32) | (w[3]&AddressMask32)<<32,
		Length:       uint32(w[1]),
		SeqNum:       uint16(w[1] >> 32),
		ReadBurst:    uint8(w[1] >> 48),
		WriteBurst:   uint8(w[1] >> 56),
		ReadStride:   uint16(w[2]),
		WriteStride:  uint16(w[2] >> 16),
		Control:      DescControl(w[3] >> 32),
	}
}
