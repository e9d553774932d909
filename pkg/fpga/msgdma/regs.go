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

// Package msgdma describes the register interface of the modular
// scatter-gather DMA basic building blocks (BBBs) found behind an FPGA
// accelerator port: dispatcher CSR, descriptor and response FIFOs, the
// streaming valve and the address span extender.
package msgdma

// Register block offsets relative to the base of a DMA BBB.
const (
	CSROffset        = 0x40
	DescOffset       = 0x60
	ResponseOffset   = 0x80
	ValveOffset      = 0xA0
	ASEControlOffset = 0x200
	ASEDataOffset    = 0x1000
)

// Address span extender window.
const (
	ASEWindowSize = 4096
	ASEWindowMask = ASEWindowSize - 1
)

// Dispatcher CSR registers, relative to CSROffset.
const (
	CSRStatus    = 0x0
	CSRControl   = 0x4
	CSRFillLevel = 0x8
	CSRRspLevel  = 0xC
	CSRSeqNum    = 0x10
)

// Response port registers, relative to ResponseOffset. Reading
// RspStatus pops the head entry of the response FIFO.
const (
	RspBytesTransferred = 0x0
	RspStatus           = 0x4
)

// Streaming valve registers, relative to ValveOffset.
const (
	ValveBytesLo      = 0x0
	ValveBytesHi      = 0x4
	ValveBytesToXfer  = 0x8
	ValveControl      = 0xC
	ValveStatus       = 0x10
	ValveCtrlDataFlow = 1 << 0
	ValveCtrlDetTF    = 1 << 1
	ValveCtrlNonDetTF = 1 << 2
	ValveCtrlClrBytes = 1 << 3
	ValveStsDetTF     = 1 << 0
	ValveStsNonDetTF  = 1 << 1
)

// Host address masks. The engine routes a request to host memory, the
// streaming port or the write fence ROM by the high address bits.
const (
	HostMaskST          = 0x1000000000000
	HostMaskMM          = 0x2000000000000
	WriteFenceHostMask  = 0x3000000000000
	WriteFenceROMMask   = 0x1000000000000
	WriteFenceMagic     = 0x5772745F53796E63
	AddressMask32       = 0xFFFFFFFF
	StreamingAlignBytes = 64
)

// Status is the dispatcher status register.
type Status uint32

// Status register bits.
const (
	StatusBusy Status = 1 << iota
	StatusDescBufEmpty
	StatusDescBufFull
	StatusRspBufEmpty
	StatusRspBufFull
	StatusStopped
	StatusResetting
	StatusStoppedOnError
	StatusStoppedOnEarlyTerm
	StatusIRQ
)

// Busy reports an in-progress transfer.
func (s Status) Busy() bool { return s&StatusBusy != 0 }

// DescBufFull reports that no descriptor can be accepted.
func (s Status) DescBufFull() bool { return s&StatusDescBufFull != 0 }

// DescBufEmpty reports that every queued descriptor has been dispatched.
func (s Status) DescBufEmpty() bool { return s&StatusDescBufEmpty != 0 }

// Resetting reports a dispatcher reset in progress.
func (s Status) Resetting() bool { return s&StatusResetting != 0 }

// Stopped reports a halted dispatcher.
func (s Status) Stopped() bool { return s&StatusStopped != 0 }

// Failed reports that the dispatcher stopped because of an error or an
// early termination.
func (s Status) Failed() bool {
	return s&(StatusStoppedOnError|StatusStoppedOnEarlyTerm) != 0
}

// IRQ reports a pending interrupt.
func (s Status) IRQ() bool { return s&StatusIRQ != 0 }

// Control is the dispatcher control register.
type Control uint32

// Control register bits.
const (
	ControlStopDispatcher Control = 1 << iota
	ControlResetDispatcher
	ControlStopOnError
	ControlStopOnEarlyTerm
	ControlGlobalIntrEn
	ControlStopDescriptors
	ControlFlushDescriptors
	ControlFlushRdMaster
	ControlFlushWrMaster
)

// FillLevel is the descriptor FIFO fill level register.
type FillLevel uint32

// Read returns the read descriptor fill level.
func (f FillLevel) Read() uint16 { return uint16(f) }

// Write returns the write descriptor fill level.
func (f FillLevel) Write() uint16 { return uint16(f >> 16) }

// RspLevel is the response FIFO fill level register.
type RspLevel uint32

// Entries returns the number of responses waiting to be popped.
func (r RspLevel) Entries() uint16 { return uint16(r) }

// RspStatusReg is the status word of one response FIFO entry.
type RspStatusReg uint32

// Response status bits.
const (
	RspErrorMask  RspStatusReg = 0xFF
	RspEarlyTerm  RspStatusReg = 1 << 8
	RspEOPArrived RspStatusReg = 1 << 9
)

// ErrorBits returns the transfer error bits.
func (r RspStatusReg) ErrorBits() uint8 { return uint8(r & RspErrorMask) }

// EarlyTermination reports a transfer cut short by the hardware.
func (r RspStatusReg) EarlyTermination() bool { return r&RspEarlyTerm != 0 }

// EOPArrived reports an end of packet seen by the write master.
func (r RspStatusReg) EOPArrived() bool { return r&RspEOPArrived != 0 }
