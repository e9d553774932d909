// Copyright 2019 Intel Corporation. All Rights Reserved.
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

package fpga

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// ErrNotSupported is returned by collaborators that lack an optional
// capability, e.g. a port without user interrupts.
var ErrNotSupported = errors.New("not supported by accelerator")

// MMIO represents the mapped register space of an accelerator port.
// Offsets are relative to the start of the mapped region.
type MMIO interface {
	// ReadMMIO32 reads a 32 bit register.
	ReadMMIO32(offset uint64) (uint32, error)
	// WriteMMIO32 writes a 32 bit register.
	WriteMMIO32(offset uint64, value uint32) error
	// ReadMMIO64 reads a 64 bit register.
	ReadMMIO64(offset uint64) (uint64, error)
	// WriteMMIO64 writes a 64 bit register.
	WriteMMIO64(offset uint64, value uint64) error
}

// BufferPinner allocates host memory the accelerator can access.
type BufferPinner interface {
	// PrepareBuffer allocates and pins size bytes of host memory.
	// * Return: host view of the memory and the workspace id of the buffer.
	PrepareBuffer(size uint64) ([]byte, uint64, error)
	// GetIOAddress returns the device visible address of a pinned buffer.
	// * Return: IOVA of the buffer identified by wsid.
	GetIOAddress(wsid uint64) (uint64, error)
	// ReleaseBuffer unpins and frees a buffer. The host view must not be
	// used afterwards.
	ReleaseBuffer(wsid uint64) error
}

// Interrupt is an event bound to one user interrupt vector of a port.
type Interrupt interface {
	io.Closer
	// Wait blocks until the interrupt fires at least once since the last
	// Wait or until ctx is done.
	// * Return: ctx.Err() when the context expires first.
	Wait(ctx context.Context) error
}

// InterruptSource binds events to user interrupt vectors.
type InterruptSource interface {
	// RegisterInterrupt binds a new event to vector.
	// * Return: ErrNotSupported if the port has no such vector.
	RegisterInterrupt(vector uint32) (Interrupt, error)
}

// Accelerator represents an opened accelerator port with its MMIO space
// mapped, able to pin buffers and deliver interrupts.
type Accelerator interface {
	MMIO
	BufferPinner
	InterruptSource
}

// CPULocator is implemented by accelerators that know which CPUs are local
// to the device.
type CPULocator interface {
	// LocalCPUs returns the CPU ids of the NUMA node the device is attached to.
	LocalCPUs() ([]int, error)
}

// PortResetter is implemented by accelerators able to reset the whole port
// together with its AFU. Every BBB behind the port loses its state.
type PortResetter interface {
	PortReset() error
}
