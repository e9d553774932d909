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

//go:build linux

package fpga

import (
	"golang.org/x/sys/unix"
)

// Port ioctls of the DFL driver, see include/uapi/linux/fpga-dfl.h.
const (
	dflFpgaMagic    = 0xB6
	dflFpgaBase     = 0
	dflPortBase     = 0x40
	iocWrite        = 1
	iocRead         = 2
	iocNrShift      = 0
	iocTypeShift    = 8
	iocSizeShift    = 16
	iocDirShift     = 30
	sizeofIrqSetHdr = 8
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | dflFpgaMagic<<iocTypeShift | nr<<iocNrShift
}

//nolint:revive,stylecheck // names follow the kernel header
var (
	DFL_FPGA_GET_API_VERSION       = ioc(0, dflFpgaBase+0, 0)
	DFL_FPGA_PORT_RESET            = ioc(0, dflPortBase+0, 0)
	DFL_FPGA_PORT_GET_INFO         = ioc(0, dflPortBase+1, 0)
	DFL_FPGA_PORT_GET_REGION_INFO  = ioc(0, dflPortBase+2, 0)
	DFL_FPGA_PORT_DMA_MAP          = ioc(0, dflPortBase+3, 0)
	DFL_FPGA_PORT_DMA_UNMAP        = ioc(0, dflPortBase+4, 0)
	DFL_FPGA_PORT_UINT_GET_IRQ_NUM = ioc(iocRead, dflPortBase+7, 4)
	DFL_FPGA_PORT_UINT_SET_IRQ     = ioc(iocWrite, dflPortBase+8, sizeofIrqSetHdr)
)

// Region flags of struct dfl_fpga_port_region_info.
const (
	dflPortRegionRead  = 1 << 0
	dflPortRegionWrite = 1 << 1
	dflPortRegionMmap  = 1 << 2
)

// DflFpgaPortInfo mirrors struct dfl_fpga_port_info.
type DflFpgaPortInfo struct {
	Argsz   uint32
	Flags   uint32
	Regions uint32
	Umsgs   uint32
}

// DflFpgaPortRegionInfo mirrors struct dfl_fpga_port_region_info.
type DflFpgaPortRegionInfo struct {
	Argsz   uint32
	Flags   uint32
	Index   uint32
	Padding uint32
	Size    uint64
	Offset  uint64
}

// DflFpgaPortDmaMap mirrors struct dfl_fpga_port_dma_map.
type DflFpgaPortDmaMap struct {
	Argsz    uint32
	Flags    uint32
	UserAddr uint64
	Length   uint64
	Iova     uint64
}

// DflFpgaPortDmaUnmap mirrors struct dfl_fpga_port_dma_unmap.
type DflFpgaPortDmaUnmap struct {
	Argsz uint32
	Flags uint32
	Iova  uint64
}

// dflFpgaIrqSet mirrors struct dfl_fpga_irq_set with a single event fd.
type dflFpgaIrqSet struct {
	Start  uint32
	Count  uint32
	Evtfds [1]int32
}

func ioctl(fd, req, arg uintptr) (uintptr, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return ret, errno
	}

	return ret, nil
}
