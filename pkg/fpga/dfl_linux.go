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

//go:build linux

package fpga

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

const (
	dflFpgaPortPrefix = "dfl-port."
	hugePageSize      = 2 << 20
	hugePage2MBFlag   = 21 << unix.MAP_HUGE_SHIFT
)

var (
	_ Accelerator  = &DflPort{}
	_ CPULocator   = &DflPort{}
	_ PortResetter = &DflPort{}
)

type pinnedBuffer struct {
	buf  []byte
	iova uint64
}

// DflPort represent DFL FPGA Port device with its first MMIO region mapped.
// It implements Accelerator.
type DflPort struct {
	DevPath   string
	SysFsPath string
	AFUID     string
	f         *os.File
	mmio      []byte
	pci       *PCIDevice

	mu       sync.Mutex
	buffers  map[uint64]*pinnedBuffer
	nextWsid uint64
}

// NewDflPort opens the port device node, checks the kernel API and maps
// MMIO region 0.
func NewDflPort(dev string) (*DflPort, error) {
	f, err := os.OpenFile(dev, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", dev)
	}

	port := &DflPort{DevPath: dev, f: f, buffers: map[uint64]*pinnedBuffer{}}

	// check that kernel API is compatible
	if _, err := port.GetAPIVersion(); err != nil {
		port.f.Close()
		return nil, errors.Wrap(err, "kernel API mismatch")
	}

	if err := port.mapRegion(0); err != nil {
		port.f.Close()
		return nil, err
	}

	port.updateProperties()

	return port, nil
}

func (f *DflPort) mapRegion(index uint32) error {
	info, err := f.PortGetInfo()
	if err != nil {
		return errors.Wrap(err, "unable to get port info")
	}

	if info.Regions <= index {
		return errors.Errorf("%s has %d MMIO regions, need region %d", f.DevPath, info.Regions, index)
	}

	region, err := f.PortGetRegionInfo(index)
	if err != nil {
		return errors.Wrapf(err, "unable to get region %d info", index)
	}

	if region.Flags&dflPortRegionMmap == 0 || region.Flags&(dflPortRegionRead|dflPortRegionWrite) == 0 {
		return errors.Errorf("%s region %d can't be mapped (flags 0x%x)", f.DevPath, index, region.Flags)
	}

	mem, err := unix.Mmap(int(f.f.Fd()), int64(region.Offset), int(region.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrapf(err, "unable to map region %d of %s", index, f.DevPath)
	}

	f.mmio = mem

	klog.V(2).Infof("%s: mapped MMIO region %d, %d bytes", f.DevPath, index, region.Size)

	return nil
}

// Update properties from sysfs. Missing attributes are not fatal, the port
// stays usable without them.
func (f *DflPort) updateProperties() {
	sysfs, err := FindSysFsDevice(f.DevPath)
	if err != nil || sysfs == "" {
		klog.V(4).Infof("%s: no sysfs entry: %v", f.DevPath, err)
		return
	}

	f.SysFsPath = sysfs

	fileMap := map[string]*string{
		"afu_id": &f.AFUID,
	}
	if err := readFilesInDirectory(fileMap, sysfs); err != nil {
		klog.Warningf("%s: %v", f.DevPath, err)
	}

	if pci, err := NewPCIDevice(sysfs); err == nil {
		f.pci = pci
	}
}

// Close releases pinned buffers, unmaps MMIO and closes the device.
func (f *DflPort) Close() error {
	f.mu.Lock()
	for wsid := range f.buffers {
		if err := f.releaseLocked(wsid); err != nil {
			klog.Warningf("%s: releasing buffer %d: %v", f.DevPath, wsid, err)
		}
	}
	f.mu.Unlock()

	if f.mmio != nil {
		if err := unix.Munmap(f.mmio); err != nil {
			klog.Warningf("%s: munmap: %v", f.DevPath, err)
		}

		f.mmio = nil
	}

	if f.f != nil {
		return f.f.Close()
	}

	return nil
}

// GetName returns simple FPGA name, derived from the device node.
func (f *DflPort) GetName() string {
	return filepath.Base(f.DevPath)
}

// GetPCIDevice returns PCIDevice for this device.
func (f *DflPort) GetPCIDevice() (*PCIDevice, error) {
	if f.pci == nil {
		return nil, errors.Errorf("%s: PCI device is unknown", f.DevPath)
	}

	return f.pci, nil
}

// LocalCPUs returns the CPUs local to the PCI device of the port.
func (f *DflPort) LocalCPUs() ([]int, error) {
	pci, err := f.GetPCIDevice()
	if err != nil {
		return nil, err
	}

	return pci.LocalCPUs()
}

// GetAPIVersion  Report the version of the driver API.
// * Return: Driver API Version.
func (f *DflPort) GetAPIVersion() (int, error) {
	v, err := ioctl(f.f.Fd(), DFL_FPGA_GET_API_VERSION, 0)
	return int(v), err
}

// PortReset Reset the FPGA Port and its AFU. No parameters are supported.
// Userspace can do Port reset at any time, e.g. during DMA or PR. But
// it should never cause any system level issue, only functional failure
// (e.g. DMA or PR operation failure) and be recoverable from the failure.
// * Return: 0 on success, -errno of failure.
func (f *DflPort) PortReset() error {
	_, err := ioctl(f.f.Fd(), DFL_FPGA_PORT_RESET, 0)
	return err
}

// PortGetInfo Retrieve information about the fpga port.
// Driver fills the info in provided struct dfl_fpga_port_info.
// * Return: 0 on success, -errno on failure.
func (f *DflPort) PortGetInfo() (ret PortInfo, err error) {
	var value DflFpgaPortInfo

	value.Argsz = uint32(unsafe.Sizeof(value))

	_, err = ioctl(f.f.Fd(), DFL_FPGA_PORT_GET_INFO, uintptr(unsafe.Pointer(&value)))
	if err == nil {
		ret.Flags = value.Flags
		ret.Regions = value.Regions
		ret.Umsgs = value.Umsgs
	}

	return
}

// PortGetRegionInfo Retrieve information about a device memory region.
// * Caller provides struct dfl_fpga_port_region_info with index value set.
// * Driver returns the region info in other fields.
// * Return: 0 on success, -errno on failure.
func (f *DflPort) PortGetRegionInfo(index uint32) (ret PortRegionInfo, err error) {
	var value DflFpgaPortRegionInfo

	value.Argsz = uint32(unsafe.Sizeof(value))
	value.Index = index

	_, err = ioctl(f.f.Fd(), DFL_FPGA_PORT_GET_REGION_INFO, uintptr(unsafe.Pointer(&value)))
	if err == nil {
		ret.Flags = value.Flags
		ret.Index = value.Index
		ret.Offset = value.Offset
		ret.Size = value.Size
	}

	return
}

func (f *DflPort) register(offset, width uint64) (unsafe.Pointer, error) {
	if offset%width != 0 {
		return nil, errors.Errorf("unaligned %d bit MMIO access at 0x%x", width*8, offset)
	}

	if offset+width > uint64(len(f.mmio)) {
		return nil, errors.Errorf("MMIO offset 0x%x is outside of the %d byte region", offset, len(f.mmio))
	}

	return unsafe.Pointer(&f.mmio[offset]), nil
}

// ReadMMIO32 reads a 32 bit register.
func (f *DflPort) ReadMMIO32(offset uint64) (uint32, error) {
	p, err := f.register(offset, 4)
	if err != nil {
		return 0, err
	}

	return atomic.LoadUint32((*uint32)(p)), nil
}

// WriteMMIO32 writes a 32 bit register.
func (f *DflPort) WriteMMIO32(offset uint64, value uint32) error {
	p, err := f.register(offset, 4)
	if err != nil {
		return err
	}

	atomic.StoreUint32((*uint32)(p), value)

	return nil
}

// ReadMMIO64 reads a 64 bit register.
func (f *DflPort) ReadMMIO64(offset uint64) (uint64, error) {
	p, err := f.register(offset, 8)
	if err != nil {
		return 0, err
	}

	return atomic.LoadUint64((*uint64)(p)), nil
}

// WriteMMIO64 writes a 64 bit register.
func (f *DflPort) WriteMMIO64(offset uint64, value uint64) error {
	p, err := f.register(offset, 8)
	if err != nil {
		return err
	}

	atomic.StoreUint64((*uint64)(p), value)

	return nil
}

// PrepareBuffer allocates anonymous shared memory, backed by 2M huge pages
// when the size allows it, and maps it for device access.
// * Return: host memory and workspace id.
func (f *DflPort) PrepareBuffer(size uint64) ([]byte, uint64, error) {
	if size == 0 {
		return nil, 0, errors.New("zero sized buffer")
	}

	flags := unix.MAP_SHARED | unix.MAP_ANONYMOUS | unix.MAP_POPULATE

	var (
		buf []byte
		err error
	)

	if size%hugePageSize == 0 {
		buf, err = unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags|unix.MAP_HUGETLB|hugePage2MBFlag)
		if err != nil {
			klog.V(4).Infof("no huge pages for %d byte buffer, falling back to 4K pages: %v", size, err)
		}
	}

	if buf == nil {
		if buf, err = unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags); err != nil {
			return nil, 0, errors.Wrapf(err, "unable to allocate %d bytes", size)
		}
	}

	var value DflFpgaPortDmaMap

	value.Argsz = uint32(unsafe.Sizeof(value))
	value.UserAddr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	value.Length = size

	if _, err := ioctl(f.f.Fd(), DFL_FPGA_PORT_DMA_MAP, uintptr(unsafe.Pointer(&value))); err != nil {
		_ = unix.Munmap(buf)
		return nil, 0, errors.Wrapf(err, "DMA map of %d bytes failed", size)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextWsid++
	f.buffers[f.nextWsid] = &pinnedBuffer{buf: buf, iova: value.Iova}

	return buf, f.nextWsid, nil
}

// GetIOAddress returns the IOVA of a pinned buffer.
func (f *DflPort) GetIOAddress(wsid uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.buffers[wsid]
	if !ok {
		return 0, errors.Errorf("unknown workspace id %d", wsid)
	}

	return b.iova, nil
}

// ReleaseBuffer unmaps a buffer from the device and frees it.
func (f *DflPort) ReleaseBuffer(wsid uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.releaseLocked(wsid)
}

func (f *DflPort) releaseLocked(wsid uint64) error {
	b, ok := f.buffers[wsid]
	if !ok {
		return errors.Errorf("unknown workspace id %d", wsid)
	}

	delete(f.buffers, wsid)

	var value DflFpgaPortDmaUnmap

	value.Argsz = uint32(unsafe.Sizeof(value))
	value.Iova = b.iova

	if _, err := ioctl(f.f.Fd(), DFL_FPGA_PORT_DMA_UNMAP, uintptr(unsafe.Pointer(&value))); err != nil {
		return errors.Wrapf(err, "DMA unmap of iova 0x%x failed", b.iova)
	}

	return errors.Wrap(unix.Munmap(b.buf), "munmap")
}

// RegisterInterrupt binds an eventfd to a user interrupt vector.
// * Return: ErrNotSupported when the port has fewer user interrupts.
func (f *DflPort) RegisterInterrupt(vector uint32) (Interrupt, error) {
	var num uint32

	if _, err := ioctl(f.f.Fd(), DFL_FPGA_PORT_UINT_GET_IRQ_NUM, uintptr(unsafe.Pointer(&num))); err != nil {
		return nil, errors.Wrapf(ErrNotSupported, "user interrupts: %v", err)
	}

	if vector >= num {
		return nil, errors.Wrapf(ErrNotSupported, "vector %d, port has %d user interrupts", vector, num)
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK|unix.EFD_SEMAPHORE)
	if err != nil {
		return nil, errors.Wrap(err, "eventfd")
	}

	if err := f.setIRQ(vector, int32(efd)); err != nil {
		unix.Close(efd)
		return nil, err
	}

	return &eventInterrupt{port: f, vector: vector, fd: efd}, nil
}

func (f *DflPort) setIRQ(vector uint32, fd int32) error {
	value := dflFpgaIrqSet{Start: vector, Count: 1, Evtfds: [1]int32{fd}}

	_, err := ioctl(f.f.Fd(), DFL_FPGA_PORT_UINT_SET_IRQ, uintptr(unsafe.Pointer(&value)))

	return errors.Wrapf(err, "set user interrupt %d", vector)
}
