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
	"sort"
	"strings"

	"github.com/pkg/errors"
)

const platformDevices = "/sys/bus/platform/devices"

// PortInfo is the port information reported by the driver.
type PortInfo struct {
	Flags   uint32
	Regions uint32
	Umsgs   uint32
}

// PortRegionInfo describes one MMIO region of a port.
type PortRegionInfo struct {
	Flags  uint32
	Index  uint32
	Size   uint64
	Offset uint64
}

// IsFpgaPort returns true if the name looks like a DFL port device.
func IsFpgaPort(name string) bool {
	return strings.HasPrefix(cleanBasename(name), dflFpgaPortPrefix)
}

// DevicePath returns the device node for a port name. Names without a
// slash are looked up in /dev.
func DevicePath(fname string) string {
	if strings.IndexByte(fname, byte('/')) < 0 {
		return filepath.Join("/dev", fname)
	}

	return fname
}

// NewPort opens the DFL port device node fname.
func NewPort(fname string) (*DflPort, error) {
	fname = DevicePath(fname)

	if !IsFpgaPort(fname) {
		return nil, errors.Errorf("unknown type of FPGA port %s", fname)
	}

	return NewDflPort(fname)
}

// ListPorts returns the names of DFL port devices known to sysfs.
func ListPorts() ([]string, error) {
	return listPorts(platformDevices)
}

func listPorts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "can't list %s", dir)
	}

	ports := []string{}

	for _, e := range entries {
		if IsFpgaPort(e.Name()) {
			ports = append(ports, e.Name())
		}
	}

	sort.Strings(ports)

	return ports, nil
}
