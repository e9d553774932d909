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

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	dfhTypeShift = 60
	dfhTypeMask  = 0xF
	dfhTypeBBB   = 2
	dfhEOLBit    = 40
	dfhNextShift = 16
	dfhNextMask  = 0xFFFFFF

	// maxFeatures bounds the walk over a corrupted feature list.
	maxFeatures = 4096
)

// GUID is a 128 bit feature identifier split in two 64 bit halves as it is
// laid out in MMIO space.
type GUID struct {
	Hi uint64
	Lo uint64
}

func (g GUID) String() string {
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		g.Hi>>32, (g.Hi>>16)&0xFFFF, g.Hi&0xFFFF, g.Lo>>48, g.Lo&0xFFFFFFFFFFFF)
}

// GUIDs of the DMA BBBs.
var (
	M2SGUID = GUID{Hi: 0xfee69b442f7743ed, Lo: 0x9ff49b8cf9ee6335}
	S2MGUID = GUID{Hi: 0xf118209ad59a4b3f, Lo: 0xa66cd700a658a015}
	MMGUID  = GUID{Hi: 0xef82def7f6ec40fc, Lo: 0xa9149a35bace01ea}
)

// DFH is a device feature header word.
type DFH uint64

// IsBBB reports a basic building block header.
func (h DFH) IsBBB() bool { return (uint64(h)>>dfhTypeShift)&dfhTypeMask == dfhTypeBBB }

// EOL reports the last header of the list.
func (h DFH) EOL() bool { return (uint64(h)>>dfhEOLBit)&1 == 1 }

// Next returns the byte offset to the next header.
func (h DFH) Next() uint64 { return (uint64(h) >> dfhNextShift) & dfhNextMask }

// NewDFH builds a header word.
func NewDFH(bbb bool, next uint64, eol bool) DFH {
	var h uint64

	if bbb {
		h |= dfhTypeBBB << dfhTypeShift
	}

	if eol {
		h |= 1 << dfhEOLBit
	}

	h |= (next & dfhNextMask) << dfhNextShift

	return DFH(h)
}

// Feature is one BBB found in the feature list.
type Feature struct {
	Offset uint64
	GUID   GUID
}

// Reader64 reads 64 bit MMIO registers.
type Reader64 interface {
	ReadMMIO64(offset uint64) (uint64, error)
}

// Walk follows the device feature header list starting at offset 0 and
// returns every BBB in list order.
func Walk(mmio Reader64) ([]Feature, error) {
	var features []Feature

	offset := uint64(0)

	for i := 0; i < maxFeatures; i++ {
		word, err := mmio.ReadMMIO64(offset)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to read DFH at 0x%x", offset)
		}

		dfh := DFH(word)

		if dfh.IsBBB() {
			lo, err := mmio.ReadMMIO64(offset + 8)
			if err != nil {
				return nil, errors.Wrapf(err, "unable to read GUID at 0x%x", offset+8)
			}

			hi, err := mmio.ReadMMIO64(offset + 16)
			if err != nil {
				return nil, errors.Wrapf(err, "unable to read GUID at 0x%x", offset+16)
			}

			features = append(features, Feature{Offset: offset, GUID: GUID{Hi: hi, Lo: lo}})
		}

		if dfh.EOL() {
			return features, nil
		}

		if dfh.Next() == 0 {
			return nil, errors.Errorf("DFH at 0x%x has no successor and no end of list mark", offset)
		}

		offset += dfh.Next()
	}

	return nil, errors.Errorf("feature list longer than %d entries", maxFeatures)
}
