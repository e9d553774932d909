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
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/Haffon/opae-sdk/pkg/fpga"
	"github.com/Haffon/opae-sdk/pkg/fpga/msgdma"
)

// spanWindow reaches FPGA memory through the 4K address span extender
// window. The page register is written only when an access falls into a
// page other than the mapped one.
type spanWindow struct {
	mmio     fpga.MMIO
	ctrl     uint64
	data     uint64
	page     uint64
	mapped   bool
	switches atomic.Uint64
}

func newSpanWindow(mmio fpga.MMIO, base uint64) *spanWindow {
	return &spanWindow{
		mmio: mmio,
		ctrl: base + msgdma.ASEControlOffset,
		data: base + msgdma.ASEDataOffset,
	}
}

// selectPage maps the page holding addr.
func (w *spanWindow) selectPage(addr uint64) error {
	page := addr &^ uint64(msgdma.ASEWindowMask)

	if w.mapped && page == w.page {
		return nil
	}

	if err := w.mmio.WriteMMIO64(w.ctrl, page); err != nil {
		w.mapped = false
		return errors.Wrapf(err, "span extender page 0x%x", page)
	}

	w.page, w.mapped = page, true
	w.switches.Add(1)

	return nil
}

// invalidate makes the next access program the page register again.
func (w *spanWindow) invalidate() {
	w.mapped = false
}

func (w *spanWindow) offset(addr uint64) uint64 {
	return w.data + addr&msgdma.ASEWindowMask
}

// write copies b to FPGA memory at addr. Aligned 64 bit words are written
// directly, partial words with a 32 bit read-modify-write.
func (w *spanWindow) write(addr uint64, b []byte) error {
	for len(b) > 0 {
		if err := w.selectPage(addr); err != nil {
			return err
		}

		if addr%8 == 0 && len(b) >= 8 {
			if err := w.mmio.WriteMMIO64(w.offset(addr), binary.LittleEndian.Uint64(b)); err != nil {
				return errors.Wrapf(err, "span window write at 0x%x", addr)
			}

			addr, b = addr+8, b[8:]

			continue
		}

		word := addr &^ 3
		shift := addr - word

		n := 4 - shift
		if n > uint64(len(b)) {
			n = uint64(len(b))
		}

		var buf [4]byte

		if n != 4 {
			v, err := w.mmio.ReadMMIO32(w.offset(word))
			if err != nil {
				return errors.Wrapf(err, "span window read at 0x%x", word)
			}

			binary.LittleEndian.PutUint32(buf[:], v)
		}

		copy(buf[shift:], b[:n])

		if err := w.mmio.WriteMMIO32(w.offset(word), binary.LittleEndian.Uint32(buf[:])); err != nil {
			return errors.Wrapf(err, "span window write at 0x%x", word)
		}

		addr, b = addr+n, b[n:]
	}

	return nil
}

// read copies FPGA memory at addr into b.
func (w *spanWindow) read(addr uint64, b []byte) error {
	for len(b) > 0 {
		if err := w.selectPage(addr); err != nil {
			return err
		}

		if addr%8 == 0 && len(b) >= 8 {
			v, err := w.mmio.ReadMMIO64(w.offset(addr))
			if err != nil {
				return errors.Wrapf(err, "span window read at 0x%x", addr)
			}

			binary.LittleEndian.PutUint64(b, v)
			addr, b = addr+8, b[8:]

			continue
		}

		word := addr &^ 3
		shift := addr - word

		v, err := w.mmio.ReadMMIO32(w.offset(word))
		if err != nil {
			return errors.Wrapf(err, "span window read at 0x%x", word)
		}

		var buf [4]byte

		binary.LittleEndian.PutUint32(buf[:], v)
		n := copy(b, buf[shift:])
		addr, b = addr+uint64(n), b[n:]
	}

	return nil
}
