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

package fakedma

import (
	"github.com/pkg/errors"

	"github.com/Haffon/opae-sdk/pkg/fpga/msgdma"
)

const (
	iovaBase  = 0x10_0000_0000
	iovaAlign = 2 << 20
	pageSize  = msgdma.ASEWindowSize
)

type pinned struct {
	mem  []byte
	iova uint64
}

// hostMemory hands out buffers with IO addresses that never overlap.
type hostMemory struct {
	buffers  map[uint64]*pinned
	limit    int
	nextWsid uint64
	nextIOVA uint64
}

func newHostMemory(limit int) hostMemory {
	return hostMemory{
		buffers:  map[uint64]*pinned{},
		limit:    limit,
		nextWsid: 1,
		nextIOVA: iovaBase,
	}
}

func (h *hostMemory) pin(size uint64) ([]byte, uint64, error) {
	if size == 0 {
		return nil, 0, errors.New("zero sized buffer")
	}

	if len(h.buffers) >= h.limit {
		return nil, 0, errors.Errorf("%d buffers pinned already", h.limit)
	}

	wsid := h.nextWsid
	h.nextWsid++

	b := &pinned{mem: make([]byte, size), iova: h.nextIOVA}
	h.nextIOVA += (size + iovaAlign - 1) &^ (iovaAlign - 1)
	h.buffers[wsid] = b

	return b.mem, wsid, nil
}

func (h *hostMemory) iova(wsid uint64) (uint64, error) {
	b, ok := h.buffers[wsid]
	if !ok {
		return 0, errors.Errorf("unknown workspace %d", wsid)
	}

	return b.iova, nil
}

func (h *hostMemory) unpin(wsid uint64) error {
	if _, ok := h.buffers[wsid]; !ok {
		return errors.Errorf("unknown workspace %d", wsid)
	}

	delete(h.buffers, wsid)

	return nil
}

// span returns the pinned memory at iova, n bytes long.
func (h *hostMemory) span(iova, n uint64) ([]byte, error) {
	for _, b := range h.buffers {
		if iova >= b.iova && iova+n <= b.iova+uint64(len(b.mem)) {
			off := iova - b.iova
			return b.mem[off : off+n], nil
		}
	}

	return nil, errors.Errorf("IO address 0x%x+%d is not pinned", iova, n)
}

// localMemory is sparse FPGA memory, unwritten bytes read as zero.
type localMemory map[uint64]*[pageSize]byte

func (l localMemory) page(addr uint64, create bool) *[pageSize]byte {
	base := addr &^ (pageSize - 1)

	p, ok := l[base]
	if !ok && create {
		p = &[pageSize]byte{}
		l[base] = p
	}

	return p
}

func (l localMemory) write(addr uint64, data []byte) {
	for len(data) > 0 {
		off := addr % pageSize
		n := copy(l.page(addr, true)[off:], data)
		addr, data = addr+uint64(n), data[n:]
	}
}

func (l localMemory) read(addr uint64, b []byte) {
	for len(b) > 0 {
		off := addr % pageSize

		var n int
		if p := l.page(addr, false); p != nil {
			n = copy(b, p[off:])
		} else {
			n = int(pageSize - off)
			if n > len(b) {
				n = len(b)
			}

			clear(b[:n])
		}

		addr, b = addr+uint64(n), b[n:]
	}
}
