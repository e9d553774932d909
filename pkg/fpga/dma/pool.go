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
	"container/list"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/Haffon/opae-sdk/pkg/fpga"
)

type poolKind int

const (
	kindBuffer poolKind = iota
	kindSemaphore
	kindMutex
)

func (k poolKind) String() string {
	switch k {
	case kindBuffer:
		return "buffer"
	case kindSemaphore:
		return "semaphore"
	case kindMutex:
		return "mutex"
	}

	return "unknown"
}

// poolHeader is carried by every pooled item. The generation changes on
// every acquire, so a handle kept after release no longer matches.
type poolHeader struct {
	kind  poolKind
	gen   uint64
	inUse bool
	elem  *list.Element
}

type poolItem[T any] struct {
	poolHeader
	value T
}

// handle is the only way to reach a pooled value.
type handle[T any] struct {
	item *poolItem[T]
	gen  uint64
}

func (h handle[T]) valid() bool { return h.item != nil }

// pool is a bounded free list. Items are created on demand up to limit and
// never freed before destroy.
type pool[T any] struct {
	kind      poolKind
	limit     int
	create    func() (T, error)
	free      func(T) error
	log       logr.Logger
	mu        sync.Mutex
	idle      *list.List
	busy      *list.List
	creating  int
	destroyed bool
}

func newPool[T any](kind poolKind, limit int, log logr.Logger, create func() (T, error), free func(T) error) *pool[T] {
	return &pool[T]{
		kind:   kind,
		limit:  limit,
		create: create,
		free:   free,
		log:    log.WithValues("pool", kind.String()),
		idle:   list.New(),
		busy:   list.New(),
	}
}

// acquire returns an idle item accepted by fit or a new one.
// * Return: ErrNoMemory when limit items are live and none fits.
func (p *pool[T]) acquire(fit func(T) bool) (handle[T], error) {
	p.mu.Lock()

	if p.destroyed {
		p.mu.Unlock()
		return handle[T]{}, invalidf("%s pool is destroyed", p.kind)
	}

	for e := p.idle.Front(); e != nil; e = e.Next() {
		item := e.Value.(*poolItem[T])
		if fit == nil || fit(item.value) {
			p.idle.Remove(e)
			h := p.checkout(item)
			p.mu.Unlock()

			return h, nil
		}
	}

	if p.idle.Len()+p.busy.Len()+p.creating >= p.limit {
		p.mu.Unlock()
		return handle[T]{}, errors.Wrapf(ErrNoMemory, "%s pool limit %d reached", p.kind, p.limit)
	}

	// Pinning may take long, the slot is reserved while the lock is free.
	p.creating++
	p.mu.Unlock()

	v, err := p.create()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.creating--

	if err != nil {
		return handle[T]{}, errors.Wrap(ErrNoMemory, err.Error())
	}

	if p.destroyed {
		if p.free != nil {
			err = p.free(v)
		}

		return handle[T]{}, multierr.Append(invalidf("%s pool is destroyed", p.kind), err)
	}

	return p.checkout(&poolItem[T]{poolHeader: poolHeader{kind: p.kind}, value: v}), nil
}

func (p *pool[T]) checkout(item *poolItem[T]) handle[T] {
	item.gen++
	item.inUse = true
	item.elem = p.busy.PushBack(item)

	return handle[T]{item: item, gen: item.gen}
}

// release returns the item to the idle list. Stale handles are rejected.
func (p *pool[T]) release(h handle[T]) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(h); err != nil {
		p.log.Error(err, "rejected release")
		return err
	}

	p.busy.Remove(h.item.elem)
	h.item.inUse = false
	h.item.elem = p.idle.PushBack(h.item)

	return nil
}

func (p *pool[T]) check(h handle[T]) error {
	switch {
	case h.item == nil:
		return invalidf("nil %s handle", p.kind)
	case p.destroyed:
		return invalidf("%s pool is destroyed", p.kind)
	case h.item.kind != p.kind:
		return invalidf("%s handle passed to %s pool", h.item.kind, p.kind)
	case !h.item.inUse || h.item.gen != h.gen:
		return invalidf("stale %s handle, generation %d, current %d", p.kind, h.gen, h.item.gen)
	}

	return nil
}

// get dereferences a handle.
func (p *pool[T]) get(h handle[T]) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(h); err != nil {
		var zero T
		return zero, err
	}

	return h.item.value, nil
}

func (p *pool[T]) live() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.busy.Len()
}

// destroy frees every item. Items still checked out are freed as well and
// their handles become invalid.
func (p *pool[T]) destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return nil
	}

	p.destroyed = true

	if n := p.busy.Len(); n > 0 {
		p.log.Info("destroying pool with live items", "live", n)
	}

	var err error

	for _, l := range []*list.List{p.busy, p.idle} {
		for e := l.Front(); e != nil; e = e.Next() {
			item := e.Value.(*poolItem[T])
			item.inUse = false

			if p.free != nil {
				err = multierr.Append(err, p.free(item.value))
			}
		}

		l.Init()
	}

	return err
}

// buffer is a pinned host memory region.
type buffer struct {
	mem  []byte
	wsid uint64
	iova uint64
}

func (b *buffer) size() uint64 { return uint64(len(b.mem)) }

type bufferPool = pool[*buffer]

func newBufferPool(pinner fpga.BufferPinner, limit int, size uint64, log logr.Logger) *bufferPool {
	create := func() (*buffer, error) {
		mem, wsid, err := pinner.PrepareBuffer(size)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to pin %d bytes", size)
		}

		iova, err := pinner.GetIOAddress(wsid)
		if err != nil {
			return nil, multierr.Append(errors.Wrap(err, "no IO address"), pinner.ReleaseBuffer(wsid))
		}

		return &buffer{mem: mem, wsid: wsid, iova: iova}, nil
	}

	free := func(b *buffer) error {
		return pinner.ReleaseBuffer(b.wsid)
	}

	return newPool(kindBuffer, limit, log, create, free)
}

func bufferFits(size uint64) func(*buffer) bool {
	return func(b *buffer) bool { return b.size() >= size }
}

// Semaphores are binary, one completion signal per submission.
func newSemaphorePool(limit int, log logr.Logger) *pool[chan struct{}] {
	return newPool(kindSemaphore, limit, log, func() (chan struct{}, error) {
		return make(chan struct{}, 1), nil
	}, nil)
}

func newMutexPool(limit int, log logr.Logger) *pool[*sync.Mutex] {
	return newPool(kindMutex, limit, log, func() (*sync.Mutex, error) {
		return &sync.Mutex{}, nil
	}, nil)
}
