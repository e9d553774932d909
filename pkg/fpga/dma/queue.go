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
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// requestQueue is a bounded ring of submitted transfers with any number of
// producers and a single consumer.
type requestQueue struct {
	slots  []*Transfer
	free   *semaphore.Weighted
	avail  chan struct{}
	mu     sync.Mutex
	rd, wr int
	queued int
	closed bool
}

func newRequestQueue(capacity int) *requestQueue {
	return &requestQueue{
		slots: make([]*Transfer, capacity),
		free:  semaphore.NewWeighted(int64(capacity)),
		avail: make(chan struct{}, capacity),
	}
}

// enqueue blocks while the ring is full.
func (q *requestQueue) enqueue(ctx context.Context, t *Transfer) error {
	if err := q.free.Acquire(ctx, 1); err != nil {
		return errors.Wrap(ErrTimeout, err.Error())
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.free.Release(1)
		return invalidf("channel is closing")
	}

	q.slots[q.wr] = t
	q.wr = (q.wr + 1) % len(q.slots)
	q.queued++

	// never blocks, avail has a slot for every free slot taken
	q.avail <- struct{}{}

	return nil
}

// dequeue blocks until a transfer is queued. After close it keeps
// returning what was queued before and then reports false.
func (q *requestQueue) dequeue() (*Transfer, bool) {
	if _, ok := <-q.avail; !ok {
		return nil, false
	}

	q.mu.Lock()
	t := q.slots[q.rd]
	q.slots[q.rd] = nil
	q.rd = (q.rd + 1) % len(q.slots)
	q.queued--
	q.mu.Unlock()

	q.free.Release(1)

	return t, true
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.queued
}

// close rejects further enqueues and terminates the consumer once the
// queued work is drained.
func (q *requestQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.avail)
	}
}
