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
	"context"
	"sync"

	"github.com/pkg/errors"
)

// interrupt coalesces the interrupts fired since the last Wait.
type interrupt struct {
	dev *Device
	ch  *channel

	mu      sync.Mutex
	pending int
	closed  bool
	signal  chan struct{}
}

func newInterrupt(dev *Device, ch *channel) *interrupt {
	return &interrupt{dev: dev, ch: ch, signal: make(chan struct{}, 1)}
}

func (i *interrupt) fire() {
	i.mu.Lock()
	i.pending++
	i.mu.Unlock()

	select {
	case i.signal <- struct{}{}:
	default:
	}
}

// Wait implements fpga.Interrupt.
func (i *interrupt) Wait(ctx context.Context) error {
	for {
		i.mu.Lock()

		if i.closed {
			i.mu.Unlock()
			return errors.New("interrupt is closed")
		}

		if i.pending > 0 {
			i.pending = 0
			i.mu.Unlock()

			return nil
		}

		i.mu.Unlock()

		select {
		case <-i.signal:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close implements fpga.Interrupt.
func (i *interrupt) Close() error {
	i.dev.mu.Lock()
	if i.ch.irq == i {
		i.ch.irq = nil
	}
	i.dev.mu.Unlock()

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return errors.New("interrupt is closed")
	}

	i.closed = true

	select {
	case i.signal <- struct{}{}:
	default:
	}

	return nil
}
