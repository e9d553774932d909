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
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Longest single poll(2), so that cancellation without a deadline is noticed.
const maxPollSlice = 100 * time.Millisecond

// eventInterrupt is a semaphore eventfd bound to a user interrupt vector.
// Every interrupt increments the counter and every Wait consumes one.
type eventInterrupt struct {
	port   *DflPort
	vector uint32
	fd     int

	closeOnce sync.Once
}

func pollTimeout(ctx context.Context) int {
	slice := maxPollSlice

	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < slice {
			slice = left
		}
	}

	if slice < 0 {
		return 0
	}

	return int(slice / time.Millisecond)
}

func (e *eventInterrupt) Wait(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}
	buf := make([]byte, 8)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := unix.Poll(fds, pollTimeout(ctx))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return errors.Wrapf(err, "poll on interrupt %d", e.vector)
		}

		if n == 0 {
			continue
		}

		if _, err := unix.Read(e.fd, buf); err != nil {
			if errors.Is(err, unix.EAGAIN) {
				continue
			}

			return errors.Wrapf(err, "read interrupt %d", e.vector)
		}

		return nil
	}
}

// Close unbinds the vector and closes the eventfd.
func (e *eventInterrupt) Close() error {
	var err error

	e.closeOnce.Do(func() {
		// a negative fd unbinds the vector
		unbindErr := e.port.setIRQ(e.vector, -1)
		err = unix.Close(e.fd)

		if unbindErr != nil {
			err = unbindErr
		}
	})

	return err
}
