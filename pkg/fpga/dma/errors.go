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
	"github.com/pkg/errors"
)

// Every error returned by this package wraps exactly one of these, use
// errors.Is to classify.
var (
	// ErrInvalidParameter is returned for misused or stale handles and
	// attributes that do not apply to the transfer type.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrNoDriver is returned when no DMA BBB can be found behind the port.
	ErrNoDriver = errors.New("no DMA driver")
	// ErrNoMemory is returned when a pool or the small buffer bound is
	// exhausted.
	ErrNoMemory = errors.New("out of DMA resources")
	// ErrTimeout is returned when the descriptor FIFO stays full or the
	// hardware does not complete within Config.Timeout.
	ErrTimeout = errors.New("timed out")
	// ErrHardware is returned when the engine reports an error or an early
	// termination.
	ErrHardware = errors.New("hardware error")
	// ErrNotSupported is returned for declared but unimplemented transfer
	// directions.
	ErrNotSupported = errors.New("not supported")
)

func invalidf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidParameter, format, args...)
}
