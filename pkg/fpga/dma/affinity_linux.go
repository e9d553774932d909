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

package dma

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// setAffinity binds the calling OS thread to cpus. The caller must hold
// the thread with runtime.LockOSThread.
func setAffinity(cpus []int) error {
	var set unix.CPUSet

	set.Zero()

	for _, cpu := range cpus {
		set.Set(cpu)
	}

	return errors.WithStack(unix.SchedSetaffinity(0, &set))
}
