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
	"fmt"

	"github.com/klauspost/cpuid/v2"
)

// hostInfo summarizes the CPU features that matter for bounce copies.
func hostInfo() string {
	c := cpuid.CPU

	return fmt.Sprintf("%s, %d cores, %dB cache line, avx2=%t avx512=%t",
		c.BrandName, c.PhysicalCores, c.CacheLine,
		c.Supports(cpuid.AVX2), c.Supports(cpuid.AVX512F))
}
