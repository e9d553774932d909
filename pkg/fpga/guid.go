// Copyright 2020 Intel Corporation. All Rights Reserved.
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

package fpga

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// CanonizeID canonizes Interface and AFU ids.
func CanonizeID(id string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(id), "-", ""))
}

// ParseGUID converts an AFU or feature id as reported by sysfs, with or
// without dashes, into its high and low 64 bit halves.
func ParseGUID(id string) (hi, lo uint64, err error) {
	bin, err := hex.DecodeString(CanonizeID(id))
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to decode %q", id)
	}

	if len(bin) != 16 {
		return 0, 0, errors.Errorf("%q is %d bytes long, expected 16", id, len(bin))
	}

	return binary.BigEndian.Uint64(bin[:8]), binary.BigEndian.Uint64(bin[8:]), nil
}
