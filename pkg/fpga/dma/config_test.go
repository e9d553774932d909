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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestLoadConfig(t *testing.T) {
	tcases := []struct {
		name        string
		file        string
		content     string
		expected    func(cfg *Config)
		expectedErr bool
	}{
		{
			name: "yaml",
			file: "dma.yaml",
			content: `queueCapacity: 16
timeout: 2s
useInterrupts: false
workerCPUs: "0-1"
`,
			expected: func(cfg *Config) {
				cfg.QueueCapacity = 16
				cfg.Timeout = 2 * time.Second
				cfg.UseInterrupts = false
				cfg.WorkerCPUs = "0-1"
			},
		},
		{
			name:        "yaml unknown key",
			file:        "dma.yml",
			content:     "queueDepth: 3\n",
			expectedErr: true,
		},
		{
			name: "ini",
			file: "dma.conf",
			content: `[dma]
MaxSmallBuffers = 2
PollInterval = 1ms
UseInterrupts = false
`,
			expected: func(cfg *Config) {
				cfg.MaxSmallBuffers = 2
				cfg.PollInterval = time.Millisecond
				cfg.UseInterrupts = false
			},
		},
		{
			name:        "ini garbage number",
			file:        "dma.ini",
			content:     "[dma]\nQueueCapacity = lots\n",
			expectedErr: true,
		},
		{
			name:        "invalid value",
			file:        "dma.yaml",
			content:     "queueCapacity: 0\n",
			expectedErr: true,
		},
		{
			name:        "invalid CPU list",
			file:        "dma.ini",
			content:     "[dma]\nWorkerCPUs = 3-1\n",
			expectedErr: true,
		},
	}

	for _, tt := range tcases {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}

			cfg, err := LoadConfig(path)
			if tt.expectedErr {
				if err == nil {
					t.Error("no error returned")
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %+v", err)
			}

			expected := DefaultConfig()
			tt.expected(&expected)

			if diff := cmp.Diff(expected, cfg, cmpopts.IgnoreTypes(logr.Logger{})); diff != "" {
				t.Errorf("unexpected config (-want +got):\n%s", diff)
			}
		})
	}
}
