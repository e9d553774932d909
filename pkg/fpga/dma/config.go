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
	"strings"
	"time"

	"github.com/go-ini/ini"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/Haffon/opae-sdk/pkg/fpga"
)

const (
	// DescriptorMaxLength is the largest length carried by one descriptor.
	DescriptorMaxLength = 2 << 20
	// SmallBufferMaxSize bounds buffers of the small transfer path.
	SmallBufferMaxSize = DescriptorMaxLength

	defaultQueueCapacity    = 100000
	defaultTimeout          = 120 * time.Second
	defaultPollInterval     = 10 * time.Microsecond
	defaultMaxPinnedBuffers = 64
	defaultMaxSmallBuffers  = 4
	defaultMaxSyncObjects   = 4096

	iniSection = "dma"
)

// Config holds the tunables of an Engine.
type Config struct {
	// Log receives engine and channel logs, klog by default.
	Log logr.Logger `yaml:"-"`
	// WorkerCPUs restricts completion workers to a kernel style CPU list.
	// Empty means the CPUs local to the device when it can tell.
	WorkerCPUs string `yaml:"workerCPUs"`
	// QueueCapacity bounds the requests queued on one channel.
	QueueCapacity int `yaml:"queueCapacity"`
	// Timeout bounds every descriptor FIFO and completion wait.
	Timeout time.Duration `yaml:"timeout"`
	// PollInterval is the first status poll interval. It backs off up to a
	// hundred times the value.
	PollInterval time.Duration `yaml:"pollInterval"`
	// MaxPinnedBuffers bounds the bounce buffers pinned by the engine.
	MaxPinnedBuffers int `yaml:"maxPinnedBuffers"`
	// MaxSmallBuffers bounds live buffers of the small transfer path.
	MaxSmallBuffers int `yaml:"maxSmallBuffers"`
	// MaxSyncObjects bounds the completion semaphores and mutexes, thus the
	// number of live transfers.
	MaxSyncObjects int `yaml:"maxSyncObjects"`
	// UseInterrupts selects interrupt driven completion, status polling
	// is used when false or when the port has no user interrupts.
	UseInterrupts bool `yaml:"useInterrupts"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Log:              klog.Background(),
		QueueCapacity:    defaultQueueCapacity,
		Timeout:          defaultTimeout,
		PollInterval:     defaultPollInterval,
		MaxPinnedBuffers: defaultMaxPinnedBuffers,
		MaxSmallBuffers:  defaultMaxSmallBuffers,
		MaxSyncObjects:   defaultMaxSyncObjects,
		UseInterrupts:    true,
	}
}

// LoadConfig reads a configuration file on top of the defaults. YAML is
// used for .yaml and .yml files, INI with a [dma] section otherwise.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "unable to read %s", path)
		}

		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "unable to parse %s", path)
		}
	default:
		file, err := ini.Load(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "unable to load %s", path)
		}

		if err := cfg.update(file.Section(iniSection)); err != nil {
			return cfg, err
		}
	}

	return cfg, cfg.validate()
}

func (cfg *Config) update(section *ini.Section) error {
	ints := map[string]*int{
		"QueueCapacity":    &cfg.QueueCapacity,
		"MaxPinnedBuffers": &cfg.MaxPinnedBuffers,
		"MaxSmallBuffers":  &cfg.MaxSmallBuffers,
		"MaxSyncObjects":   &cfg.MaxSyncObjects,
	}
	for name, v := range ints {
		if !section.HasKey(name) {
			continue
		}

		n, err := section.Key(name).Int()
		if err != nil {
			return errors.Wrapf(err, "Can't parse %s in [%s]", name, section.Name())
		}

		*v = n
	}

	durations := map[string]*time.Duration{
		"Timeout":      &cfg.Timeout,
		"PollInterval": &cfg.PollInterval,
	}
	for name, v := range durations {
		if !section.HasKey(name) {
			continue
		}

		d, err := section.Key(name).Duration()
		if err != nil {
			return errors.Wrapf(err, "Can't parse %s in [%s]", name, section.Name())
		}

		*v = d
	}

	if section.HasKey("UseInterrupts") {
		b, err := section.Key("UseInterrupts").Bool()
		if err != nil {
			return errors.Wrapf(err, "Can't parse UseInterrupts in [%s]", section.Name())
		}

		cfg.UseInterrupts = b
	}

	if section.HasKey("WorkerCPUs") {
		cfg.WorkerCPUs = section.Key("WorkerCPUs").String()
	}

	return nil
}

func (cfg *Config) validate() error {
	switch {
	case cfg.QueueCapacity <= 0:
		return invalidf("queue capacity %d", cfg.QueueCapacity)
	case cfg.Timeout <= 0:
		return invalidf("timeout %v", cfg.Timeout)
	case cfg.PollInterval <= 0:
		return invalidf("poll interval %v", cfg.PollInterval)
	case cfg.MaxPinnedBuffers <= 0:
		return invalidf("max pinned buffers %d", cfg.MaxPinnedBuffers)
	case cfg.MaxSmallBuffers <= 0:
		return invalidf("max small buffers %d", cfg.MaxSmallBuffers)
	case cfg.MaxSyncObjects <= 0:
		return invalidf("max sync objects %d", cfg.MaxSyncObjects)
	}

	if _, err := cfg.workerCPUs(); err != nil {
		return errors.Wrap(ErrInvalidParameter, err.Error())
	}

	return nil
}

func (cfg *Config) workerCPUs() ([]int, error) {
	if strings.TrimSpace(cfg.WorkerCPUs) == "" {
		return nil, nil
	}

	return fpga.ParseCPUList(cfg.WorkerCPUs)
}
