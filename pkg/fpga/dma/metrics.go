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
	"io"
	"strconv"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/atomic"
	"google.golang.org/protobuf/proto"
)

const metricsPrefix = "fpga_dma_"

type channelStats struct {
	transfers   atomic.Uint64
	bytes       atomic.Uint64
	errors      atomic.Uint64
	descriptors atomic.Uint64
}

func (s *channelStats) record(n uint64, err error) {
	s.transfers.Add(1)
	s.bytes.Add(n)

	if err != nil {
		s.errors.Add(1)
	}
}

type family struct {
	name string
	help string
	kind dto.MetricType
	get  func(c *Channel) float64
}

var channelFamilies = []family{
	{"transfers_total", "Completed transfers.", dto.MetricType_COUNTER,
		func(c *Channel) float64 { return float64(c.stats.transfers.Load()) }},
	{"bytes_total", "Bytes moved by completed transfers.", dto.MetricType_COUNTER,
		func(c *Channel) float64 { return float64(c.stats.bytes.Load()) }},
	{"errors_total", "Transfers completed with an error.", dto.MetricType_COUNTER,
		func(c *Channel) float64 { return float64(c.stats.errors.Load()) }},
	{"descriptors_total", "Descriptors written to the dispatcher.", dto.MetricType_COUNTER,
		func(c *Channel) float64 { return float64(c.stats.descriptors.Load()) }},
	{"queue_depth", "Transfers waiting in the channel queue.", dto.MetricType_GAUGE,
		func(c *Channel) float64 { return float64(c.queue.len()) }},
	{"span_page_switches_total", "Address span extender page changes.", dto.MetricType_COUNTER,
		func(c *Channel) float64 {
			if c.span == nil {
				return 0
			}

			return float64(c.span.switches.Load())
		}},
}

func sample(kind dto.MetricType, v float64, labels ...*dto.LabelPair) *dto.Metric {
	m := &dto.Metric{Label: labels}

	if kind == dto.MetricType_COUNTER {
		m.Counter = &dto.Counter{Value: proto.Float64(v)}
	} else {
		m.Gauge = &dto.Gauge{Value: proto.Float64(v)}
	}

	return m
}

func label(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: proto.String(name), Value: proto.String(value)}
}

// Metrics returns the counters of the open channels and the engine pools.
func (e *Engine) Metrics() ([]*dto.MetricFamily, error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	chans := e.openChannels()

	families := make([]*dto.MetricFamily, 0, len(channelFamilies)+2)

	for _, f := range channelFamilies {
		mf := &dto.MetricFamily{
			Name: proto.String(metricsPrefix + f.name),
			Help: proto.String(f.help),
			Type: f.kind.Enum(),
		}

		for _, c := range chans {
			mf.Metric = append(mf.Metric, sample(f.kind, f.get(c),
				label("channel", strconv.Itoa(c.desc.Index)),
				label("type", c.desc.Type.String())))
		}

		families = append(families, mf)
	}

	pools := &dto.MetricFamily{
		Name: proto.String(metricsPrefix + "pool_items_in_use"),
		Help: proto.String("Pool items checked out."),
		Type: dto.MetricType_GAUGE.Enum(),
	}

	for _, p := range []struct {
		name string
		live int
	}{
		{"bounce", e.buffers.live()},
		{"small", e.small.live()},
		{"semaphore", e.sems.live()},
		{"mutex", e.mutexes.live()},
	} {
		pools.Metric = append(pools.Metric, sample(dto.MetricType_GAUGE, float64(p.live),
			label("pool", p.name)))
	}

	host := &dto.MetricFamily{
		Name: proto.String(metricsPrefix + "host_info"),
		Help: proto.String("Host CPU running the channel workers."),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{sample(dto.MetricType_GAUGE, 1,
			label("vendor", cpuid.CPU.VendorString),
			label("brand", cpuid.CPU.BrandName),
			label("cache_line", strconv.Itoa(cpuid.CPU.CacheLine)))},
	}

	return append(families, pools, host), nil
}

// WriteMetrics writes Metrics in the Prometheus text format.
func (e *Engine) WriteMetrics(w io.Writer) error {
	families, err := e.Metrics()
	if err != nil {
		return err
	}

	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))

	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return errors.Wrapf(err, "unable to encode %s", mf.GetName())
		}
	}

	return nil
}
