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

package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"k8s.io/klog/v2"

	"github.com/Haffon/opae-sdk/pkg/fakedma"
	"github.com/Haffon/opae-sdk/pkg/fpga"
	"github.com/Haffon/opae-sdk/pkg/fpga/dma"
)

type options struct {
	device   string
	config   string
	simulate bool
	wait     time.Duration
	channel  int
	size     uint64
	addr     uint64
	count    int
	jobs     int
	metrics  bool
}

type session struct {
	opts   options
	accel  fpga.Accelerator
	sim    *fakedma.Device
	port   *fpga.DflPort
	engine *dma.Engine
	out    *message.Printer
	closer io.Closer
}

func main() {
	var opts options

	klog.InitFlags(nil)

	flag.StringVar(&opts.device, "d", "", "Path to port device node, e.g. /dev/dfl-port.0")
	flag.StringVar(&opts.config, "config", "", "Engine configuration file (INI or YAML)")
	flag.BoolVar(&opts.simulate, "simulate", false, "Use a simulated DMA device instead of a port")
	flag.DurationVar(&opts.wait, "wait", 0, "Wait up to this long for the device node to appear")
	flag.IntVar(&opts.channel, "c", -1, "Channel index, the first one of the needed type by default")
	flag.Uint64Var(&opts.size, "n", 1<<20, "Transfer size in bytes")
	flag.Uint64Var(&opts.addr, "addr", 0, "FPGA memory address of memory mapped transfers")
	flag.IntVar(&opts.count, "count", 16, "Transfers per job of the bench command")
	flag.IntVar(&opts.jobs, "jobs", 4, "Concurrent submitters of the bench command")
	flag.BoolVar(&opts.metrics, "metrics", false, "Print engine metrics before exiting")

	flag.Parse()

	if flag.NArg() < 1 {
		klog.Fatal("Please provide command: channels, tx, rx, mm, bench")
	}

	cmd := flag.Arg(0)
	if err := validateFlags(cmd, opts); err != nil {
		klog.Fatalf("Invalid arguments: %+v", err)
	}

	s, err := newSession(opts)
	if err != nil {
		klog.Fatalf("%+v", err)
	}

	switch cmd {
	case "channels":
		err = s.channels()
	case "tx":
		err = s.tx()
	case "rx":
		err = s.rx()
	case "mm":
		err = s.mm()
	case "bench":
		err = s.bench()
	default:
		err = errors.Errorf("unknown command %+v", flag.Args())
	}

	if err == nil && opts.metrics {
		err = s.engine.WriteMetrics(os.Stdout)
	}

	err = multierr.Append(err, s.Close())
	if err != nil {
		klog.Fatalf("%+v", err)
	}
}

func validateFlags(cmd string, opts options) error {
	if opts.device == "" && !opts.simulate {
		return errors.Errorf("FPGA port device name is missing")
	}

	switch cmd {
	case "tx", "rx", "mm", "bench":
		if opts.size == 0 {
			return errors.Errorf("transfer size must not be zero")
		}
	}

	if cmd == "bench" && (opts.jobs <= 0 || opts.count <= 0) {
		return errors.Errorf("bench needs positive -jobs and -count")
	}

	return nil
}

func newSession(opts options) (*session, error) {
	cfg := dma.DefaultConfig()

	if opts.config != "" {
		var err error
		if cfg, err = dma.LoadConfig(opts.config); err != nil {
			return nil, err
		}
	}

	s := &session{
		opts: opts,
		out:  message.NewPrinter(language.English),
	}

	if opts.simulate {
		s.sim = fakedma.New()
		s.accel = s.sim
	} else {
		path := fpga.DevicePath(opts.device)

		if opts.wait > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), opts.wait)
			err := fpga.WaitForDevice(ctx, path)
			cancel()

			if err != nil {
				return nil, err
			}
		}

		port, err := fpga.NewPort(path)
		if err != nil {
			return nil, err
		}

		s.accel, s.closer, s.port = port, port, port
	}

	e, err := dma.Open(s.accel, cfg)
	if err != nil {
		if s.closer != nil {
			err = multierr.Append(err, s.closer.Close())
		}

		return nil, err
	}

	s.engine = e

	return s, nil
}

func (s *session) Close() error {
	err := s.engine.Close()

	if s.closer != nil {
		err = multierr.Append(err, s.closer.Close())
	}

	return err
}

// channel opens the channel selected by -c or the first one of type ct.
func (s *session) channel(ct dma.ChannelType) (*dma.Channel, error) {
	n, err := s.engine.EnumerateChannels(nil)
	if err != nil {
		return nil, err
	}

	descs := make([]dma.ChannelDesc, n)
	if _, err := s.engine.EnumerateChannels(descs); err != nil {
		return nil, err
	}

	for _, d := range descs {
		if s.opts.channel >= 0 && d.Index != s.opts.channel {
			continue
		}

		if d.Type != ct {
			if s.opts.channel >= 0 {
				return nil, errors.Errorf("channel %d is %s, need %s", d.Index, d.Type, ct)
			}

			continue
		}

		return s.engine.OpenChannel(d.Index)
	}

	return nil, errors.Errorf("no %s channel", ct)
}

func (s *session) channels() error {
	n, err := s.engine.EnumerateChannels(nil)
	if err != nil {
		return err
	}

	descs := make([]dma.ChannelDesc, n)
	if _, err := s.engine.EnumerateChannels(descs); err != nil {
		return err
	}

	if s.port != nil {
		s.out.Printf("port %s, AFU %s\n", s.port.GetName(), s.port.AFUID)
	}

	s.out.Printf("%d DMA channels\n", n)

	for _, d := range descs {
		s.out.Printf("  %d: %-7s offset 0x%x guid %s\n", d.Index, d.Type, d.Offset, d.GUID)
	}

	return nil
}

func (s *session) report(what string, n uint64, elapsed time.Duration) {
	rate := float64(n) / elapsed.Seconds() / (1 << 20)

	s.out.Printf("%s: %d bytes in %v, %.1f MiB/s\n", what, n, elapsed.Round(time.Microsecond), rate)
}

func pattern(n uint64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i) ^ byte(i>>8)
	}

	return b
}

func (s *session) tx() error {
	c, err := s.channel(dma.TxStreaming)
	if err != nil {
		return err
	}

	t, err := c.TransferInit()
	if err != nil {
		return err
	}
	defer t.Destroy()

	err = multierr.Combine(
		t.SetSrcBuffer(pattern(s.opts.size)),
		t.SetLen(s.opts.size),
		t.SetTxControl(dma.GenerateSOPAndEOP),
	)
	if err != nil {
		return err
	}

	start := time.Now()

	if err := c.Submit(t); err != nil {
		return err
	}

	n, _ := t.BytesTransferred()
	s.report("tx", n, time.Since(start))

	return nil
}

func (s *session) rx() error {
	c, err := s.channel(dma.RxStreaming)
	if err != nil {
		return err
	}

	if s.sim != nil {
		s.sim.Feed(c.Index(), pattern(s.opts.size), true)
	}

	buf := make([]byte, s.opts.size)
	start := time.Now()

	t, err := c.PostRxBuffer(buf, dma.EndOnEOP)
	if err != nil {
		return err
	}
	defer t.Destroy()

	if err := t.Wait(context.Background()); err != nil {
		return err
	}

	n, _ := t.BytesTransferred()
	eop, _ := t.EOPArrived()

	s.report("rx", n, time.Since(start))
	s.out.Printf("end of packet: %t\n", eop)

	return nil
}

func (s *session) mmTransfer(c *dma.Channel, tt dma.TransferType, buf []byte) (time.Duration, error) {
	t, err := c.TransferInit()
	if err != nil {
		return 0, err
	}
	defer t.Destroy()

	err = multierr.Combine(t.SetTransferType(tt), t.SetLen(uint64(len(buf))))
	if tt == dma.HostToFpgaMM {
		err = multierr.Combine(err, t.SetSrcBuffer(buf), t.SetDst(s.opts.addr))
	} else {
		err = multierr.Combine(err, t.SetSrc(s.opts.addr), t.SetDstBuffer(buf))
	}

	if err != nil {
		return 0, err
	}

	start := time.Now()
	err = c.Submit(t)

	return time.Since(start), err
}

func (s *session) mm() error {
	c, err := s.channel(dma.MemoryMapped)
	if err != nil {
		return err
	}

	data := pattern(s.opts.size)

	elapsed, err := s.mmTransfer(c, dma.HostToFpgaMM, data)
	if err != nil {
		return err
	}

	s.report("host to fpga", s.opts.size, elapsed)

	back := make([]byte, s.opts.size)

	if elapsed, err = s.mmTransfer(c, dma.FpgaToHostMM, back); err != nil {
		return err
	}

	s.report("fpga to host", s.opts.size, elapsed)

	if !bytes.Equal(data, back) {
		return errors.Errorf("data read back from 0x%x differs", s.opts.addr)
	}

	return nil
}

// bench runs -jobs submitters of -count callback transfers each on the
// memory mapped channel.
func (s *session) bench() error {
	c, err := s.channel(dma.MemoryMapped)
	if err != nil {
		return err
	}

	data := pattern(s.opts.size)
	start := time.Now()

	var g errgroup.Group

	for j := 0; j < s.opts.jobs; j++ {
		g.Go(func() error {
			done := make(chan error, s.opts.count)

			for i := 0; i < s.opts.count; i++ {
				t, err := c.TransferInit()
				if err != nil {
					return err
				}

				err = multierr.Combine(
					t.SetTransferType(dma.HostToFpgaMM),
					t.SetSrcBuffer(data),
					t.SetDst(s.opts.addr),
					t.SetLen(s.opts.size),
					t.SetCallback(func(ctx interface{}, err error) {
						done <- multierr.Append(err, ctx.(*dma.Transfer).Destroy())
					}, t),
				)
				if err == nil {
					err = c.Submit(t)
				}

				if err != nil {
					_ = t.Destroy()
					return err
				}
			}

			var errs error
			for i := 0; i < s.opts.count; i++ {
				errs = multierr.Append(errs, <-done)
			}

			return errs
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	s.report("bench", s.opts.size*uint64(s.opts.jobs*s.opts.count), time.Since(start))

	return nil
}
