// Package main generates allocation load against the pooled memory allocator
// and exposes its statistics.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/NVIDIA/pma/cmn"
	"github.com/NVIDIA/pma/cmn/cos"
	"github.com/NVIDIA/pma/cmn/nlog"
	"github.com/NVIDIA/pma/hk"
	"github.com/NVIDIA/pma/memsys"
	"github.com/NVIDIA/pma/stats"
	"github.com/NVIDIA/pma/stats/statsd"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var flags struct {
	config    string
	duration  time.Duration
	workers   int
	minSize   string
	maxSize   string
	hold      int
	directPct int
	listen    string
	statsd    string
	logDir    string
	help      bool
}

const helpMsg = `Build:
	go install ./cmd/pmaload

Examples:
	pmaload -h                                          - show usage
	pmaload -duration=1m -workers=16                    - default config, sizes 16B to 64KiB
	pmaload -config=/etc/pma.yaml -min=8K -max=4M       - config file, normal sizes only
	pmaload -listen=:9090 -duration=10m                 - serve Prometheus metrics at :9090/metrics
	pmaload -statsd=localhost:8125                      - send StatsD gauges every 10s
`

func main() {
	newFlag := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	newFlag.StringVar(&flags.config, "config", "", "allocator config (.json, .yaml); defaults otherwise")
	newFlag.DurationVar(&flags.duration, "duration", 30*time.Second, "load duration")
	newFlag.IntVar(&flags.workers, "workers", 8, "number of workers, each with its own cache")
	newFlag.StringVar(&flags.minSize, "min", "16B", "min buffer size (IEC units)")
	newFlag.StringVar(&flags.maxSize, "max", "64KiB", "max buffer size (IEC units)")
	newFlag.IntVar(&flags.hold, "hold", 64, "max number of buffers each worker holds at any time")
	newFlag.IntVar(&flags.directPct, "direct", 25, "percentage of direct buffers")
	newFlag.StringVar(&flags.listen, "listen", "", "Prometheus endpoint, e.g. :9090")
	newFlag.StringVar(&flags.statsd, "statsd", "", "StatsD server host:port")
	newFlag.StringVar(&flags.logDir, "logdir", "", "log directory (stderr when empty)")
	newFlag.BoolVar(&flags.help, "h", false, "print usage and exit")
	nlog.InitFlags(newFlag)
	newFlag.Parse(os.Args[1:])

	if flags.help {
		fmt.Print(helpMsg)
		os.Exit(0)
	}
	if flags.logDir != "" {
		nlog.SetLogDir(flags.logDir)
		nlog.SetTitle(fmt.Sprintf("pmaload: %s, pid %d\n", strings.Join(os.Args[1:], " "), os.Getpid()))
	}
	err := run()
	nlog.Flush(true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	config := cmn.DefaultConfig()
	if flags.config != "" {
		c, err := cmn.LoadConfig(flags.config)
		if err != nil {
			return err
		}
		config = c
	} else if err := config.ApplyEnv(); err != nil {
		return err
	}
	minSize, err := cos.ParseSize(flags.minSize)
	if err != nil {
		return err
	}
	maxSize, err := cos.ParseSize(flags.maxSize)
	if err != nil {
		return err
	}
	if minSize < 0 || maxSize <= minSize {
		return fmt.Errorf("invalid size range [%s, %s)", flags.minSize, flags.maxSize)
	}

	mm, err := memsys.New(config)
	if err != nil {
		return err
	}
	defer mm.Terminate()
	nlog.Infoln(mm.String())

	hk.Init()
	go hk.HK.Run()
	hk.WaitStarted()
	defer hk.HK.Stop(nil)
	mm.RegWithHK()
	defer mm.UnregWithHK()

	if flags.listen != "" {
		srv := serveMetrics(mm)
		defer srv.Close()
	}
	if flags.statsd != "" {
		r, err := newStatsD(mm)
		if err != nil {
			return err
		}
		r.RegWithHK()
		defer r.UnregWithHK()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancel = context.WithTimeout(ctx, flags.duration)
	defer cancel()

	var (
		started = time.Now()
		g, gctx = errgroup.WithContext(ctx)
		counts  = make([]int64, flags.workers)
	)
	for i := range flags.workers {
		g.Go(func() error {
			n, err := worker(gctx, mm, int(minSize), int(maxSize))
			counts[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	elapsed := time.Since(started)
	nlog.Infof("%d allocations in %v (%.0f/s)", total, elapsed, float64(total)/elapsed.Seconds())
	fmt.Println(mm.DumpStats())
	return nil
}

func worker(ctx context.Context, mm *memsys.Allocator, minSize, maxSize int) (n int64, err error) {
	var (
		tc   = mm.NewThreadCache()
		held = make([]*memsys.Buf, 0, flags.hold)
	)
	defer func() {
		for _, buf := range held {
			buf.Release()
		}
		tc.Close()
	}()
	for ctx.Err() == nil {
		var (
			buf  *memsys.Buf
			size = minSize + rand.IntN(maxSize-minSize)
		)
		if rand.IntN(100) < flags.directPct {
			buf, err = tc.DirectBuffer(size)
		} else {
			buf, err = tc.HeapBuffer(size)
		}
		if err != nil {
			return n, err
		}
		n++
		if b := buf.Bytes(); len(b) > 0 {
			b[0], b[len(b)-1] = 0xa, 0xb
		}
		held = append(held, buf)
		if len(held) >= flags.hold {
			i := rand.IntN(len(held))
			held[i].Release()
			held[i] = held[len(held)-1]
			held = held[:len(held)-1]
		}
	}
	return n, nil
}

func serveMetrics(mm *memsys.Allocator) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(stats.NewCollector(mm, mm.Name))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: flags.listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			nlog.Errorln("metrics endpoint", flags.listen, "failed:", err)
		}
	}()
	nlog.Infoln("serving metrics at", flags.listen+"/metrics")
	return srv
}

func newStatsD(mm *memsys.Allocator) (*stats.StatsD, error) {
	host, sport, err := net.SplitHostPort(flags.statsd)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(sport)
	if err != nil {
		return nil, err
	}
	client, err := statsd.New(host, port, "pma")
	if err != nil {
		return nil, err
	}
	return stats.NewStatsD(mm, client, mm.Name, 10*time.Second), nil
}
