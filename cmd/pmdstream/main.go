// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The pmdstream command streams measurement data from Polar sensors.
//
// Usage:
//
//	pmdstream [-config file] [-debug|-trace] [-metrics addr] [name]
//
// pmdstream scans for sensors whose advertised name contains name,
// "Polar" by default, and streams the configured measurement types
// from each sensor found until interrupted. A summary of the received
// notifications is printed on exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kortschak/pmdstream/internal/config"
	"github.com/kortschak/pmdstream/internal/forkbeard"
	"github.com/kortschak/pmdstream/internal/hci"
	"github.com/kortschak/pmdstream/internal/metrics"
	"github.com/kortschak/pmdstream/pmd"
	"github.com/kortschak/pmdstream/session"
	"github.com/kortschak/pmdstream/transport"
)

func main() {
	os.Exit(pmdstream())
}

func pmdstream() int {
	zerolog.DurationFieldUnit = time.Second
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05.000",
	})

	cfgPath := flag.String("config", "", "path to yaml configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	trace := flag.Bool("trace", false, "enable trace logging")
	metricsAddr := flag.String("metrics", "", "address to serve prometheus metrics on (overrides config)")
	quiet := flag.Bool("quiet", false, "do not print data notifications")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [options] [name]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() > 1 {
		flag.Usage()
		return 2
	}

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			log.Error().Err(err).Msg("failed to load config")
			return 1
		}
	}
	if flag.NArg() == 1 {
		cfg.Name = flag.Arg(0)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	err := cfg.Validate()
	if err != nil {
		log.Error().Err(err).Msg("invalid config")
		return 1
	}

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	switch {
	case *trace || os.Getenv("TRACE") != "":
		level = zerolog.TraceLevel
	case *debug || os.Getenv("DEBUG") != "":
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = log.Logger.WithContext(ctx)

	adapter, closeAdapter, err := newAdapter(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Str("transport", cfg.Transport).Msg("failed to initialize bluetooth")
		return 1
	}
	defer closeAdapter()

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			err := metrics.Serve(ctx, cfg.MetricsAddr, reg)
			if err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	var sink session.Sink
	if !*quiet {
		sink = session.NewTextSink(os.Stdout)
	}
	stats := session.NewStats()
	err = session.Scan(ctx, adapter, cfg.Name, cfg.ScanTimeout, session.Options{
		Streams: cfg.EnabledStreams(),
		Settings: func(mt pmd.MeasureType) []pmd.Setting {
			return cfg.Stream(mt).Settings(mt)
		},
		HeartRate:  cfg.HeartRate,
		Battery:    cfg.Battery,
		DeviceInfo: cfg.DeviceInfo,
		QueueSize:  cfg.QueueSize,
		Retry: session.Retry{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff:     cfg.Retry.Backoff,
			MaxBackoff:  cfg.Retry.MaxBackoff,
		},
		Metrics: m,
		Stats:   stats,
	}, sink)
	stats.WriteTo(os.Stdout)
	if err != nil {
		log.Error().Err(err).Msg("session failed")
		return 1
	}
	return 0
}

// newAdapter returns the configured transport and a function to
// release it.
func newAdapter(ctx context.Context, cfg *config.Config) (transport.Adapter, func(), error) {
	switch cfg.Transport {
	case config.HCI:
		a, err := hci.NewAdapter(ctx, cfg.HCIDevice)
		if err != nil {
			return nil, nil, err
		}
		return a, func() { a.Close() }, nil
	default:
		a, err := forkbeard.NewAdapter()
		if err != nil {
			return nil, nil, err
		}
		return a, func() {}, nil
	}
}
