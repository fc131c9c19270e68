// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metrics provides Prometheus instrumentation of sensor
// sessions.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kortschak/pmdstream/pmd"
)

// Metrics holds the session counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	frames       *prometheus.CounterVec
	decodeErrors *prometheus.CounterVec
	cpFailures   *prometheus.CounterVec
	connections  *prometheus.CounterVec
	dropped      *prometheus.CounterVec
}

// New returns a Metrics registered with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmdstream_frames_total",
			Help: "Measurement frames decoded.",
		}, []string{"device", "measurement"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmdstream_decode_errors_total",
			Help: "Measurement frames that could not be decoded.",
		}, []string{"device", "measurement", "kind"}),
		cpFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmdstream_control_point_failures_total",
			Help: "Control point commands that failed.",
		}, []string{"device", "op"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmdstream_connections_total",
			Help: "Connection attempts by result.",
		}, []string{"result"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmdstream_dropped_frames_total",
			Help: "Measurement frames discarded because the stream queue was full.",
		}, []string{"device", "measurement"}),
	}
	reg.MustRegister(
		m.frames,
		m.decodeErrors,
		m.cpFailures,
		m.connections,
		m.dropped,
	)
	return m
}

// Frame records a decoded frame.
func (m *Metrics) Frame(device string, measure pmd.MeasureType) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(device, measure.String()).Inc()
}

// DecodeError records a frame decoding failure.
func (m *Metrics) DecodeError(device string, measure pmd.MeasureType, err error) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(device, measure.String(), Kind(err)).Inc()
}

// ControlPointFailure records a failed control point command.
func (m *Metrics) ControlPointFailure(device, op string) {
	if m == nil {
		return
	}
	m.cpFailures.WithLabelValues(device, op).Inc()
}

// Connection records a connection attempt.
func (m *Metrics) Connection(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.connections.WithLabelValues(result).Inc()
}

// Dropped records n frames discarded from a full stream queue.
func (m *Metrics) Dropped(device string, measure pmd.MeasureType, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.dropped.WithLabelValues(device, measure.String()).Add(float64(n))
}

// Kind returns the metric label for a decoding error.
func Kind(err error) string {
	switch {
	case errors.Is(err, pmd.ErrTruncatedFrame):
		return "truncated"
	case errors.Is(err, pmd.ErrMalformedFrame):
		return "malformed"
	case errors.Is(err, pmd.ErrUnsupportedLayout):
		return "unsupported_layout"
	case errors.Is(err, pmd.ErrProtocolMismatch):
		return "protocol_mismatch"
	default:
		return "decode"
	}
}

// Handler returns the scrape handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

// Serve serves the metrics in g on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serve(ctx, ln, g)
}

func serve(ctx context.Context, ln net.Listener, g prometheus.Gatherer) error {
	log := zerolog.Ctx(ctx)
	srv := &http.Server{
		Handler:           Handler(g),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
