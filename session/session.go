// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session orchestrates measurement sessions with Polar sensors.
//
// A session connects to a discovered sensor, reads its PFC and PMD
// features, starts the requested measurement streams and forwards
// decoded frames to a Sink until it is cancelled. Lost links are
// reconnected.
package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kortschak/pmdstream/battery"
	"github.com/kortschak/pmdstream/devinfo"
	"github.com/kortschak/pmdstream/heart"
	"github.com/kortschak/pmdstream/internal/metrics"
	"github.com/kortschak/pmdstream/pfc"
	"github.com/kortschak/pmdstream/pmd"
	"github.com/kortschak/pmdstream/transport"
)

// DefaultCommandTimeout is the control point exchange timeout used
// when none is configured.
const DefaultCommandTimeout = 5 * time.Second

// State is the connection state of a Device.
type State uint8

//go:generate go tool golang.org/x/tools/cmd/stringer -type State
const (
	Discovered State = iota
	Connecting
	Connected
	Disconnected
)

// Device is a discovered sensor.
type Device struct {
	Name    string
	Address string

	adv transport.Advertisement

	mu    sync.Mutex
	state State
}

// NewDevice returns a Device for the advertisement.
func NewDevice(adv transport.Advertisement) *Device {
	return &Device{Name: adv.Name, Address: adv.Address, adv: adv}
}

// State returns the current connection state of the device.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Device) String() string {
	if d.Name == "" {
		return d.Address
	}
	return d.Name
}

// ConnectionError is returned when a device could not be connected
// within the allowed number of attempts.
type ConnectionError struct {
	Device   string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s after %d attempts: %v", e.Device, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Retry holds connection retry parameters.
type Retry struct {
	// MaxAttempts is the number of connection attempts. Zero
	// retries until the session is cancelled.
	MaxAttempts int
	// Backoff is the delay before the first retry. The
	// delay doubles with each attempt up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// delay returns the delay before retry n, counting from zero.
func (r Retry) delay(n int) time.Duration {
	if r.Backoff <= 0 {
		return 0
	}
	d := r.Backoff
	for range n {
		if d > math.MaxInt64/2 || (r.MaxBackoff > 0 && d >= r.MaxBackoff) {
			break
		}
		d <<= 1
	}
	if r.MaxBackoff > 0 && d > r.MaxBackoff {
		d = r.MaxBackoff
	}
	return d
}

// Options configures a session.
type Options struct {
	// Streams lists the measurement types to start when
	// supported by the sensor.
	Streams []pmd.MeasureType
	// Settings returns the start settings for a stream. A nil
	// Settings uses pmd.DefaultSettings.
	Settings func(pmd.MeasureType) []pmd.Setting

	HeartRate  bool
	Battery    bool
	DeviceInfo bool

	// QueueSize is the number of undecoded frames held for
	// each stream.
	QueueSize int

	Retry Retry

	// CommandTimeout bounds each control point exchange.
	// Zero uses DefaultCommandTimeout.
	CommandTimeout time.Duration

	Metrics *metrics.Metrics
	Stats   *Stats
}

func (o Options) settings(m pmd.MeasureType) []pmd.Setting {
	if o.Settings == nil {
		return pmd.DefaultSettings(m)
	}
	return o.Settings(m)
}

func (o Options) commandTimeout() time.Duration {
	if o.CommandTimeout <= 0 {
		return DefaultCommandTimeout
	}
	return o.CommandTimeout
}

// Scan scans for devices whose advertised name contains name, running
// a session for each newly seen device until ctx is done. Scanning stops
// after scanTimeout if it is positive, but running sessions continue.
// Scan returns the first session error after all sessions have ended.
func Scan(ctx context.Context, adapter transport.Adapter, name string, scanTimeout time.Duration, opts Options, sink Sink) error {
	log := zerolog.Ctx(ctx)

	var (
		scanCtx context.Context
		cancel  context.CancelFunc
	)
	if scanTimeout > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, scanTimeout)
	} else {
		scanCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	log.Info().Str("name", name).Msg("scanning")
	advs, err := adapter.Scan(scanCtx, transport.NameContains(name))
	if err != nil {
		return errors.Wrap(err, "failed to start scan")
	}

	var g errgroup.Group
	seen := make(map[string]bool)
	for adv := range advs {
		if seen[adv.Address] {
			continue
		}
		seen[adv.Address] = true
		dev := NewDevice(adv)
		log.Info().Str("device", dev.Name).Str("addr", dev.Address).Int("rssi", adv.RSSI).Msg("found device")
		g.Go(func() error {
			return Run(ctx, adapter, dev, opts, sink)
		})
	}
	log.Debug().Int("devices", len(seen)).Msg("scan finished")
	return g.Wait()
}

// Run runs a session with dev until ctx is done, reconnecting when the
// link is lost. It returns nil when ctx is cancelled, a *ConnectionError
// when the device can not be connected, or the error that prevented the
// session from being set up.
func Run(ctx context.Context, adapter transport.Adapter, dev *Device, opts Options, sink Sink) error {
	if sink == nil {
		sink = discard{}
	}
	log := zerolog.Ctx(ctx).With().Str("device", dev.Name).Str("addr", dev.Address).Logger()
	ctx = log.WithContext(ctx)

	for {
		conn, err := connect(ctx, adapter, dev, opts)
		if err != nil {
			dev.setState(Disconnected)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Info().Msg("connected")
		lost, err := run(ctx, conn, dev, opts, sink)
		dev.setState(Disconnected)
		switch {
		case ctx.Err() != nil:
			log.Info().Msg("session stopped")
			return nil
		case lost:
			log.Warn().Err(err).Msg("connection lost, reconnecting")
		default:
			return errors.Wrapf(err, "session with %s failed", dev)
		}
	}
}

// connect connects to dev, retrying with exponential backoff.
func connect(ctx context.Context, adapter transport.Adapter, dev *Device, opts Options) (transport.Conn, error) {
	log := zerolog.Ctx(ctx)
	var (
		attempt int
		last    error
	)
	for opts.Retry.MaxAttempts == 0 || attempt < opts.Retry.MaxAttempts {
		if attempt > 0 {
			backoff := opts.Retry.delay(attempt - 1)
			log.Debug().Dur("backoff", backoff).Int("attempt", attempt+1).Msg("backing off before retry")
			select {
			case <-ctx.Done():
				return nil, &ConnectionError{Device: dev.String(), Attempts: attempt, Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}
		attempt++
		dev.setState(Connecting)
		conn, err := adapter.Connect(ctx, dev.adv)
		opts.Metrics.Connection(err)
		if err == nil {
			dev.setState(Connected)
			return conn, nil
		}
		last = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("connection failed")
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &ConnectionError{Device: dev.String(), Attempts: attempt, Err: last}
}

// run runs a single connection until ctx is done or the link is lost.
// It reports whether the link was lost.
func run(ctx context.Context, conn transport.Conn, dev *Device, opts Options, sink Sink) (lost bool, err error) {
	log := zerolog.Ctx(ctx)
	defer func() {
		// Setup failures may be caused by the link dropping.
		if err != nil && isClosed(conn.Disconnected()) {
			lost = true
		}
		conn.Disconnect()
	}()

	has := discover(ctx, conn)
	if !has(pmd.ServiceID) {
		return false, errors.Wrapf(transport.ErrNotFound, "pmd service %s", pmd.ServiceID)
	}

	if opts.DeviceInfo && has(devinfo.ServiceID) {
		info, err := devinfo.Read(ctx, conn)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read device information")
		} else {
			log.Info().Stringer("info", info).Msg("device information")
			sink.DeviceInfo(dev, info)
		}
	}

	if has(pfc.ServiceID) {
		flags, err := pfc.Read(ctx, conn)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read pfc features")
		} else {
			log.Info().Stringer("pfc", flags).Msg("pfc features")
			stop, err := pfc.Watch(ctx, conn, func(r pfc.Response, err error) {
				if err != nil {
					log.Warn().Err(err).Msg("invalid pfc control point response")
					return
				}
				if r.Err() != nil {
					opts.Metrics.ControlPointFailure(dev.String(), "pfc_"+r.Op.String())
				}
				log.Info().Stringer("response", r).Msg("pfc control point")
			})
			if err != nil {
				log.Warn().Err(err).Msg("failed to watch pfc control point")
			} else {
				defer stop()
			}
		}
	}

	if opts.Battery && has(battery.ServiceID) {
		level, err := battery.Level(ctx, conn)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read battery level")
		} else {
			sink.Battery(dev, level)
		}
	}

	if opts.HeartRate && has(heart.RateServiceID) {
		hr, err := heart.NewRateListener(ctx, conn, func(r heart.Rate, err error) {
			if err != nil {
				log.Debug().Err(err).Msg("heart rate")
				return
			}
			opts.Stats.HeartRate(dev.String(), r.HR)
			sink.HeartRate(dev, r)
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to start heart rate notifications")
		} else {
			defer hr.Close()
		}
	}

	l, err := pmd.NewListener(ctx, conn, pmd.Options{QueueSize: opts.QueueSize})
	if err != nil {
		return false, errors.Wrap(err, "failed to start pmd listener")
	}
	log.Info().Stringer("pmd", l.Features()).Interface("types", pmd.Descriptors(l.Features().Types())).Msg("pmd features")

	var (
		g       errgroup.Group
		started []pmd.MeasureType
	)
	supported := l.Features().Support()
	for _, m := range opts.Streams {
		if !supported.Has(m) {
			log.Debug().Stringer("measure", m).Msg("stream not supported by sensor")
			continue
		}
		s, err := start(ctx, l, dev, m, opts)
		if err != nil {
			log.Warn().Err(err).Stringer("measure", m).Msg("failed to start stream")
			if isClosed(conn.Disconnected()) {
				break
			}
			continue
		}
		started = append(started, m)
		g.Go(func() error {
			drain(ctx, dev, s, opts, sink)
			return nil
		})
	}

	select {
	case <-ctx.Done():
	case <-conn.Disconnected():
		lost = true
	}

	if !lost {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.commandTimeout())
		for _, m := range started {
			err := l.Stop(stopCtx, m)
			if err != nil {
				opts.Metrics.ControlPointFailure(dev.String(), pmd.MeasureStop.String())
				log.Warn().Err(err).Stringer("measure", m).Msg("failed to stop stream")
			}
		}
		cancel()
	}
	l.Close()
	g.Wait()
	return lost, nil
}

// discover logs the services offered by conn and returns a function
// reporting whether a service is offered. If the services can not be
// listed all services are reported as offered.
func discover(ctx context.Context, conn transport.Conn) func(id string) bool {
	log := zerolog.Ctx(ctx)
	srvs, err := conn.Services(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to discover services")
		return func(string) bool { return true }
	}
	offered := make(map[uuid.UUID]bool, len(srvs))
	for _, id := range srvs {
		offered[id] = true
		log.Debug().Stringer("uuid", id).Msg("service")
	}
	for _, s := range []struct {
		name string
		id   string
	}{
		{"pmd", pmd.ServiceID},
		{"pfc", pfc.ServiceID},
	} {
		if offered[transport.MustParse(s.id)] {
			log.Info().Str("service", s.name).Str("uuid", s.id).Msg("found service")
		} else {
			log.Warn().Str("service", s.name).Str("uuid", s.id).Msg("service not found")
		}
	}
	return func(id string) bool {
		return offered[transport.MustParse(id)]
	}
}

// start queries the settings for m and starts the stream.
func start(ctx context.Context, l *pmd.Listener, dev *Device, m pmd.MeasureType, opts Options) (*pmd.Stream, error) {
	log := zerolog.Ctx(ctx)

	ctx, cancel := context.WithTimeout(ctx, opts.commandTimeout())
	defer cancel()

	avail, err := l.Settings(ctx, m)
	if err != nil {
		opts.Metrics.ControlPointFailure(dev.String(), pmd.MeasureSettings.String())
		log.Warn().Err(err).Stringer("measure", m).Msg("failed to get settings")
	} else {
		log.Debug().Stringer("measure", m).Interface("settings", avail).Msg("available settings")
	}
	s, err := l.Start(ctx, m, opts.settings(m)...)
	if err != nil {
		opts.Metrics.ControlPointFailure(dev.String(), pmd.MeasureStart.String())
		return nil, err
	}
	log.Info().Stringer("measure", m).Msg("stream started")
	return s, nil
}

// drain decodes frames from s until the stream is stopped or ctx is
// done. Decoding failures are counted and skipped.
func drain(ctx context.Context, dev *Device, s *pmd.Stream, opts Options, sink Sink) {
	log := zerolog.Ctx(ctx)
	m := s.Measure()
	var dropped uint64
	for {
		f, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, pmd.ErrStopped) || ctx.Err() != nil {
				return
			}
			opts.Stats.Error(dev.String(), m)
			opts.Metrics.DecodeError(dev.String(), m, err)
			log.Warn().Err(err).Stringer("measure", m).Msg("discarding frame")
			continue
		}
		n := opts.Stats.Frame(dev.String(), m)
		opts.Metrics.Frame(dev.String(), m)
		if d := s.Dropped(); d > dropped {
			opts.Metrics.Dropped(dev.String(), m, d-dropped)
			log.Warn().Stringer("measure", m).Uint64("dropped", d-dropped).Msg("stream queue overflow")
			dropped = d
		}
		sink.Frame(dev, f, n)
	}
}

func isClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
