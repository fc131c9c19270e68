// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kortschak/pmdstream/transport"
)

// maxPendingResponses is the number of control point responses that
// may be held before the awaiting exchange receives them.
const maxPendingResponses = 8

// Options configures a Listener.
type Options struct {
	// Decoder is used to decode data frames.
	Decoder Decoder
	// QueueSize is the number of undecoded frames held for
	// each stream. Zero uses DefaultQueueSize.
	QueueSize int
}

// Listener implements PMD notification listening.
type Listener struct {
	conn transport.Conn
	log  *zerolog.Logger
	opts Options

	cp, data transport.Characteristic

	features Features

	// cpMu serializes control point exchanges so that at most
	// one command is awaiting its response.
	cpMu sync.Mutex

	respMu  sync.Mutex
	pending chan Response

	mu      sync.Mutex
	streams [measurementTypes]*Stream

	done      chan struct{}
	closeOnce sync.Once
}

// NewListener returns a new Listener for the provided connection. It
// reads the sensor features and subscribes to the control point and
// data characteristics. Diagnostics are logged to the logger held by
// ctx.
func NewListener(ctx context.Context, conn transport.Conn, opts Options) (*Listener, error) {
	cp, err := conn.Characteristic(ctx, pmdService, pmdCP)
	if err != nil {
		return nil, fmt.Errorf("failed to get device pmd control point characteristic: %w", err)
	}
	// Section 5.1 Figure 1 shows 17 bytes, but this
	// is not otherwise documented. The first two bytes
	// are the only relevant data for our use.
	buf, err := cp.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed read device features: %w", err)
	}
	feats, err := ParseFeatures(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse device features %#x: %w", buf, err)
	}
	data, err := conn.Characteristic(ctx, pmdService, pmdData)
	if err != nil {
		return nil, fmt.Errorf("failed to get device pmd data characteristic: %w", err)
	}
	l := &Listener{
		conn:     conn,
		log:      zerolog.Ctx(ctx),
		opts:     opts,
		cp:       cp,
		data:     data,
		features: feats,
		done:     make(chan struct{}),
	}
	err = cp.Subscribe(l.control)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to pmd control point: %w", err)
	}
	err = data.Subscribe(l.dispatch)
	if err != nil {
		cp.Unsubscribe()
		return nil, fmt.Errorf("failed to subscribe to pmd data: %w", err)
	}
	go func() {
		select {
		case <-conn.Disconnected():
			l.stopAll()
		case <-l.done:
		}
	}()
	return l, nil
}

// Features returns the set of features supported by the connected sensor.
func (l *Listener) Features() Features {
	return l.features
}

// control handles control point indications.
func (l *Listener) control(buf []byte) {
	r, err := ParseResponse(buf)
	if err != nil {
		l.log.Warn().Err(err).Hex("response", buf).Msg("invalid control point response")
		return
	}
	l.respMu.Lock()
	ch := l.pending
	l.respMu.Unlock()
	if ch == nil {
		l.log.Warn().Stringer("response", r).Msg("unsolicited control point response")
		return
	}
	select {
	case ch <- r:
	default:
		l.log.Warn().Stringer("response", r).Msg("dropped control point response")
	}
}

// dispatch routes data notifications to their streams.
func (l *Listener) dispatch(buf []byte) {
	if len(buf) == 0 {
		return
	}
	m := MeasureType(buf[sampleTypeOffset])
	var s *Stream
	if m < measurementTypes {
		l.mu.Lock()
		s = l.streams[m]
		l.mu.Unlock()
	}
	if s == nil {
		l.log.Warn().Stringer("measure", m).Int("len", len(buf)).Msg("discarding frame for idle stream")
		return
	}
	dropped, err := s.Accept(buf)
	if err != nil {
		l.log.Warn().Err(err).Stringer("measure", m).Stringer("state", s.State()).Msg("discarding frame")
		return
	}
	if dropped {
		l.log.Debug().Stringer("measure", m).Uint64("dropped", s.Dropped()).Msg("frame queue full")
	}
}

// exchange writes a command to the control point and waits for the
// matching response. Responses with the more flag set are collected
// and their parameters concatenated.
func (l *Listener) exchange(ctx context.Context, com Command, measure MeasureType, settings ...Setting) (Response, error) {
	msg, err := MarshalCommand(com, Online, measure, settings...)
	if err != nil {
		return Response{}, err
	}

	l.cpMu.Lock()
	defer l.cpMu.Unlock()

	ch := make(chan Response, maxPendingResponses)
	l.respMu.Lock()
	l.pending = ch
	l.respMu.Unlock()
	defer func() {
		l.respMu.Lock()
		l.pending = nil
		l.respMu.Unlock()
	}()

	l.log.Trace().Stringer("op", com).Stringer("measure", measure).Hex("msg", msg).Msg("control point write")
	err = l.cp.Write(ctx, msg, true)
	if err != nil {
		return Response{}, fmt.Errorf("failed to write %s command: %w: %w",
			com, &StatusError{Op: com, Measure: measure, Status: CharacteristicWriteFailed}, err)
	}

	var resp Response
	for first := true; ; first = false {
		var r Response
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-l.conn.Disconnected():
			return Response{}, fmt.Errorf("%s %s: disconnected", com, measure)
		case r = <-ch:
		}
		l.log.Trace().Stringer("response", r).Msg("control point response")
		if r.Op != com || r.Measure != measure {
			return r, decodeErr(ErrProtocolMismatch, "response %s %s to %s %s command", r.Op, r.Measure, com, measure)
		}
		if first {
			resp = r
		} else {
			resp.Params = append(resp.Params, r.Params...)
		}
		resp.More = r.More
		if !r.More || !r.Status.OK() {
			resp.Status = r.Status
			break
		}
	}
	return resp, resp.Err()
}

// Settings returns the available setting for the recording and measurement type
// of the sensor the Listener is connected to.
func (l *Listener) Settings(ctx context.Context, m MeasureType) ([]Setting, error) {
	r, err := l.exchange(ctx, MeasureSettings, m)
	if err != nil {
		return nil, err
	}
	return ParseSettings(r.Params)
}

// Start starts the measurement stream m with the provided settings and
// returns the stream. A sensor reporting that the stream is already
// running is not an error. Starting a running stream returns the
// existing stream.
func (l *Listener) Start(ctx context.Context, m MeasureType, settings ...Setting) (*Stream, error) {
	if m >= measurementTypes {
		return nil, fmt.Errorf("invalid measurement type: %d", m)
	}
	if registry[m].feature && !l.features.Support().Has(m) {
		return nil, fmt.Errorf("measurement type %s not supported by sensor", m)
	}

	l.mu.Lock()
	s := l.streams[m]
	if s != nil && s.State() != Stopped {
		l.mu.Unlock()
		return s, nil
	}
	// The stream is armed before the command is written since
	// the first frame may arrive before the response.
	s = NewStream(m, l.opts.Decoder, l.opts.QueueSize)
	s.Arm()
	l.streams[m] = s
	l.mu.Unlock()

	r, err := l.exchange(ctx, MeasureStart, m, settings...)
	if err != nil {
		l.mu.Lock()
		if l.streams[m] == s {
			l.streams[m] = nil
		}
		l.mu.Unlock()
		s.Stop()
		return nil, err
	}
	if r.Status == AlreadyInState {
		l.log.Info().Stringer("measure", m).Msg("stream already started")
	}
	return s, nil
}

// Stop stops the measurement stream m. The local stream is stopped
// even if the sensor rejects the command.
func (l *Listener) Stop(ctx context.Context, m MeasureType) error {
	if m >= measurementTypes {
		return fmt.Errorf("invalid measurement type: %d", m)
	}
	l.mu.Lock()
	s := l.streams[m]
	l.streams[m] = nil
	l.mu.Unlock()
	if s != nil {
		s.Stop()
	}
	_, err := l.exchange(ctx, MeasureStop, m)
	return err
}

// Stream returns the current stream for m, or nil if it has not been
// started.
func (l *Listener) Stream(m MeasureType) *Stream {
	if m >= measurementTypes {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streams[m]
}

func (l *Listener) stopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.streams {
		if s != nil {
			s.Stop()
		}
	}
}

// Close stops all streams locally and disables notifications. It does
// not send stop commands or disconnect the sensor.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	l.stopAll()
	return errors.Join(l.data.Unsubscribe(), l.cp.Unsubscribe())
}
