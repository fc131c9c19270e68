// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmd

import (
	"bytes"
	"context"
	"sync"

	"github.com/kortschak/pmdstream/internal/ring"
)

// State is the state of a measurement stream.
type State uint8

//go:generate go tool golang.org/x/tools/cmd/stringer -type State
const (
	Idle      State = iota // not started
	Armed                  // start accepted, no frames yet
	Streaming              // receiving frames
	Stopped                // stopped or disconnected
)

// DefaultQueueSize is the number of undecoded frames held by a Stream
// when no size is specified.
const DefaultQueueSize = 64

// Stream is a single measurement stream. Raw frames are queued by
// Accept without blocking and decoded by Next in arrival order.
type Stream struct {
	measure MeasureType
	dec     Decoder

	mu    sync.Mutex
	state State
	stop  chan struct{}

	frames *ring.Queue[[]byte]
}

// NewStream returns an idle stream for the measurement type m holding
// at most n undecoded frames. When the queue is full the oldest frame
// is discarded. A zero or negative n uses DefaultQueueSize.
func NewStream(m MeasureType, dec Decoder, n int) *Stream {
	if n <= 0 {
		n = DefaultQueueSize
	}
	return &Stream{
		measure: m,
		dec:     dec,
		stop:    make(chan struct{}),
		frames:  ring.NewQueue[[]byte](n),
	}
}

// Measure returns the measurement type of the stream.
func (s *Stream) Measure() MeasureType { return s.measure }

// State returns the current state of the stream.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Arm marks the stream as started. Arming an armed or streaming
// stream has no effect. A stopped stream can not be armed.
func (s *Stream) Arm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Idle:
		s.state = Armed
	case Stopped:
		return ErrStopped
	}
	return nil
}

// Accept queues a copy of the raw frame buf. It returns ErrNotStreaming
// if the stream is idle or stopped, in which case the frame is
// discarded. Accept reports whether an older frame was dropped to make
// room.
func (s *Stream) Accept(buf []byte) (dropped bool, err error) {
	s.mu.Lock()
	switch s.state {
	case Idle, Stopped:
		s.mu.Unlock()
		return false, ErrNotStreaming
	case Armed:
		s.state = Streaming
	}
	s.mu.Unlock()
	return s.frames.Push(bytes.Clone(buf)), nil
}

// Next returns the next decoded frame, waiting until one is available.
// Decoding errors apply only to the returned frame and a caller may
// continue to call Next. Next returns ErrStopped after Stop and
// ctx.Err() when ctx is done.
func (s *Stream) Next(ctx context.Context) (Frame, error) {
	for {
		select {
		case <-s.stop:
			return Frame{}, ErrStopped
		default:
		}
		buf, ok := s.frames.Pop()
		if ok {
			return s.dec.Decode(s.measure, buf)
		}
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.stop:
			return Frame{}, ErrStopped
		case <-s.frames.Ready():
		}
	}
}

// Stop stops the stream and discards any undecoded frames.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return
	}
	s.state = Stopped
	close(s.stop)
	s.frames.Reset()
}

// Dropped returns the number of frames discarded because the queue
// was full.
func (s *Stream) Dropped() uint64 {
	return s.frames.Dropped()
}
