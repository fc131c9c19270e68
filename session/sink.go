// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"fmt"
	"io"
	"sync"

	"github.com/kortschak/pmdstream/devinfo"
	"github.com/kortschak/pmdstream/heart"
	"github.com/kortschak/pmdstream/pmd"
)

// Sink receives session data. Methods may be called concurrently.
type Sink interface {
	// Frame is called with each decoded frame and the number
	// of frames decoded for the device and measurement type
	// so far.
	Frame(dev *Device, f pmd.Frame, n uint64)
	HeartRate(dev *Device, r heart.Rate)
	Battery(dev *Device, level int)
	DeviceInfo(dev *Device, info devinfo.Info)
}

type discard struct{}

func (discard) Frame(*Device, pmd.Frame, uint64) {}
func (discard) HeartRate(*Device, heart.Rate)    {}
func (discard) Battery(*Device, int)             {}
func (discard) DeviceInfo(*Device, devinfo.Info) {}

// TextSink writes one line per event to an io.Writer.
type TextSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTextSink returns a TextSink writing to w.
func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: w}
}

func (s *TextSink) Frame(dev *Device, f pmd.Frame, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "[%-30s %4s] %3d %02x ts=%d n=%d", dev, f.Measure, n, uint8(f.FrameType), f.Timestamp, len(f.Samples))
	if len(f.Samples) != 0 {
		fmt.Fprintf(s.w, " first=%v", []float64(f.Samples[0]))
	}
	fmt.Fprintln(s.w)
}

func (s *TextSink) HeartRate(dev *Device, r heart.Rate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "[%-30s %4s] hr=%d rr=%v\n", dev, "HR", r.HR, r.RR)
}

func (s *TextSink) Battery(dev *Device, level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "[%-30s %4s] level=%d%%\n", dev, "BAT", level)
}

func (s *TextSink) DeviceInfo(dev *Device, info devinfo.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "[%-30s %4s] %s\n", dev, "INFO", info)
}
