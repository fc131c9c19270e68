// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/kortschak/pmdstream/internal/ring"
	"github.com/kortschak/pmdstream/pmd"
)

// heartRateHistory is the number of heart rate notifications used for
// the mean heart rate in the summary.
const heartRateHistory = 60

// Stats counts data notifications per device and measurement type.
// A nil *Stats is valid and counts nothing.
type Stats struct {
	mu     sync.Mutex
	frames map[string]map[pmd.MeasureType]uint64
	errors map[string]map[pmd.MeasureType]uint64
	hr     map[string]*ring.Buffer[uint16]
}

// NewStats returns an empty Stats.
func NewStats() *Stats {
	return &Stats{
		frames: make(map[string]map[pmd.MeasureType]uint64),
		errors: make(map[string]map[pmd.MeasureType]uint64),
		hr:     make(map[string]*ring.Buffer[uint16]),
	}
}

// Frame counts a decoded frame and returns the number of frames
// decoded for the device and measurement type.
func (s *Stats) Frame(device string, m pmd.MeasureType) uint64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return inc(s.frames, device, m)
}

// Error counts a frame that could not be decoded.
func (s *Stats) Error(device string, m pmd.MeasureType) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inc(s.errors, device, m)
}

func inc(counts map[string]map[pmd.MeasureType]uint64, device string, m pmd.MeasureType) uint64 {
	c, ok := counts[device]
	if !ok {
		c = make(map[pmd.MeasureType]uint64)
		counts[device] = c
	}
	c[m]++
	return c[m]
}

// HeartRate records a heart rate notification.
func (s *Stats) HeartRate(device string, hr uint16) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.hr[device]
	if !ok {
		r = ring.NewBuffer[uint16](heartRateHistory)
		s.hr[device] = r
	}
	r.Write([]uint16{hr})
}

// Count returns the number of decoded frames and decoding failures
// for the device and measurement type.
func (s *Stats) Count(device string, m pmd.MeasureType) (frames, errors uint64) {
	if s == nil {
		return 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[device][m], s.errors[device][m]
}

// MeanHeartRate returns the mean of the most recent heart rate
// notifications for the device and the number of notifications used.
func (s *Stats) MeanHeartRate(device string) (mean float64, n int) {
	if s == nil {
		return 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.hr[device]
	if !ok || r.Len() == 0 {
		return 0, 0
	}
	buf := make([]uint16, r.Len())
	r.CopyTo(buf)
	var sum float64
	for _, v := range buf {
		sum += float64(v)
	}
	return sum / float64(len(buf)), len(buf)
}

// WriteTo writes a summary of the notification counts to w, ordered
// by device and measurement type.
func (s *Stats) WriteTo(w io.Writer) (int64, error) {
	if s == nil {
		return 0, nil
	}
	s.mu.Lock()
	devices := make(map[string]bool)
	for d := range s.frames {
		devices[d] = true
	}
	for d := range s.errors {
		devices[d] = true
	}
	for d := range s.hr {
		devices[d] = true
	}
	s.mu.Unlock()

	names := maps.Keys(devices)
	slices.Sort(names)

	var buf bytes.Buffer
	for _, d := range names {
		s.mu.Lock()
		types := make(map[pmd.MeasureType]bool)
		for m := range s.frames[d] {
			types[m] = true
		}
		for m := range s.errors[d] {
			types[m] = true
		}
		s.mu.Unlock()

		measures := maps.Keys(types)
		slices.Sort(measures)

		fmt.Fprintln(&buf)
		for _, m := range measures {
			frames, errs := s.Count(d, m)
			fmt.Fprintf(&buf, "[%-30s %4s] data notifications: %3d", d, m, frames+errs)
			if errs != 0 {
				fmt.Fprintf(&buf, " decode errors: %d", errs)
			}
			fmt.Fprintln(&buf)
		}
		if mean, n := s.MeanHeartRate(d); n != 0 {
			fmt.Fprintf(&buf, "[%-30s %4s] mean heart rate: %.1f bpm (last %d)\n", d, "HR", mean, n)
		}
	}
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}
