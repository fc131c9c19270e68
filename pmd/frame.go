// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmd

import (
	"encoding/binary"
	"math"
	"time"
)

// Frame is a decoded PMD data notification.
type Frame struct {
	Measure   MeasureType
	FrameType FrameType

	// Timestamp is the sensor clock value of the last
	// sample in the frame.
	Timestamp uint64

	Samples []Sample
}

// Sample is a single decoded sample. Elements are in the order of
// the fields of the frame's Layout.
type Sample []float64

// Time returns the frame timestamp as a wall clock time, interpreting
// the sensor clock as nanoseconds since 2000-01-01 00:00:00 UTC.
func (f Frame) Time() time.Time {
	return time.Unix(int64(f.Timestamp/1e9)+epoch, int64(f.Timestamp%1e9)).UTC()
}

// Decoder decodes PMD data notifications.
type Decoder struct {
	// Layouts is the table of sample layouts used to decode
	// frames. If nil, the declared layouts are used.
	Layouts map[LayoutKey]Layout
}

// Decode decodes buf as a notification for the measurement type want
// using the declared layouts.
func Decode(want MeasureType, buf []byte) (Frame, error) {
	return Decoder{}.Decode(want, buf)
}

// Decode decodes buf as a notification for the measurement type want.
//
// Frames shorter than the header fail with ErrTruncatedFrame, frames
// with a measurement type other than want fail with
// ErrProtocolMismatch, frames without a valid layout fail with
// ErrUnsupportedLayout and frames whose payload is not a whole number
// of samples fail with ErrMalformedFrame. Decode does not retain buf.
func (d Decoder) Decode(want MeasureType, buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, decodeErr(ErrTruncatedFrame, "frame of %d bytes", len(buf))
	}
	got := MeasureType(buf[sampleTypeOffset])
	if got != want {
		return Frame{}, decodeErr(ErrProtocolMismatch, "expected %s frame, got %s", want, got)
	}
	f := Frame{
		Measure:   got,
		FrameType: FrameType(buf[frameTypeOffset]),
		Timestamp: binary.LittleEndian.Uint64(buf[timeStampOffset:]),
	}
	if f.FrameType&compressedFrame != 0 {
		return Frame{}, decodeErr(ErrUnsupportedLayout, "compressed %s frame type %d", got, f.FrameType&^compressedFrame)
	}
	table := d.Layouts
	if table == nil {
		table = layouts
	}
	l, ok := table[LayoutKey{got, f.FrameType}]
	if !ok || !l.valid() {
		return Frame{}, decodeErr(ErrUnsupportedLayout, "%s frame type %d", got, f.FrameType)
	}

	payload := buf[dataOffset:]
	stride := l.Stride()
	if len(payload)%stride != 0 {
		return Frame{}, decodeErr(ErrMalformedFrame, "%s payload of %d bytes is not a multiple of %d", got, len(payload), stride)
	}
	n := len(payload) / stride
	if n == 0 {
		return f, nil
	}
	vals := make([]float64, n*len(l.Fields))
	f.Samples = make([]Sample, n)
	for i := range f.Samples {
		s := vals[:len(l.Fields):len(l.Fields)]
		vals = vals[len(l.Fields):]
		for j, field := range l.Fields {
			s[j] = field.decode(payload)
			payload = payload[field.Width:]
		}
		f.Samples[i] = s
	}
	return f, nil
}

// decode returns the scaled value of the field at the start of b.
func (f Field) decode(b []byte) float64 {
	var v float64
	switch f.Kind {
	case Signed:
		v = float64(leInt(b[:f.Width]))
	case Unsigned:
		v = float64(leUint(b[:f.Width]))
	case Float:
		v = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	if f.Scale != 0 && f.Scale != 1 {
		v *= f.Scale
	}
	return v
}

func leUint(b []byte) uint32 {
	var v uint32
	for i, c := range b {
		v |= uint32(c) << (8 * i)
	}
	return v
}

func leInt(b []byte) int32 {
	shift := 32 - 8*len(b)
	return int32(leUint(b)<<shift) >> shift
}
