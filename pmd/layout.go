// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmd

import (
	"maps"
	"slices"
)

// Kind is the encoding of a sample field.
type Kind uint8

const (
	Signed Kind = iota + 1
	Unsigned
	Float
)

// Field describes one little-endian field of a packed sample.
type Field struct {
	Name  string
	Kind  Kind
	Width int // bytes; 1 to 4, Float fields must be 4

	// Scale is multiplied with the raw field value.
	// A zero Scale is treated as one.
	Scale float64
}

func (f Field) valid() bool {
	switch f.Kind {
	case Signed, Unsigned:
		return 1 <= f.Width && f.Width <= 4
	case Float:
		return f.Width == float32Size
	default:
		return false
	}
}

// Layout is the sample layout of a measurement frame payload.
type Layout struct {
	Fields []Field
}

// Stride returns the number of bytes occupied by each sample.
func (l Layout) Stride() int {
	var n int
	for _, f := range l.Fields {
		n += f.Width
	}
	return n
}

func (l Layout) valid() bool {
	if len(l.Fields) == 0 {
		return false
	}
	for _, f := range l.Fields {
		if !f.valid() {
			return false
		}
	}
	return true
}

// LayoutKey is the dispatch key for frame payload layouts.
type LayoutKey struct {
	Measure MeasureType
	Frame   FrameType
}

func axes(kind Kind, width int, scale float64) []Field {
	return []Field{
		{Name: "x", Kind: kind, Width: width, Scale: scale},
		{Name: "y", Kind: kind, Width: width, Scale: scale},
		{Name: "z", Kind: kind, Width: width, Scale: scale},
	}
}

// layouts are the payload layouts for all declared measurement and
// frame type pairs.
var layouts = map[LayoutKey]Layout{
	{ECGType, ECGFrameType0}: {Fields: []Field{
		{Name: "µV", Kind: Signed, Width: int24Size},
	}},

	{PPGType, PPGFrameType0}: {Fields: []Field{
		{Name: "ppg0", Kind: Signed, Width: int24Size},
		{Name: "ppg1", Kind: Signed, Width: int24Size},
		{Name: "ppg2", Kind: Signed, Width: int24Size},
		{Name: "ambient", Kind: Signed, Width: int24Size},
	}},

	// mG
	{AccType, AccFrameType0}: {Fields: axes(Signed, 1, 1)},
	{AccType, AccFrameType1}: {Fields: axes(Signed, uint16Size, 1)},
	{AccType, AccFrameType2}: {Fields: axes(Signed, int24Size, 1)},

	// Heart rate in bpm, interval and error estimate in ms.
	{PPIType, PPIFrameType0}: {Fields: []Field{
		{Name: "hr", Kind: Unsigned, Width: uint8Size},
		{Name: "ppi", Kind: Unsigned, Width: uint16Size},
		{Name: "error", Kind: Unsigned, Width: uint16Size},
		{Name: "flags", Kind: Unsigned, Width: uint8Size},
	}},

	// Raw sensor units; multiply by the conversion factor
	// setting to obtain deg/s.
	{GyroType, GyroFrameType0}: {Fields: axes(Signed, uint16Size, 1)},
	{GyroType, GyroFrameType1}: {Fields: axes(Float, float32Size, 1)},

	// Raw sensor units; multiply by the conversion factor
	// setting to obtain Gauss.
	{MagnetometerType, MagnetometerFrameType0}: {Fields: axes(Signed, uint16Size, 1)},

	{PressureType, PressureFrameType0}: {Fields: []Field{
		{Name: "bar", Kind: Float, Width: float32Size},
	}},

	{TemperatureType, TemperatureFrameType0}: {Fields: []Field{
		{Name: "°C", Kind: Float, Width: float32Size},
	}},
}

// LayoutFor returns the layout for the measurement and frame type pair
// and whether it is declared.
func LayoutFor(m MeasureType, f FrameType) (Layout, bool) {
	l, ok := layouts[LayoutKey{m, f}]
	return l, ok
}

// Layouts returns all declared layout keys in ascending order.
func Layouts() []LayoutKey {
	return slices.SortedFunc(maps.Keys(layouts), func(a, b LayoutKey) int {
		if a.Measure != b.Measure {
			return int(a.Measure) - int(b.Measure)
		}
		return int(a.Frame) - int(b.Frame)
	})
}
