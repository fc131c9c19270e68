// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmd

import "time"

const (
	AccSampleFreq25      AccSampleFreq = 25 // Hz
	AccSampleInterval25                = time.Second / time.Duration(AccSampleFreq25)
	AccSampleFreq50      AccSampleFreq = 50 // Hz
	AccSampleInterval50                = time.Second / time.Duration(AccSampleFreq50)
	AccSampleFreq100     AccSampleFreq = 100 // Hz
	AccSampleInterval100               = time.Second / time.Duration(AccSampleFreq100)
	AccSampleFreq200     AccSampleFreq = 200 // Hz
	AccSampleInterval200               = time.Second / time.Duration(AccSampleFreq200)

	AccRange2G AccRange = 2 // G
	AccRange4G AccRange = 4 // G
	AccRange8G AccRange = 8 // G

	AccResolution = 16 // bits
)

type AccSampleFreq uint16

type AccRange uint16

// AccSettings returns accelerometer stream settings for the provided
// sample frequency and range.
func AccSettings(freq AccSampleFreq, rng AccRange) []Setting {
	return []Setting{
		Uint16{Type: SampleRateSetting, Val: []uint16{uint16(freq)}},  // Hz
		Uint16{Type: ResolutionSetting, Val: []uint16{AccResolution}}, // bits
		Uint16{Type: RangeUnitSetting, Val: []uint16{uint16(rng)}},    // G
	}
}

// Vector is a three axis measurement.
type Vector struct {
	X, Y, Z int32
}

// Acc is an acceleration measurement.
type Acc struct {
	Timestamp time.Time
	Samples   []Vector // mG
}

func (m *Acc) UnmarshalBinary(data []byte) error {
	f, err := Decode(AccType, data)
	if err != nil {
		return err
	}
	*m = Acc{
		Timestamp: f.Time(),
		Samples:   vectors(f.Samples),
	}
	return nil
}

func vectors(samples []Sample) []Vector {
	v := make([]Vector, len(samples))
	for i, s := range samples {
		v[i] = Vector{X: int32(s[0]), Y: int32(s[1]), Z: int32(s[2])}
	}
	return v
}
