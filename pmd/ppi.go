// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmd

import "time"

// PPIFlags are the status flags of a pulse to pulse interval sample.
type PPIFlags uint8

const (
	// PPIBlocker indicates the sample was affected by movement
	// or other signal artifacts.
	PPIBlocker PPIFlags = 1 << 0
	// PPISkinContact indicates the sensor has contact.
	PPISkinContact PPIFlags = 1 << 1
	// PPISkinContactSupported indicates the sensor is able to
	// detect contact.
	PPISkinContactSupported PPIFlags = 1 << 2
)

// PPISample is a single pulse to pulse interval sample.
type PPISample struct {
	HeartRate     int           // bpm
	Interval      time.Duration // pulse to pulse
	ErrorEstimate time.Duration
	Flags         PPIFlags
}

// PPI is a pulse to pulse interval measurement. PPI streams take no
// settings.
type PPI struct {
	Timestamp time.Time
	Samples   []PPISample
}

func (m *PPI) UnmarshalBinary(data []byte) error {
	f, err := Decode(PPIType, data)
	if err != nil {
		return err
	}
	samples := make([]PPISample, len(f.Samples))
	for i, s := range f.Samples {
		samples[i] = PPISample{
			HeartRate:     int(s[0]),
			Interval:      time.Duration(s[1]) * time.Millisecond,
			ErrorEstimate: time.Duration(s[2]) * time.Millisecond,
			Flags:         PPIFlags(s[3]),
		}
	}
	*m = PPI{
		Timestamp: f.Time(),
		Samples:   samples,
	}
	return nil
}
