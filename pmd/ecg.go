// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmd

import "time"

const (
	ECGSampleFreq     = 130 // Hz
	ECGSampleInterval = time.Second / ECGSampleFreq

	ECGResolution = 14 // bits
)

// ECGSettings returns the default ECG stream settings.
func ECGSettings() []Setting {
	return []Setting{
		Uint16{Type: SampleRateSetting, Val: []uint16{ECGSampleFreq}},
		Uint16{Type: ResolutionSetting, Val: []uint16{ECGResolution}},
	}
}

// ECG is an ECG measurement.
type ECG struct {
	Timestamp time.Time
	Trace     []int32 // µV
}

func (m *ECG) UnmarshalBinary(data []byte) error {
	f, err := Decode(ECGType, data)
	if err != nil {
		return err
	}
	trace := make([]int32, len(f.Samples))
	for i, s := range f.Samples {
		trace[i] = int32(s[0])
	}
	*m = ECG{
		Timestamp: f.Time(),
		Trace:     trace,
	}
	return nil
}
