// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmd

import "time"

const (
	PPGSampleFreq = 135 // Hz
	PPGResolution = 22  // bits
	PPGChannels   = 4
)

// PPGSettings returns the default PPG stream settings.
func PPGSettings() []Setting {
	return []Setting{
		Uint16{Type: SampleRateSetting, Val: []uint16{PPGSampleFreq}},
		Uint16{Type: ResolutionSetting, Val: []uint16{PPGResolution}},
		Uint8{Type: ChannelsSetting, Val: []uint8{PPGChannels}},
	}
}

// PPGSample is a single photoplethysmogram sample of three optical
// channels and the ambient light level.
type PPGSample struct {
	Channel [3]int32
	Ambient int32
}

// PPG is a photoplethysmogram measurement.
type PPG struct {
	Timestamp time.Time
	Samples   []PPGSample
}

func (m *PPG) UnmarshalBinary(data []byte) error {
	f, err := Decode(PPGType, data)
	if err != nil {
		return err
	}
	samples := make([]PPGSample, len(f.Samples))
	for i, s := range f.Samples {
		samples[i] = PPGSample{
			Channel: [3]int32{int32(s[0]), int32(s[1]), int32(s[2])},
			Ambient: int32(s[3]),
		}
	}
	*m = PPG{
		Timestamp: f.Time(),
		Samples:   samples,
	}
	return nil
}
