// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmd

import "time"

const (
	GyroSampleFreq = 52   // Hz
	GyroRange      = 2000 // deg/s
	MagSampleFreq  = 50   // Hz
	MotionBits     = 16   // bits
)

// GyroSettings returns the default gyroscope stream settings.
func GyroSettings() []Setting {
	return []Setting{
		Uint16{Type: SampleRateSetting, Val: []uint16{GyroSampleFreq}},
		Uint16{Type: ResolutionSetting, Val: []uint16{MotionBits}},
		Uint16{Type: RangeUnitSetting, Val: []uint16{GyroRange}},
	}
}

// MagSettings returns the default magnetometer stream settings.
func MagSettings() []Setting {
	return []Setting{
		Uint16{Type: SampleRateSetting, Val: []uint16{MagSampleFreq}},
		Uint16{Type: ResolutionSetting, Val: []uint16{MotionBits}},
	}
}

// Motion is a gyroscope or magnetometer measurement. Values are in raw
// sensor units for integer frames and in physical units for floating
// point frames.
type Motion struct {
	Timestamp time.Time
	Samples   [][3]float64
}

// Gyro is a gyroscope measurement.
type Gyro Motion

func (m *Gyro) UnmarshalBinary(data []byte) error {
	return (*Motion)(m).unmarshal(GyroType, data)
}

// Mag is a magnetometer measurement.
type Mag Motion

func (m *Mag) UnmarshalBinary(data []byte) error {
	return (*Motion)(m).unmarshal(MagnetometerType, data)
}

func (m *Motion) unmarshal(typ MeasureType, data []byte) error {
	f, err := Decode(typ, data)
	if err != nil {
		return err
	}
	samples := make([][3]float64, len(f.Samples))
	for i, s := range f.Samples {
		samples[i] = [3]float64(s)
	}
	*m = Motion{
		Timestamp: f.Time(),
		Samples:   samples,
	}
	return nil
}

// DefaultSettings returns the default stream settings for m, or nil if
// the measurement type takes no settings.
func DefaultSettings(m MeasureType) []Setting {
	switch m {
	case ECGType:
		return ECGSettings()
	case PPGType:
		return PPGSettings()
	case AccType:
		return AccSettings(AccSampleFreq50, AccRange8G)
	case GyroType:
		return GyroSettings()
	case MagnetometerType:
		return MagSettings()
	default:
		return nil
	}
}
