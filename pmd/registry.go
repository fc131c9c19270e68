// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmd

import (
	"fmt"
	"strings"
)

// featuresMarker is the first byte of a features read from the PMD
// control point.
const featuresMarker = 0x0f

// Features is the a set of supported PMD features.
type Features [2]byte

// ParseFeatures returns the Features held in the value read from the
// PMD control point characteristic. Bytes following the feature
// bitmask are ignored.
func ParseFeatures(buf []byte) (Features, error) {
	var f Features
	if len(buf) < len(f) {
		return f, decodeErr(ErrTruncatedFrame, "features read of %d bytes", len(buf))
	}
	if buf[0] != featuresMarker {
		return f, decodeErr(ErrDecode, "invalid features marker: %#x", buf[0])
	}
	copy(f[:], buf)
	return f, nil
}

// Support returns the supported feature bitmask.
func (f Features) Support() Support {
	if f[0] != featuresMarker {
		return 0
	}
	return Support(f[1])
}

// Types returns the measurement types supported by the sensor in
// ascending order of type code.
func (f Features) Types() []MeasureType {
	return f.Support().Types()
}

func (f Features) String() string {
	if f[0] != featuresMarker {
		return fmt.Sprintf("%#x", f)
	}
	var s strings.Builder
	for b := 1; b < 256; b <<= 1 {
		if f[1]&byte(b) != 0 {
			if s.Len() != 0 {
				s.WriteByte('|')
			}
			s.WriteString(Support(b).String())
		}
	}
	return s.String()
}

// Support is the flag set of supported PMD features.
type Support byte

//go:generate go tool golang.org/x/tools/cmd/stringer -type Support -trimprefix Support
const (
	SupportECG          Support = 1 << 0
	SupportPPG          Support = 1 << 1
	SupportAcc          Support = 1 << 2
	SupportPPI          Support = 1 << 3
	SupportBioImpedance Support = 1 << 4
	SupportGyro         Support = 1 << 5
	SupportMag          Support = 1 << 6
)

// Types returns the measurement types flagged in s in ascending order
// of type code. Flags without a registered measurement type are
// ignored.
func (s Support) Types() []MeasureType {
	var types []MeasureType
	for bit := range 8 {
		if s&(1<<bit) == 0 {
			continue
		}
		if m := MeasureType(bit); registry[m].label != "" && registry[m].feature {
			types = append(types, m)
		}
	}
	return types
}

// Has returns whether the measurement type m is flagged in s.
func (s Support) Has(m MeasureType) bool {
	return m < 8 && s&(1<<m) != 0 && registry[m].feature
}

// Descriptor describes a measurement type known to the registry.
type Descriptor struct {
	Code  MeasureType
	Label string
}

// registry holds the known measurement types. Entries with feature set
// are advertised in the features bitmask at the bit position equal to
// their code.
var registry = [measurementTypes]struct {
	label   string
	feature bool
}{
	ECGType:          {label: "ECG", feature: true},
	PPGType:          {label: "PPG", feature: true},
	AccType:          {label: "ACC", feature: true},
	PPIType:          {label: "PPI", feature: true},
	GyroType:         {label: "GYRO", feature: true},
	MagnetometerType: {label: "MAG", feature: true},
	SDKModeType:      {label: "SDK"},
	LocationType:     {label: "LOCATION"},
	PressureType:     {label: "PRESSURE"},
	TemperatureType:  {label: "TEMPERATURE"},
}

// Describe returns the Descriptor for m and whether m is known.
func Describe(m MeasureType) (Descriptor, bool) {
	if m >= measurementTypes || registry[m].label == "" {
		return Descriptor{Code: m}, false
	}
	return Descriptor{Code: m, Label: registry[m].label}, true
}

// Descriptors returns the descriptors for the types in ts.
func Descriptors(ts []MeasureType) []Descriptor {
	d := make([]Descriptor, 0, len(ts))
	for _, m := range ts {
		if desc, ok := Describe(m); ok {
			d = append(d, desc)
		}
	}
	return d
}

// ParseMeasureType returns the measurement type with the provided
// label. The match is case-insensitive.
func ParseMeasureType(label string) (MeasureType, error) {
	for m, r := range registry {
		if r.label != "" && strings.EqualFold(r.label, label) {
			return MeasureType(m), nil
		}
	}
	return 0, fmt.Errorf("unknown measurement type: %q", label)
}

func (m MeasureType) String() string {
	if d, ok := Describe(m); ok {
		return d.Label
	}
	return fmt.Sprintf("MeasureType(%d)", uint8(m))
}
