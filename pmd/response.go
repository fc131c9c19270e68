// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmd

import "fmt"

// responseMarker is the first byte of all control point responses.
const responseMarker = 0xf0

// Response offsets.
const (
	responseOpOffset      = 1
	responseMeasureOffset = 2
	responseStatusOffset  = 3
	responseMoreOffset    = 4
	responseParamsOffset  = 5

	// minResponseSize is the shortest response that holds a status.
	minResponseSize = responseStatusOffset + 1
)

// Status is a PMD control point response status code.
type Status uint8

//go:generate go tool golang.org/x/tools/cmd/stringer -type Status
const (
	Success                 Status = 0
	InvalidOpCode           Status = 1
	InvalidMeasurementType  Status = 2
	NotSupported            Status = 3
	InvalidLength           Status = 4
	InvalidParameter        Status = 5
	AlreadyInState          Status = 6
	InvalidResolution       Status = 7
	InvalidSampleRate       Status = 8
	InvalidRange            Status = 9
	InvalidMTU              Status = 10
	InvalidNumberOfChannels Status = 11
	InvalidState            Status = 12
	DeviceInCharger         Status = 13

	// CharacteristicWriteFailed is not sent by sensors. It is
	// reported when the command could not be written to the control
	// point.
	CharacteristicWriteFailed Status = 0xfe
	// Unknown is the meaning of all codes not otherwise listed.
	Unknown Status = 0xff
)

// Meaning returns the documented meaning of the status code, mapping
// undocumented codes to Unknown.
func (s Status) Meaning() Status {
	if s <= DeviceInCharger || s == CharacteristicWriteFailed {
		return s
	}
	return Unknown
}

// OK returns whether the status indicates the command took effect.
// AlreadyInState is considered OK.
func (s Status) OK() bool {
	return s == Success || s == AlreadyInState
}

// Response is a PMD control point response.
type Response struct {
	Op      Command
	Measure MeasureType
	Status  Status
	// More indicates that the sensor will send further
	// responses for the command.
	More bool
	// Params holds the trailing response parameters. It is
	// returned for failed responses for diagnostics.
	Params []byte
}

// ParseResponse decodes a PMD control point response. The returned
// Params is a copy of the trailing bytes of buf.
func ParseResponse(buf []byte) (Response, error) {
	if len(buf) < minResponseSize {
		return Response{}, decodeErr(ErrTruncatedFrame, "control point response of %d bytes", len(buf))
	}
	if buf[0] != responseMarker {
		return Response{}, decodeErr(ErrDecode, "invalid control point response marker: %#x", buf[0])
	}
	r := Response{
		Op:      Command(buf[responseOpOffset]),
		Measure: MeasureType(buf[responseMeasureOffset] &^ 0x80),
		Status:  Status(buf[responseStatusOffset]),
	}
	if len(buf) > responseMoreOffset {
		r.More = buf[responseMoreOffset] != 0
	}
	if len(buf) > responseParamsOffset {
		r.Params = append([]byte(nil), buf[responseParamsOffset:]...)
	}
	return r, nil
}

// Err returns a *StatusError if the response does not indicate success,
// and nil otherwise.
func (r Response) Err() error {
	if r.Status.OK() {
		return nil
	}
	return &StatusError{Op: r.Op, Measure: r.Measure, Status: r.Status, Params: r.Params}
}

func (r Response) String() string {
	return fmt.Sprintf("%s %s: %s more=%t params=%#x", r.Op, r.Measure, r.Status, r.More, r.Params)
}
