// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmd

import (
	"errors"
	"fmt"
)

// Decoding error kinds. Errors returned by the decoders and parsers in
// this package are *DecodeError values that match one of these with
// errors.Is.
var (
	// ErrTruncatedFrame is a frame or response too short to hold
	// its header.
	ErrTruncatedFrame = errors.New("truncated frame")
	// ErrMalformedFrame is a frame whose payload is not a whole
	// number of samples.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnsupportedLayout is a frame whose measurement and frame
	// type pair has no known sample layout.
	ErrUnsupportedLayout = errors.New("unsupported layout")
	// ErrProtocolMismatch is a frame or response that does not
	// belong to the exchange or stream it was received on.
	ErrProtocolMismatch = errors.New("protocol mismatch")
	// ErrDecode is any other decoding failure.
	ErrDecode = errors.New("decode error")
)

// DecodeError is the error returned when a frame or control point
// response cannot be decoded.
type DecodeError struct {
	// Kind is the class of the failure.
	Kind error
	// Reason is a description of the failure.
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Kind }

func decodeErr(kind error, format string, args ...any) error {
	return &DecodeError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// ErrStatus is matched by errors.Is for all *StatusError values.
var ErrStatus = errors.New("control point status")

// StatusError is returned when the sensor rejects a control point
// command.
type StatusError struct {
	Op      Command
	Measure MeasureType
	Status  Status
	// Params holds any trailing parameters sent with the
	// failure for diagnostics.
	Params []byte
}

func (e *StatusError) Error() string {
	status := e.Status.Meaning().String()
	if e.Status.Meaning() != e.Status {
		status = fmt.Sprintf("%s status %d", status, uint8(e.Status))
	}
	if len(e.Params) != 0 {
		return fmt.Sprintf("%s %s: %s (params %#x)", e.Op, e.Measure, status, e.Params)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Measure, status)
}

func (e *StatusError) Is(target error) bool { return target == ErrStatus }

// ErrNotStreaming is returned by Stream.Accept for frames that arrive
// while the stream is neither armed nor streaming.
var ErrNotStreaming = errors.New("stream not armed")

// ErrStopped is returned by Stream.Next once the stream has been
// stopped and its queue drained.
var ErrStopped = errors.New("stream stopped")
