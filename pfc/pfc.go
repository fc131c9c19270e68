// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pfc implements interaction with the Polar Features
// Configuration Bluetooth service.
package pfc

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kortschak/pmdstream/pmd"
	"github.com/kortschak/pmdstream/transport"
)

// Service and characteristic identifiers.
const (
	ServiceID      = "6217ff4b-fb31-1140-ad5a-a45545d7ecf3"
	FeatureID      = "6217ff4c-c8ec-b1fb-1380-3ad986708e2d"
	ControlPointID = "6217ff4d-91bb-91d0-7e2a-7cd3bda8a1f3"
)

var (
	pfcService = transport.MustParse(ServiceID)
	pfcFeature = transport.MustParse(FeatureID)
	pfcCP      = transport.MustParse(ControlPointID)
)

// Flags is the set of features configurable through the PFC service.
type Flags uint16

const (
	Broadcast       Flags = 1 << 0
	FiveKHz         Flags = 1 << 1
	OTAUpdate       Flags = 1 << 2
	WhisperMode     Flags = 1 << 4
	BLEMode         Flags = 1 << 6
	MultiConnection Flags = 1 << 7
	ANTPlus         Flags = 1 << 8
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{Broadcast, "broadcast"},
	{FiveKHz, "5khz"},
	{OTAUpdate, "ota_update"},
	{WhisperMode, "whisper_mode"},
	{BLEMode, "ble_mode"},
	{MultiConnection, "multi_connection"},
	{ANTPlus, "ant_plus"},
}

func (f Flags) String() string {
	var (
		s    strings.Builder
		seen Flags
	)
	for _, n := range flagNames {
		if f&n.flag == 0 {
			continue
		}
		seen |= n.flag
		if s.Len() != 0 {
			s.WriteByte('|')
		}
		s.WriteString(n.name)
	}
	if rest := f &^ seen; rest != 0 {
		if s.Len() != 0 {
			s.WriteByte('|')
		}
		fmt.Fprintf(&s, "%#x", uint16(rest))
	}
	return s.String()
}

// ParseFlags returns the flags held in a read of the PFC feature
// characteristic.
func ParseFlags(buf []byte) (Flags, error) {
	if len(buf) < 2 {
		return 0, &pmd.DecodeError{Kind: pmd.ErrTruncatedFrame, Reason: fmt.Sprintf("pfc features of %d bytes", len(buf))}
	}
	return Flags(binary.LittleEndian.Uint16(buf)), nil
}

// Read returns the PFC features of the connected sensor.
func Read(ctx context.Context, conn transport.Conn) (Flags, error) {
	char, err := conn.Characteristic(ctx, pfcService, pfcFeature)
	if err != nil {
		return 0, fmt.Errorf("failed to get device pfc feature characteristic: %w", err)
	}
	buf, err := char.Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read pfc features: %w", err)
	}
	return ParseFlags(buf)
}

// Op is a PFC control point operation.
type Op uint8

const (
	ConfigureBroadcast       Op = 1
	RequestBroadcast         Op = 2
	Configure5KHz            Op = 3
	Request5KHz              Op = 4
	ConfigureWhisperMode     Op = 5
	RequestWhisperMode       Op = 6
	ConfigureBLEMode         Op = 7
	ConfigureMultiConnection Op = 8
	RequestMultiConnection   Op = 9
	ConfigureANTPlus         Op = 10
	RequestANTPlus           Op = 11
)

var opNames = [...]string{
	ConfigureBroadcast:       "configure_broadcast",
	RequestBroadcast:         "request_broadcast",
	Configure5KHz:            "configure_5khz",
	Request5KHz:              "request_5khz",
	ConfigureWhisperMode:     "configure_whisper_mode",
	RequestWhisperMode:       "request_whisper_mode",
	ConfigureBLEMode:         "configure_ble_mode",
	ConfigureMultiConnection: "configure_multi_connection",
	RequestMultiConnection:   "request_multi_connection",
	ConfigureANTPlus:         "configure_ant_plus",
	RequestANTPlus:           "request_ant_plus",
}

func (o Op) String() string {
	if int(o) < len(opNames) && opNames[o] != "" {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// Status is a PFC control point response status. PFC status codes
// differ from PMD status codes; success is one.
type Status uint8

const (
	Success             Status = 1
	NotSupported        Status = 2
	InvalidParameter    Status = 3
	OperationNotAllowed Status = 4
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case NotSupported:
		return "not_supported"
	case InvalidParameter:
		return "invalid_parameter"
	case OperationNotAllowed:
		return "operation_not_allowed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// responseMarker is the first byte of all control point responses.
const responseMarker = 0xf0

// minResponseSize is the length of a response without parameters.
const minResponseSize = 3

// Response is a PFC control point response.
type Response struct {
	Op     Op
	Status Status
	// Params holds any response parameters. It is
	// returned for failed responses for diagnostics.
	Params []byte
}

// ParseResponse decodes a PFC control point response. The returned
// Params is empty for three byte responses.
func ParseResponse(buf []byte) (Response, error) {
	if len(buf) < minResponseSize {
		return Response{}, &pmd.DecodeError{Kind: pmd.ErrTruncatedFrame, Reason: fmt.Sprintf("pfc response of %d bytes", len(buf))}
	}
	if buf[0] != responseMarker {
		return Response{}, &pmd.DecodeError{Kind: pmd.ErrDecode, Reason: fmt.Sprintf("invalid pfc response marker: %#x", buf[0])}
	}
	return Response{
		Op:     Op(buf[1]),
		Status: Status(buf[2]),
		Params: append([]byte{}, buf[minResponseSize:]...),
	}, nil
}

// Err returns an error if the response does not indicate success.
func (r Response) Err() error {
	if r.Status == Success {
		return nil
	}
	return fmt.Errorf("pfc %s: %s: %w", r.Op, r.Status, pmd.ErrStatus)
}

func (r Response) String() string {
	return fmt.Sprintf("%s: %s params=%#x", r.Op, r.Status, r.Params)
}

// Watch subscribes to PFC control point indications, calling fn with
// each decoded response. The subscription is removed when ctx is done
// or the returned function is called.
func Watch(ctx context.Context, conn transport.Conn, fn func(Response, error)) (stop func() error, err error) {
	char, err := conn.Characteristic(ctx, pfcService, pfcCP)
	if err != nil {
		return nil, fmt.Errorf("failed to get device pfc control point characteristic: %w", err)
	}
	log := zerolog.Ctx(ctx)
	err = char.Subscribe(func(buf []byte) {
		log.Debug().Hex("data", buf).Msg("pfc control point")
		fn(ParseResponse(buf))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to pfc control point: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			char.Unsubscribe()
		case <-done:
		}
	}()
	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			close(done)
			err = char.Unsubscribe()
		})
		return err
	}, nil
}
