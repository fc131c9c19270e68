// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport defines the boundary between the sensor protocol
// packages and a Bluetooth Low Energy stack.
//
// The protocol packages only ever see the interfaces declared here.
// Implementations live in internal backend packages and in the
// transporttest package used by tests.
package transport

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested service or characteristic
// is not provided by a connected device.
var ErrNotFound = errors.New("not found")

// Advertisement is a received advertisement from a peripheral.
type Advertisement struct {
	Name        string
	Address     string
	RSSI        int
	Connectable bool
}

// Adapter is a Bluetooth adapter able to scan for and connect to
// peripherals.
type Adapter interface {
	// Scan starts scanning and sends advertisements accepted by the
	// filter on the returned channel. The channel is closed when ctx
	// is done or the scan fails. A nil filter accepts everything.
	Scan(ctx context.Context, filter func(Advertisement) bool) (<-chan Advertisement, error)

	// Connect connects to the advertising peripheral.
	Connect(ctx context.Context, adv Advertisement) (Conn, error)
}

// Conn is a connection to a peripheral.
type Conn interface {
	// Services returns the identifiers of the services offered by
	// the peripheral.
	Services(ctx context.Context) ([]uuid.UUID, error)

	// Characteristic returns the characteristic char in service srv.
	// It returns an error wrapping ErrNotFound if either is absent.
	Characteristic(ctx context.Context, srv, char uuid.UUID) (Characteristic, error)

	// Disconnect terminates the connection.
	Disconnect() error

	// Disconnected returns a channel that is closed when the link
	// is lost or Disconnect is called.
	Disconnected() <-chan struct{}
}

// Characteristic is a GATT characteristic on a connected peripheral.
type Characteristic interface {
	UUID() uuid.UUID

	// Read returns the current value of the characteristic.
	Read(ctx context.Context) ([]byte, error)

	// Write writes data to the characteristic, waiting for an
	// ATT write response when withResponse is true.
	Write(ctx context.Context, data []byte, withResponse bool) error

	// Subscribe enables notifications or indications, calling fn
	// for each received value. The buffer passed to fn is only
	// valid for the duration of the call.
	Subscribe(fn func(buf []byte)) error

	// Unsubscribe disables notifications.
	Unsubscribe() error
}

// base is the Bluetooth base UUID, 00000000-0000-1000-8000-00805f9b34fb.
var base = uuid.UUID{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00,
	0x80, 0x00, 0x00, 0x80, 0x5f, 0x9b, 0x34, 0xfb,
}

// UUID16 returns the 128-bit form of a 16-bit assigned number.
func UUID16(id uint16) uuid.UUID {
	u := base
	u[2] = byte(id >> 8)
	u[3] = byte(id)
	return u
}

// Short returns the 16-bit assigned number of u and whether u is
// derived from the Bluetooth base UUID.
func Short(u uuid.UUID) (uint16, bool) {
	if u[0] != 0 || u[1] != 0 || [12]byte(u[4:]) != [12]byte(base[4:]) {
		return 0, false
	}
	return uint16(u[2])<<8 | uint16(u[3]), true
}

// MustParse parses a UUID in either the 16-bit hex short form, such
// as "180d", or the canonical 128-bit form. It panics on error and is
// intended for package level identifiers.
func MustParse(s string) uuid.UUID {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Parse parses a UUID in either the 16-bit hex short form or the
// canonical 128-bit form.
func Parse(s string) (uuid.UUID, error) {
	if len(s) == 4 {
		u, err := uuid.Parse("0000" + s + "-0000-1000-8000-00805f9b34fb")
		if err != nil {
			return uuid.Nil, err
		}
		return u, nil
	}
	return uuid.Parse(s)
}

// NameContains returns a scan filter accepting advertisements whose
// local name contains substr. The match is case-sensitive. An empty
// substr accepts every named advertisement.
func NameContains(substr string) func(Advertisement) bool {
	return func(adv Advertisement) bool {
		return adv.Name != "" && strings.Contains(adv.Name, substr)
	}
}
