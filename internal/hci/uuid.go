// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hci

import (
	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kortschak/pmdstream/transport"
)

// toUUID returns the go-ble form of u, using the short form for
// assigned numbers.
func toUUID(u uuid.UUID) ble.UUID {
	if id, ok := transport.Short(u); ok {
		return ble.UUID16(id)
	}
	return ble.UUID(ble.Reverse(u[:]))
}

// fromUUID returns the 128-bit form of the little-endian go-ble UUID u.
func fromUUID(u ble.UUID) (uuid.UUID, error) {
	switch len(u) {
	case 2:
		return transport.UUID16(uint16(u[0]) | uint16(u[1])<<8), nil
	case 4:
		id := transport.UUID16(0)
		copy(id[:4], ble.Reverse(u))
		return id, nil
	case 16:
		return uuid.FromBytes(ble.Reverse(u))
	default:
		return uuid.Nil, errors.Errorf("invalid uuid length: %d", len(u))
	}
}
