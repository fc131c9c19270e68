// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package devinfo implements reading of the standard 180a Bluetooth
// device information service strings.
package devinfo

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/kortschak/pmdstream/transport"
)

const (
	ServiceID          = "180a"
	ManufacturerNameID = "2a29"
	ModelNumberID      = "2a24"
	SerialNumberID     = "2a25"
	HardwareRevisionID = "2a27"
	FirmwareRevisionID = "2a26"
	SoftwareRevisionID = "2a28"
)

var devInfoService = transport.MustParse(ServiceID)

// Info holds the device information strings. Strings not provided by
// the device are empty.
type Info struct {
	Manufacturer string
	Model        string
	Serial       string
	Hardware     string
	Firmware     string
	Software     string
}

func (i Info) String() string {
	return fmt.Sprintf("manufacturer=%q model=%q serial=%q hardware=%q firmware=%q software=%q",
		i.Manufacturer, i.Model, i.Serial, i.Hardware, i.Firmware, i.Software)
}

// Read returns the device information for the provided connection.
// Characteristics missing from the service are skipped. If none of
// the strings can be found the returned error wraps
// transport.ErrNotFound.
func Read(ctx context.Context, conn transport.Conn) (Info, error) {
	// https://www.bluetooth.com/specifications/specs/device-information-service-1-1/

	var info Info
	fields := []struct {
		id  string
		dst *string
	}{
		{ManufacturerNameID, &info.Manufacturer},
		{ModelNumberID, &info.Model},
		{SerialNumberID, &info.Serial},
		{HardwareRevisionID, &info.Hardware},
		{FirmwareRevisionID, &info.Firmware},
		{SoftwareRevisionID, &info.Software},
	}
	var found bool
	for _, f := range fields {
		char, err := conn.Characteristic(ctx, devInfoService, transport.MustParse(f.id))
		if errors.Is(err, transport.ErrNotFound) {
			continue
		}
		if err != nil {
			return info, fmt.Errorf("failed to get device information characteristic %s: %w", f.id, err)
		}
		found = true
		resp, err := char.Read(ctx)
		if err != nil {
			return info, fmt.Errorf("failed to read device information characteristic %s: %w", f.id, err)
		}
		// Some devices null-pad their strings.
		*f.dst = string(bytes.TrimRight(resp, "\x00"))
	}
	if !found {
		return info, fmt.Errorf("no device information: %w", transport.ErrNotFound)
	}
	return info, nil
}
