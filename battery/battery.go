// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package battery implements reading of the standard 180f Bluetooth
// battery service characteristic.
package battery

import (
	"context"
	"fmt"

	"github.com/kortschak/pmdstream/transport"
)

const (
	ServiceID             = "180f"
	LevelCharacteristicID = "2a19"
)

var (
	batteryService             = transport.MustParse(ServiceID)
	batteryLevelCharacteristic = transport.MustParse(LevelCharacteristicID)
)

// Level returns the battery level in percent for the provided connection.
func Level(ctx context.Context, conn transport.Conn) (int, error) {
	// https://www.bluetooth.com/specifications/specs/battery-service/

	char, err := conn.Characteristic(ctx, batteryService, batteryLevelCharacteristic)
	if err != nil {
		return 0, fmt.Errorf("failed to get battery device characteristic: %w", err)
	}
	resp, err := char.Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed read battery characteristic: %w", err)
	}
	if len(resp) == 0 {
		return 0, fmt.Errorf("empty battery level")
	}
	if resp[0] > 100 {
		return 0, fmt.Errorf("invalid battery level: %d", resp[0])
	}
	return int(resp[0]), nil
}
