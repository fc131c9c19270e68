// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !darwin && !windows

package forkbeard

import "tinygo.org/x/bluetooth"

// write writes data as a write command. The BlueZ backend does not
// provide acknowledged writes, so withResponse is ignored. Control
// point exchanges still wait for the indicated response.
func write(char bluetooth.DeviceCharacteristic, data []byte, withResponse bool) error {
	_, err := char.WriteWithoutResponse(data)
	return err
}
