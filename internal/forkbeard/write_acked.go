// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build darwin || windows

package forkbeard

import "tinygo.org/x/bluetooth"

func write(char bluetooth.DeviceCharacteristic, data []byte, withResponse bool) error {
	var err error
	if withResponse {
		_, err = char.Write(data)
	} else {
		_, err = char.WriteWithoutResponse(data)
	}
	return err
}
