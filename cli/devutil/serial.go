//
// Copyright (c) 2025 The espflash Authors
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package devutil

import (
	"strings"

	"github.com/juju/errors"
	"go.bug.st/serial/enumerator"
)

// The on-chip USB-Serial-JTAG peripheral enumerates with a fixed
// Espressif vendor/product pair.
const (
	usbSerialJTAGVID = "303A"
	usbSerialJTAGPID = "1001"
)

// PortInfo describes one serial device present on the system.
type PortInfo struct {
	Name          string
	IsUSB         bool
	VID, PID      string
	Product       string
	USBSerialJTAG bool
}

// Ports enumerates the serial devices on the system.
func Ports() ([]PortInfo, error) {
	dpp, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to enumerate serial ports")
	}
	var pp []PortInfo
	for _, dp := range dpp {
		pp = append(pp, PortInfo{
			Name:    dp.Name,
			IsUSB:   dp.IsUSB,
			VID:     dp.VID,
			PID:     dp.PID,
			Product: dp.Product,
			USBSerialJTAG: dp.IsUSB &&
				strings.EqualFold(dp.VID, usbSerialJTAGVID) &&
				strings.EqualFold(dp.PID, usbSerialJTAGPID),
		})
	}
	return pp, nil
}

// IsUSBSerialJTAG reports whether port is a native USB-Serial-JTAG
// device. Ports that cannot be found are assumed to sit behind a
// bridge chip.
func IsUSBSerialJTAG(port string) (bool, error) {
	pp, err := Ports()
	if err != nil {
		return false, errors.Trace(err)
	}
	for _, p := range pp {
		if p.Name == port {
			return p.USBSerialJTAG, nil
		}
	}
	return false, nil
}
