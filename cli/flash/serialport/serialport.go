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

// Package serialport owns the serial connection to the target device:
// exclusive open, raw-mode configuration, timed reads, control line
// manipulation and the bootloader reset sequences built on top of it.
package serialport

import (
	"time"
)

// Baud rates supported for flashing. The ROM always starts at 115200.
const DefaultBaudRate = 115200

var SupportedBaudRates = []int{115200, 230400, 460800, 921600}

func BaudRateSupported(baud int) bool {
	for _, b := range SupportedBaudRates {
		if b == baud {
			return true
		}
	}
	return false
}

// Conn is one exclusive connection to a serial device. The flashing
// engine owns a Conn for the lifetime of one flash attempt; nothing
// else may touch it concurrently.
type Conn interface {
	// Write writes all of data, retrying on a full kernel buffer.
	Write(data []byte) error
	// Read returns whatever bytes are available within timeout, up to
	// one 4096-byte chunk. A timeout is not an error: it returns an
	// empty slice and a nil error.
	Read(timeout time.Duration) ([]byte, error)
	// SetBaudRate reconfigures the line speed without closing the
	// handle and discards both buffers, since bytes framed at the old
	// rate are garbage at the new one.
	SetBaudRate(baud int) error
	SetDTR(v bool) error
	SetRTS(v bool) error
	// SetDTRRTS sets both lines, DTR first. The two writes stay
	// separate ioctls: the reset sequences depend on the ordering.
	SetDTRRTS(dtr, rts bool) error
	// Flush discards unread input and unsent output.
	Flush() error
	Close() error
}
