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
package serialport

import (
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/espflash/espflash/common/clock"
)

// ResetStrategy selects how the target is reset into its ROM
// bootloader. It is chosen once per flash attempt from the device
// identity and never mixed mid-session.
type ResetStrategy int

const (
	// ResetClassic drives a USB-UART bridge (CP2102, CH340, ...) where
	// DTR pulls the boot-strap pin and RTS pulls the reset pin, both
	// inverted by the bridge circuit.
	ResetClassic ResetStrategy = iota
	// ResetUSBSerialJTAG drives the native USB-Serial-JTAG peripheral
	// found on ESP32-C3/S3 class chips, which watches DTR/RTS with its
	// own built-in reset logic.
	ResetUSBSerialJTAG
)

func (s ResetStrategy) String() string {
	switch s {
	case ResetClassic:
		return "classic"
	case ResetUSBSerialJTAG:
		return "usb-serial-jtag"
	default:
		return "???"
	}
}

// Resetter bit-bangs the DTR/RTS reset sequences on a Conn. The exact
// line orderings and delays below were established against real silicon
// and must not be reordered or retimed.
type Resetter struct {
	conn Conn
	clk  clock.Clock
}

func NewResetter(conn Conn) *Resetter {
	return &Resetter{conn: conn, clk: clock.System()}
}

// NewResetterWithClock is NewResetter with an explicit clock, for
// exercising the sequences without real delays.
func NewResetterWithClock(conn Conn, clk clock.Clock) *Resetter {
	return &Resetter{conn: conn, clk: clk}
}

// EnterBootloader resets the target into its ROM bootloader using the
// given strategy, then discards whatever the reset put on the wire.
func (r *Resetter) EnterBootloader(strategy ResetStrategy) error {
	glog.V(1).Infof("entering bootloader, %s reset", strategy)
	var err error
	switch strategy {
	case ResetUSBSerialJTAG:
		err = r.usbSerialJTAGReset()
	case ResetClassic:
		err = r.classicReset()
	default:
		return errors.Errorf("unknown reset strategy %d", strategy)
	}
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.conn.Flush())
}

func (r *Resetter) usbSerialJTAGReset() error {
	steps := []func() error{
		// Idle, both lines deasserted.
		func() error { return r.conn.SetRTS(false) },
		func() error { return r.conn.SetDTR(false) },
		r.delay(100 * time.Millisecond),
		// Pull the boot-strap pin.
		func() error { return r.conn.SetDTR(true) },
		func() error { return r.conn.SetRTS(false) },
		r.delay(100 * time.Millisecond),
		// Assert reset. RTS is set a second time because some host USB
		// stacks only propagate the DTR change while RTS is being set.
		func() error { return r.conn.SetRTS(true) },
		func() error { return r.conn.SetDTR(false) },
		func() error { return r.conn.SetRTS(true) },
		r.delay(100 * time.Millisecond),
		// Release reset, let the bootloader start.
		func() error { return r.conn.SetDTR(false) },
		func() error { return r.conn.SetRTS(false) },
		r.delay(50 * time.Millisecond),
	}
	return r.run(steps)
}

func (r *Resetter) classicReset() error {
	steps := []func() error{
		// Reset asserted, boot pin high.
		func() error { return r.conn.SetDTRRTS(false, true) },
		r.delay(100 * time.Millisecond),
		// Boot pin low, reset released: the chip wakes up in the ROM.
		func() error { return r.conn.SetDTRRTS(true, false) },
		r.delay(50 * time.Millisecond),
		// Release the boot pin.
		func() error { return r.conn.SetDTR(false) },
		r.delay(50 * time.Millisecond),
	}
	return r.run(steps)
}

// HardReset pulses the reset line to boot the flashed application. DTR
// stays low throughout so the boot-strap pin selects normal boot.
func (r *Resetter) HardReset() error {
	glog.V(1).Infof("hard reset")
	steps := []func() error{
		func() error { return r.conn.SetDTR(false) },
		r.delay(50 * time.Millisecond),
		func() error { return r.conn.SetRTS(true) },
		r.delay(100 * time.Millisecond),
		func() error { return r.conn.SetRTS(false) },
		r.delay(100 * time.Millisecond),
	}
	return r.run(steps)
}

func (r *Resetter) delay(d time.Duration) func() error {
	return func() error {
		r.clk.Sleep(d)
		return nil
	}
}

func (r *Resetter) run(steps []func() error) error {
	for _, step := range steps {
		if err := step(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
