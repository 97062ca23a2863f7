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
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"

	"github.com/espflash/espflash/cli/devutil"
	"github.com/espflash/espflash/cli/flags"
	"github.com/espflash/espflash/cli/flash/esp/flasher"
	"github.com/espflash/espflash/cli/ourutil"
	"github.com/espflash/espflash/common/fwimg"
)

func flash() error {
	fw, err := fwimg.Load(*flags.Firmware)
	if err != nil {
		return errors.Trace(err)
	}

	port, err := devutil.GetPort()
	if err != nil {
		return errors.Trace(err)
	}

	var usbSerialJTAG bool
	switch *flags.USBSerialJTAG {
	case "yes":
		usbSerialJTAG = true
	case "no":
		usbSerialJTAG = false
	case "auto":
		usbSerialJTAG, err = devutil.IsUSBSerialJTAG(port)
		if err != nil {
			return errors.Trace(err)
		}
	default:
		return errors.Errorf("invalid --usb-serial-jtag value %q, want auto, yes or no", *flags.USBSerialJTAG)
	}

	ourutil.Reportf("Flashing %s (%s) via %s:", *flags.Firmware,
		fwimg.SizeDescription(fw.TotalSize()), port)
	ourutil.Reportf("%s", fw.FlashDescription())

	lastPercent := -1
	f, err := flasher.New(fw, flasher.Options{
		Port:          port,
		BaudRate:      *flags.BaudRate,
		USBSerialJTAG: usbSerialJTAG,
		OnState: func(s flasher.State) {
			switch s.Type {
			case flasher.StateFlashing:
				if pct := int(s.Progress * 100); pct != lastPercent {
					ourutil.Reportf("  %d%%", pct)
					lastPercent = pct
				}
			case flasher.StateError:
				// Reported below, with the exit status.
			default:
				ourutil.Reportf("%s", s.Message())
			}
		},
	})
	if err != nil {
		return errors.Trace(err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; ok {
			ourutil.Reportf("Interrupted, cancelling...")
			f.Cancel()
		}
	}()

	if err := f.Start(); err != nil {
		return errors.Trace(err)
	}
	final := f.Wait()
	if final.Type == flasher.StateError {
		return errors.New(final.Message())
	}
	return nil
}
