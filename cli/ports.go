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
	"github.com/juju/errors"

	"github.com/espflash/espflash/cli/devutil"
	"github.com/espflash/espflash/cli/ourutil"
)

func ports() error {
	pp, err := devutil.Ports()
	if err != nil {
		return errors.Trace(err)
	}
	if len(pp) == 0 {
		ourutil.Reportf("No serial ports found")
		return nil
	}
	for _, p := range pp {
		switch {
		case p.USBSerialJTAG:
			ourutil.Reportf("%-20s %s:%s %s (USB-Serial-JTAG)", p.Name, p.VID, p.PID, p.Product)
		case p.IsUSB:
			ourutil.Reportf("%-20s %s:%s %s", p.Name, p.VID, p.PID, p.Product)
		default:
			ourutil.Reportf("%s", p.Name)
		}
	}
	return nil
}
