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
package flags

import (
	flag "github.com/spf13/pflag"
)

var (
	Port = flag.String("port", "auto", "Serial port where the device is connected. "+
		"If set to 'auto', ports on the system will be enumerated and the first will be used.")
	BaudRate = flag.Int("baud-rate", 115200, "Serial port speed during flashing. "+
		"Rates above 115200 are negotiated with the device after sync.")
	Firmware = flag.String("firmware", "", "Firmware to flash: a single .bin file or a build "+
		"directory containing bootloader.bin, partitions.bin and firmware.bin")
	USBSerialJTAG = flag.String("usb-serial-jtag", "auto", "Whether the target uses the native "+
		"USB-Serial-JTAG peripheral. One of: auto, yes, no. 'auto' detects by USB VID/PID.")
)
