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

// Package esp defines the Espressif ROM bootloader serial protocol:
// command opcodes, packet layout, the XOR checksum and the hardware
// register map used to neutralize watchdogs during flashing.
package esp

import "fmt"

// Command is a ROM bootloader command opcode.
type Command uint8

// Opcodes are fixed contracts with the ROM, do not renumber.
const (
	CmdFlashBegin     Command = 0x02
	CmdFlashData      Command = 0x03
	CmdFlashEnd       Command = 0x04
	CmdSync           Command = 0x08
	CmdWriteReg       Command = 0x09
	CmdReadReg        Command = 0x0A
	CmdSPIAttach      Command = 0x0D
	CmdChangeBaudRate Command = 0x0F
)

func (c Command) String() string {
	switch c {
	case CmdFlashBegin:
		return "FLASH_BEGIN"
	case CmdFlashData:
		return "FLASH_DATA"
	case CmdFlashEnd:
		return "FLASH_END"
	case CmdSync:
		return "SYNC"
	case CmdWriteReg:
		return "WRITE_REG"
	case CmdReadReg:
		return "READ_REG"
	case CmdSPIAttach:
		return "SPI_ATTACH"
	case CmdChangeBaudRate:
		return "CHANGE_BAUD_RATE"
	default:
		return fmt.Sprintf("???(0x%02x)", uint8(c))
	}
}

const (
	// ChecksumSeed is the initial value of the XOR checksum over
	// FLASH_DATA payloads.
	ChecksumSeed = 0xEF

	// FlashBlockSize is the FLASH_DATA block size accepted by the ROM
	// loader.
	FlashBlockSize = 1024

	// FlashPadByte fills the tail of a partial block. Erased flash
	// reads as 0xFF, so padding with it leaves those cells untouched.
	FlashPadByte = 0xFF

	// ImageMagicByte is the first byte of any valid ESP firmware image.
	ImageMagicByte = 0xE9

	directionRequest  = 0x00
	directionResponse = 0x01
)

// ESP32-C3 RTC control registers used to neutralize the watchdogs while
// the ROM loader erases and writes flash. Fixed hardware addresses from
// the technical reference manual.
const (
	RTCCntlBase = 0x60008000

	RegRTCWDTConfig0  = RTCCntlBase + 0x0090
	RegRTCWDTWProtect = RTCCntlBase + 0x00A8
	RTCWDTWKey        = 0x50D83AA1

	RegSWDConf     = RTCCntlBase + 0x00AC
	RegSWDWProtect = RTCCntlBase + 0x00B0
	SWDWKey        = 0x8F1D312A

	RTCWDTEnableBit  = 1 << 31
	SWDAutoFeedEnBit = 1 << 31
)

// Checksum computes the 8-bit XOR checksum of data, seeded with
// ChecksumSeed and widened to 32 bits for the packet header. Only
// FLASH_DATA carries a checksum; all other commands send 0.
func Checksum(data []byte) uint32 {
	cs := uint8(ChecksumSeed)
	for _, b := range data {
		cs ^= b
	}
	return uint32(cs)
}
