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
package esp

import (
	"bytes"
	"encoding/binary"
)

// Command packet wire layout (before SLIP framing):
//
//	byte     0  direction (0x00 request, 0x01 response)
//	byte     1  opcode
//	bytes  2-3  payload length, little-endian
//	bytes  4-7  checksum, little-endian (FLASH_DATA only, else 0)
//	bytes   8+  payload
func newCommand(cmd Command, payload []byte, checksum uint32) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(payload)))
	buf.WriteByte(directionRequest)
	buf.WriteByte(byte(cmd))
	binary.Write(buf, binary.LittleEndian, uint16(len(payload)))
	binary.Write(buf, binary.LittleEndian, checksum)
	buf.Write(payload)
	return buf.Bytes()
}

// SyncCommand builds the SYNC command: 07 07 12 20 followed by 32
// bytes of 0x55. The pattern lets the ROM's autobaud detection lock on.
func SyncCommand() []byte {
	payload := append([]byte{0x07, 0x07, 0x12, 0x20}, bytes.Repeat([]byte{0x55}, 32)...)
	return newCommand(CmdSync, payload, 0)
}

// SPIAttachCommand builds SPI_ATTACH. config selects the SPI flash pin
// configuration, 0 for the chip default. The second word is reserved
// and must be present: the ROM rejects the short 4-byte form.
func SPIAttachCommand(config uint32) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, config)
	binary.Write(buf, binary.LittleEndian, uint32(0))
	return newCommand(CmdSPIAttach, buf.Bytes(), 0)
}

// FlashBeginCommand builds FLASH_BEGIN. All five words are required by
// the ROM loader even though the encrypted flag is usually 0.
func FlashBeginCommand(size, numBlocks, blockSize, offset uint32, encrypted bool) []byte {
	var enc uint32
	if encrypted {
		enc = 1
	}
	buf := &bytes.Buffer{}
	for _, w := range []uint32{size, numBlocks, blockSize, offset, enc} {
		binary.Write(buf, binary.LittleEndian, w)
	}
	return newCommand(CmdFlashBegin, buf.Bytes(), 0)
}

// FlashDataCommand builds FLASH_DATA for one block. The checksum
// covers the block bytes only, not the 16-byte payload header.
func FlashDataCommand(block []byte, seq uint32) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 16+len(block)))
	binary.Write(buf, binary.LittleEndian, uint32(len(block)))
	binary.Write(buf, binary.LittleEndian, seq)
	buf.Write(make([]byte, 8)) // reserved
	buf.Write(block)
	return newCommand(CmdFlashData, buf.Bytes(), Checksum(block))
}

// FlashEndCommand builds FLASH_END. The flag is 0 to reboot into the
// flashed firmware, 1 to remain in the bootloader.
func FlashEndCommand(reboot bool) []byte {
	flag := uint32(1)
	if reboot {
		flag = 0
	}
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, flag)
	return newCommand(CmdFlashEnd, buf.Bytes(), 0)
}

// ChangeBaudRateCommand builds CHANGE_BAUD_RATE. oldBaud is
// informational for the ROM.
func ChangeBaudRateCommand(newBaud, oldBaud uint32) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, newBaud)
	binary.Write(buf, binary.LittleEndian, oldBaud)
	return newCommand(CmdChangeBaudRate, buf.Bytes(), 0)
}

// ReadRegCommand builds READ_REG for a single register.
func ReadRegCommand(addr uint32) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, addr)
	return newCommand(CmdReadReg, buf.Bytes(), 0)
}

// WriteRegCommand builds WRITE_REG. mask selects the bits to change
// (0xFFFFFFFF for a full write), delayUs is a post-write delay applied
// by the ROM.
func WriteRegCommand(addr, value, mask, delayUs uint32) []byte {
	buf := &bytes.Buffer{}
	for _, w := range []uint32{addr, value, mask, delayUs} {
		binary.Write(buf, binary.LittleEndian, w)
	}
	return newCommand(CmdWriteReg, buf.Bytes(), 0)
}

// Response is a parsed view of one decoded frame. Status and Error are
// the first two bytes of the data section, not the last two: the ROM
// puts them ahead of any additional response data.
type Response struct {
	Cmd    Command
	Size   uint16
	Value  uint32
	Data   []byte
	Status uint8
	Error  uint8
}

func (r *Response) Success() bool {
	return r.Status == 0 && r.Error == 0
}

// ParseResponse parses a decoded frame into a Response. It returns nil
// if the frame is too short to be a response or is not a response
// packet. The declared size is clamped to the frame so truncated or
// malformed frames cannot cause out-of-range slicing.
func ParseResponse(pkt []byte) *Response {
	if len(pkt) < 8 || pkt[0] != directionResponse {
		return nil
	}
	r := &Response{
		Cmd:   Command(pkt[1]),
		Size:  binary.LittleEndian.Uint16(pkt[2:4]),
		Value: binary.LittleEndian.Uint32(pkt[4:8]),
	}
	end := 8 + int(r.Size)
	if end > len(pkt) {
		end = len(pkt)
	}
	r.Data = pkt[8:end]
	if len(r.Data) >= 1 {
		r.Status = r.Data[0]
	}
	if len(r.Data) >= 2 {
		r.Error = r.Data[1]
	}
	return r
}
