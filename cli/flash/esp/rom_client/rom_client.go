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

// Package rom_client talks to the ROM bootloader over an open serial
// connection: it frames commands, waits for matching responses and
// implements the command sequences (sync, register access, flash
// operations) the flasher is built from.
package rom_client

import (
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/espflash/espflash/cli/flash/esp"
	"github.com/espflash/espflash/cli/flash/serialport"
	"github.com/espflash/espflash/cli/flash/slip"
	"github.com/espflash/espflash/common/clock"
)

const (
	// Inner read granularity while waiting for a response. Short, so
	// both the deadline and the cancellation flag are checked often.
	readChunkTimeout = 100 * time.Millisecond

	syncResponseTimeout = 1000 * time.Millisecond
	syncDrainTimeout    = 100 * time.Millisecond
	// The ROM echoes several SYNC replies; they must be drained or
	// they would be matched against later commands.
	syncDrainCount = 7

	regResponseTimeout = 1000 * time.Millisecond
	spiAttachTimeout   = 3000 * time.Millisecond
	flashBeginTimeout  = 30000 * time.Millisecond // erase can be slow
	flashDataTimeout   = 5000 * time.Millisecond
	flashEndTimeout    = 2000 * time.Millisecond
	baudChangeSettle   = 50 * time.Millisecond
)

// ErrCancelled is returned when the cancellation flag is observed
// during a wait.
var ErrCancelled = errors.New("cancelled")

// TimeoutError reports that no matching response arrived in time.
// Timeouts are ordinary outcomes for single attempts; callers convert
// them to fatal errors only when a retry budget is exhausted.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for %s response", e.Op)
}

func IsTimeout(err error) bool {
	_, ok := errors.Cause(err).(*TimeoutError)
	return ok
}

// CommandError reports a response whose status bytes indicate failure.
type CommandError struct {
	Cmd    esp.Command
	Status uint8
	Code   uint8
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed: status=%d error=%d", e.Cmd, e.Status, e.Code)
}

func AsCommandError(err error) *CommandError {
	ce, _ := errors.Cause(err).(*CommandError)
	return ce
}

// ROMClient drives the request/response protocol on one connection.
// Not safe for concurrent use: one flash attempt owns it exclusively.
type ROMClient struct {
	conn      serialport.Conn
	dec       *slip.Decoder
	cancelled func() bool
	clk       clock.Clock
}

func New(conn serialport.Conn, cancelled func() bool) *ROMClient {
	return NewWithClock(conn, cancelled, clock.System())
}

// NewWithClock is New with an explicit clock, for tests that need to
// run the fixed protocol delays instantly.
func NewWithClock(conn serialport.Conn, cancelled func() bool, clk clock.Clock) *ROMClient {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	return &ROMClient{
		conn:      conn,
		dec:       slip.NewDecoder(),
		cancelled: cancelled,
		clk:       clk,
	}
}

func (rc *ROMClient) sendPacket(pkt []byte) error {
	glog.V(3).Infof("=> %s (%d bytes)", esp.Command(pkt[1]), len(pkt))
	return errors.Trace(rc.conn.Write(slip.Encode(pkt)))
}

// WaitResponse reads until a response to cmd arrives or timeout
// expires. Decoded frames that are not responses, or respond to a
// different opcode, are stale echoes of earlier operations and are
// silently dropped.
func (rc *ROMClient) WaitResponse(cmd esp.Command, timeout time.Duration) (*esp.Response, error) {
	deadline := rc.clk.Now().Add(timeout)
	rc.dec.Reset()
	for rc.clk.Now().Before(deadline) {
		if rc.cancelled() {
			return nil, ErrCancelled
		}
		data, err := rc.conn.Read(readChunkTimeout)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, frame := range rc.dec.Feed(data) {
			r := esp.ParseResponse(frame)
			if r == nil || r.Cmd != cmd {
				glog.V(3).Infof("dropping unmatched frame (%d bytes)", len(frame))
				continue
			}
			glog.V(3).Infof("<= %s status=%d error=%d", r.Cmd, r.Status, r.Error)
			return r, nil
		}
	}
	return nil, &TimeoutError{Op: cmd.String()}
}

// command sends pkt and waits for a successful response to cmd.
func (rc *ROMClient) command(cmd esp.Command, pkt []byte, timeout time.Duration) (*esp.Response, error) {
	if err := rc.sendPacket(pkt); err != nil {
		return nil, errors.Trace(err)
	}
	r, err := rc.WaitResponse(cmd, timeout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !r.Success() {
		return r, &CommandError{Cmd: cmd, Status: r.Status, Code: r.Error}
	}
	return r, nil
}

// Sync performs one sync attempt: a single SYNC command, a wait for the
// matching reply, then a drain of the extra SYNC echoes the ROM sends.
func (rc *ROMClient) Sync() error {
	if _, err := rc.command(esp.CmdSync, esp.SyncCommand(), syncResponseTimeout); err != nil {
		return errors.Trace(err)
	}
	for i := 0; i < syncDrainCount; i++ {
		if _, err := rc.WaitResponse(esp.CmdSync, syncDrainTimeout); err != nil {
			if errors.Cause(err) == ErrCancelled {
				return errors.Trace(err)
			}
			// Drain timeouts are expected once the echoes run out;
			// keep going, later echoes can still straggle in.
		}
	}
	return errors.Trace(rc.conn.Flush())
}

// ReadReg reads a single hardware register.
func (rc *ROMClient) ReadReg(addr uint32) (uint32, error) {
	r, err := rc.command(esp.CmdReadReg, esp.ReadRegCommand(addr), regResponseTimeout)
	if err != nil {
		return 0, errors.Annotatef(err, "READ_REG 0x%08x", addr)
	}
	return r.Value, nil
}

// WriteReg writes a single hardware register in full.
func (rc *ROMClient) WriteReg(addr, value uint32) error {
	_, err := rc.command(esp.CmdWriteReg, esp.WriteRegCommand(addr, value, 0xFFFFFFFF, 0), regResponseTimeout)
	return errors.Annotatef(err, "WRITE_REG 0x%08x", addr)
}

// DisableWatchdogs neutralizes the RTC watchdog and the super watchdog
// so neither fires mid-flash. The RTC watchdog is switched off behind
// its write-protection key; the super watchdog cannot be fully disabled
// so its auto-feed bit is set instead. Must run immediately after a
// successful sync on USB-Serial-JTAG devices.
func (rc *ROMClient) DisableWatchdogs() error {
	glog.V(1).Infof("disabling watchdogs")
	if err := rc.WriteReg(esp.RegRTCWDTWProtect, esp.RTCWDTWKey); err != nil {
		return errors.Trace(err)
	}
	cfg, err := rc.ReadReg(esp.RegRTCWDTConfig0)
	if err != nil {
		return errors.Trace(err)
	}
	if err := rc.WriteReg(esp.RegRTCWDTConfig0, cfg&^uint32(esp.RTCWDTEnableBit)); err != nil {
		return errors.Trace(err)
	}
	if err := rc.WriteReg(esp.RegRTCWDTWProtect, 0); err != nil {
		return errors.Trace(err)
	}

	if err := rc.WriteReg(esp.RegSWDWProtect, esp.SWDWKey); err != nil {
		return errors.Trace(err)
	}
	conf, err := rc.ReadReg(esp.RegSWDConf)
	if err != nil {
		return errors.Trace(err)
	}
	if err := rc.WriteReg(esp.RegSWDConf, conf|uint32(esp.SWDAutoFeedEnBit)); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(rc.WriteReg(esp.RegSWDWProtect, 0))
}

// SPIAttach attaches the SPI flash to the ROM loader with the default
// pin configuration. Required before any flash operation when talking
// to the bare ROM.
func (rc *ROMClient) SPIAttach() error {
	_, err := rc.command(esp.CmdSPIAttach, esp.SPIAttachCommand(0), spiAttachTimeout)
	return errors.Trace(err)
}

// ChangeBaudRate switches the device and then the local port to
// newBaud, and confirms with a single sync attempt at the new rate.
func (rc *ROMClient) ChangeBaudRate(newBaud int) error {
	if err := rc.sendPacket(esp.ChangeBaudRateCommand(uint32(newBaud), serialport.DefaultBaudRate)); err != nil {
		return errors.Trace(err)
	}
	rc.clk.Sleep(baudChangeSettle)
	if err := rc.conn.SetBaudRate(newBaud); err != nil {
		return errors.Trace(err)
	}
	rc.clk.Sleep(baudChangeSettle)
	return errors.Annotatef(rc.Sync(), "device did not follow to %d baud", newBaud)
}

// FlashBegin starts the write of one image: erases size bytes at
// offset and announces numBlocks blocks of blockSize.
func (rc *ROMClient) FlashBegin(size, numBlocks, blockSize, offset uint32) error {
	_, err := rc.command(esp.CmdFlashBegin,
		esp.FlashBeginCommand(size, numBlocks, blockSize, offset, false), flashBeginTimeout)
	return errors.Trace(err)
}

// FlashData sends one block. The device verifies the checksum and
// reports the result in the response status bytes.
func (rc *ROMClient) FlashData(block []byte, seq uint32) error {
	_, err := rc.command(esp.CmdFlashData, esp.FlashDataCommand(block, seq), flashDataTimeout)
	return errors.Trace(err)
}

// FlashEnd finishes the flash session. With reboot the device may
// start restarting before its reply makes it out, so a missing
// response counts as success; without reboot it does not.
func (rc *ROMClient) FlashEnd(reboot bool) error {
	if err := rc.sendPacket(esp.FlashEndCommand(reboot)); err != nil {
		return errors.Trace(err)
	}
	r, err := rc.WaitResponse(esp.CmdFlashEnd, flashEndTimeout)
	if err != nil {
		if errors.Cause(err) == ErrCancelled {
			return errors.Trace(err)
		}
		if IsTimeout(err) && reboot {
			glog.V(1).Infof("no FLASH_END response, device is likely rebooting")
			return nil
		}
		return errors.Trace(err)
	}
	if !r.Success() && !reboot {
		return &CommandError{Cmd: esp.CmdFlashEnd, Status: r.Status, Code: r.Error}
	}
	return nil
}
