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

// Package flasher drives one end-to-end flash attempt: reset into the
// ROM bootloader, sync with retries and fallback reconnection, then
// write every image of the firmware set and restart the device. The
// caller observes progress through a state callback and may cancel at
// any point; the serial connection is closed on every exit path.
package flasher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/espflash/espflash/cli/flash/esp"
	"github.com/espflash/espflash/cli/flash/esp/rom_client"
	"github.com/espflash/espflash/cli/flash/serialport"
	"github.com/espflash/espflash/common/clock"
	"github.com/espflash/espflash/common/fwimg"
)

const (
	// Time for the ROM bootloader to come up after the reset sequence.
	bootloaderSettleDelay = 500 * time.Millisecond

	syncAttempts   = 20
	syncRetryDelay = 50 * time.Millisecond

	// Fallback reconnection, for ports that re-enumerate after reset.
	reenumerationDelay = 2000 * time.Millisecond
	reopenAttempts     = 5
	reopenDelay        = 500 * time.Millisecond

	// Pause after each block so the ROM loader's USB receive buffer is
	// not overrun. Looks like dead time but is required on native USB
	// targets; do not remove.
	blockDelay = 5 * time.Millisecond

	verifyDelay  = 100 * time.Millisecond
	restartDelay = 1000 * time.Millisecond
)

// OpenFunc opens the serial device at path. It exists as a seam so
// tests can substitute a simulated device.
type OpenFunc func(path string) (serialport.Conn, error)

// Options configures one flash attempt.
type Options struct {
	// Port is the serial device path.
	Port string
	// BaudRate is the transfer rate. Rates above the default trigger a
	// CHANGE_BAUD_RATE negotiation after sync.
	BaudRate int
	// USBSerialJTAG selects the reset strategy and the watchdog
	// handling for targets with a native USB-Serial-JTAG peripheral.
	USBSerialJTAG bool
	// OnState, if set, receives every state transition. Called from
	// the flashing goroutine; must not block for long.
	OnState func(State)
}

// Flasher runs at most one flash attempt at a time.
type Flasher struct {
	opts   Options
	images *fwimg.Set
	open   OpenFunc
	clk    clock.Clock

	running   atomic.Bool
	cancelled atomic.Bool

	mu    sync.Mutex
	done  chan struct{}
	conn  serialport.Conn
	final State
}

// New creates a Flasher for the given firmware set.
func New(images *fwimg.Set, opts Options) (*Flasher, error) {
	return NewWithDeps(images, opts, openPort, clock.System())
}

// NewWithDeps is New with the port opener and clock injected, for
// tests that run against a simulated device.
func NewWithDeps(images *fwimg.Set, opts Options, open OpenFunc, clk clock.Clock) (*Flasher, error) {
	if opts.BaudRate == 0 {
		opts.BaudRate = serialport.DefaultBaudRate
	}
	if !serialport.BaudRateSupported(opts.BaudRate) {
		return nil, errors.Errorf("unsupported baud rate %d (supported: %v)", opts.BaudRate, serialport.SupportedBaudRates)
	}
	// Pre-closed so Wait before the first Start returns immediately
	// instead of hanging on a nil channel.
	done := make(chan struct{})
	close(done)
	return &Flasher{opts: opts, images: images, open: open, clk: clk, done: done}, nil
}

func openPort(path string) (serialport.Conn, error) {
	return serialport.Open(path)
}

// Start launches the flash attempt in the background. A second Start
// while one attempt is in flight is rejected.
func (f *Flasher) Start() error {
	if !f.running.CompareAndSwap(false, true) {
		return errors.New("a flash attempt is already in progress")
	}
	f.cancelled.Store(false)
	done := make(chan struct{})
	f.mu.Lock()
	f.done = done
	f.mu.Unlock()
	go f.run(done)
	return nil
}

// Cancel requests cooperative cancellation. The attempt unwinds at the
// next wait or block boundary; cleanup still runs.
func (f *Flasher) Cancel() {
	f.cancelled.Store(true)
}

// Wait blocks until the attempt finishes and returns its terminal
// state (Complete or Error).
func (f *Flasher) Wait() State {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	<-done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.final
}

func (f *Flasher) isCancelled() bool {
	return f.cancelled.Load()
}

func (f *Flasher) setState(s State) {
	glog.V(1).Infof("state: %s", s.Message())
	f.mu.Lock()
	f.final = s
	cb := f.opts.OnState
	f.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (f *Flasher) setConn(conn serialport.Conn) {
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
}

func (f *Flasher) closeConn() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (f *Flasher) run(done chan struct{}) {
	defer close(done)
	defer f.running.Store(false)
	defer f.closeConn()
	if err := f.flash(); err != nil {
		glog.Errorf("flashing failed: %v", errors.ErrorStack(err))
		f.setState(f.errorState(err))
		return
	}
	f.setState(State{Type: StateComplete})
}

func (f *Flasher) flash() error {
	if f.images == nil || !f.images.Valid() {
		return &fatalError{Kind: KindInvalidFirmware, Detail: "no bootable image at offset 0x0 or 0x10000"}
	}

	f.setState(State{Type: StateConnecting})
	conn, err := f.open(f.opts.Port)
	if err != nil {
		return &fatalError{Kind: KindConnectionFailed, Detail: fmt.Sprintf("cannot open %s: %v", f.opts.Port, err)}
	}
	f.setConn(conn)

	strategy := serialport.ResetClassic
	if f.opts.USBSerialJTAG {
		strategy = serialport.ResetUSBSerialJTAG
	}
	glog.V(1).Infof("entering bootloader via %s reset", strategy)
	if err := serialport.NewResetterWithClock(conn, f.clk).EnterBootloader(strategy); err != nil {
		return &fatalError{Kind: KindConnectionFailed, Detail: fmt.Sprintf("reset sequence failed: %v", err)}
	}
	f.clk.Sleep(bootloaderSettleDelay)
	// Whatever the chip printed while booting is noise to us.
	if err := conn.Flush(); err != nil {
		return errors.Trace(err)
	}

	f.setState(State{Type: StateSyncing})
	rc, err := f.syncWithReconnect(rom_client.NewWithClock(conn, f.isCancelled, f.clk))
	if err != nil {
		return errors.Trace(err)
	}

	// On USB-Serial-JTAG targets the RTC watchdog will reset the chip
	// mid-transfer unless neutralized right away.
	if f.opts.USBSerialJTAG {
		if err := rc.DisableWatchdogs(); err != nil {
			return errors.Annotatef(err, "failed to disable watchdogs")
		}
	}

	if f.opts.BaudRate != serialport.DefaultBaudRate {
		f.setState(State{Type: StateChangingBaudRate})
		if err := rc.ChangeBaudRate(f.opts.BaudRate); err != nil {
			return errors.Trace(err)
		}
	}

	// Whatever the cause, a failed SPI attach means we never got a
	// usable session with the flash chip.
	if err := rc.SPIAttach(); err != nil {
		if errors.Cause(err) == rom_client.ErrCancelled {
			return errors.Trace(err)
		}
		return &fatalError{Kind: KindConnectionFailed, Detail: fmt.Sprintf("SPI attach failed: %v", err)}
	}

	totalBytes := f.images.TotalSize()
	bytesFlashed := 0
	for _, im := range f.images.Images() {
		if f.isCancelled() {
			return rom_client.ErrCancelled
		}
		if err := f.flashImage(rc, im, bytesFlashed, totalBytes); err != nil {
			return errors.Trace(err)
		}
		bytesFlashed += len(im.Data)
	}

	// Each block was already checksum-verified by the device inside
	// FLASH_DATA; just let the last write settle.
	f.setState(State{Type: StateVerifying})
	f.clk.Sleep(verifyDelay)

	f.setState(State{Type: StateRestarting})
	if err := rc.FlashEnd(true); err != nil {
		if errors.Cause(err) == rom_client.ErrCancelled {
			return errors.Trace(err)
		}
		return &fatalError{Kind: KindFlashEndFailed, Detail: err.Error()}
	}
	// The soft reboot out of FLASH_END does not reliably reset the
	// native USB peripheral, so pulse the reset line as well.
	if f.opts.USBSerialJTAG {
		if err := serialport.NewResetterWithClock(f.currentConn(), f.clk).HardReset(); err != nil {
			return errors.Annotatef(err, "hard reset failed")
		}
	}
	f.clk.Sleep(restartDelay)
	return nil
}

func (f *Flasher) currentConn() serialport.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

// syncLoop runs single sync attempts up to the retry budget, with a
// short pause between attempts. Returns the number of attempts made.
// Timeouts and rejected syncs are retried; port level errors abort the
// loop since retrying a dead connection cannot help.
func (f *Flasher) syncLoop(rc *rom_client.ROMClient) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= syncAttempts; attempt++ {
		if attempt > 1 {
			f.clk.Sleep(syncRetryDelay)
		}
		if f.isCancelled() {
			return attempt, rom_client.ErrCancelled
		}
		lastErr = rc.Sync()
		if lastErr == nil {
			glog.V(1).Infof("synced on attempt %d", attempt)
			return attempt, nil
		}
		if errors.Cause(lastErr) == rom_client.ErrCancelled || isPortError(lastErr) {
			return attempt, errors.Trace(lastErr)
		}
		glog.V(2).Infof("sync attempt %d: %v", attempt, lastErr)
	}
	return syncAttempts, &fatalError{
		Kind:   KindSyncFailed,
		Detail: fmt.Sprintf("no response from bootloader (%v)", errors.Cause(lastErr)),
		Data:   syncAttempts,
	}
}

// syncWithReconnect is the sync retry loop plus the reconnection
// fallback. If the very first attempt dies with a port error the
// device likely dropped off the bus and re-enumerated after reset, so
// the port is closed, reopened and the full retry budget is run again
// on the fresh connection. Port errors later in the loop mean the
// device disappeared mid-session and are fatal as is.
func (f *Flasher) syncWithReconnect(rc *rom_client.ROMClient) (*rom_client.ROMClient, error) {
	attempt, err := f.syncLoop(rc)
	if err == nil {
		return rc, nil
	}
	if errors.Cause(err) == rom_client.ErrCancelled {
		return nil, errors.Trace(err)
	}
	if attempt > 1 || !isPortError(err) {
		return nil, errors.Trace(err)
	}

	glog.V(1).Infof("first sync attempt failed (%v), reconnecting", err)
	rc, rerr := f.reconnect()
	if rerr != nil {
		return nil, errors.Trace(rerr)
	}
	f.setState(State{Type: StateSyncing})
	if _, err := f.syncLoop(rc); err != nil {
		return nil, errors.Trace(err)
	}
	return rc, nil
}

// reconnect closes the port, waits out USB re-enumeration and reopens
// the same path with a bounded retry.
func (f *Flasher) reconnect() (*rom_client.ROMClient, error) {
	f.closeConn()
	f.clk.Sleep(reenumerationDelay)
	var conn serialport.Conn
	var err error
	for attempt := 1; attempt <= reopenAttempts; attempt++ {
		conn, err = f.open(f.opts.Port)
		if err == nil {
			break
		}
		glog.V(1).Infof("reopen attempt %d: %v", attempt, err)
		if attempt < reopenAttempts {
			f.clk.Sleep(reopenDelay)
		}
	}
	if err != nil {
		return nil, &fatalError{
			Kind:   KindConnectionFailed,
			Detail: fmt.Sprintf("could not reopen %s after reset: %v", f.opts.Port, err),
		}
	}
	f.setConn(conn)
	if err := conn.Flush(); err != nil {
		return nil, errors.Trace(err)
	}
	return rom_client.NewWithClock(conn, f.isCancelled, f.clk), nil
}

func (f *Flasher) flashImage(rc *rom_client.ROMClient, im *fwimg.Image, bytesFlashed, totalBytes int) error {
	blockSize := esp.FlashBlockSize
	numBlocks := (len(im.Data) + blockSize - 1) / blockSize

	f.setState(State{Type: StateErasing})
	glog.V(1).Infof("%s: %d bytes, %d blocks @ 0x%x", im.Name, len(im.Data), numBlocks, im.Addr)
	if err := rc.FlashBegin(uint32(len(im.Data)), uint32(numBlocks), uint32(blockSize), im.Addr); err != nil {
		if ce := rom_client.AsCommandError(err); ce != nil {
			return &fatalError{Kind: KindFlashBeginFailed, Detail: ce.Error(), Data: int(ce.Status)}
		}
		return errors.Trace(err)
	}

	for block := 0; block < numBlocks; block++ {
		if f.isCancelled() {
			return rom_client.ErrCancelled
		}
		start := block * blockSize
		end := min(start+blockSize, len(im.Data))
		data := im.Data[start:end]
		if len(data) < blockSize {
			// Short final block, pad with the erased-flash filler.
			padded := make([]byte, blockSize)
			copy(padded, data)
			for i := len(data); i < blockSize; i++ {
				padded[i] = esp.FlashPadByte
			}
			data = padded
		}

		imageProgress := float64(block+1) / float64(numBlocks)
		overall := (float64(bytesFlashed) + imageProgress*float64(len(im.Data))) / float64(totalBytes)
		f.setState(State{Type: StateFlashing, Progress: overall})

		if err := rc.FlashData(data, uint32(block)); err != nil {
			if ce := rom_client.AsCommandError(err); ce != nil {
				return &fatalError{Kind: KindFlashDataFailed, Detail: ce.Error(), Data: block}
			}
			return errors.Trace(err)
		}
		f.clk.Sleep(blockDelay)
	}
	return nil
}

// isPortError reports whether err is a transport failure rather than a
// protocol level outcome (timeout, rejected command, cancellation).
func isPortError(err error) bool {
	cause := errors.Cause(err)
	if cause == rom_client.ErrCancelled {
		return false
	}
	if rom_client.IsTimeout(err) {
		return false
	}
	return rom_client.AsCommandError(err) == nil
}

func (f *Flasher) errorState(err error) State {
	cause := errors.Cause(err)
	if fe, ok := cause.(*fatalError); ok {
		return State{Type: StateError, ErrorKind: fe.Kind, ErrorDetail: fe.Detail, ErrorData: fe.Data}
	}
	if cause == rom_client.ErrCancelled || f.isCancelled() {
		return State{Type: StateError, ErrorKind: KindCancelled}
	}
	if rom_client.IsTimeout(err) {
		return State{Type: StateError, ErrorKind: KindConnectionTimeout, ErrorDetail: cause.Error()}
	}
	if ce := rom_client.AsCommandError(err); ce != nil {
		s := State{Type: StateError, ErrorDetail: ce.Error()}
		switch ce.Cmd {
		case esp.CmdFlashBegin:
			s.ErrorKind = KindFlashBeginFailed
			s.ErrorData = int(ce.Status)
		case esp.CmdFlashEnd:
			s.ErrorKind = KindFlashEndFailed
		default:
			s.ErrorKind = KindConnectionFailed
		}
		return s
	}
	return State{Type: StateError, ErrorKind: KindPortDisconnected, ErrorDetail: cause.Error()}
}
