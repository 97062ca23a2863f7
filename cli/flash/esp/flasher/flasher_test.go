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
package flasher

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espflash/espflash/cli/flash/esp"
	"github.com/espflash/espflash/cli/flash/serialport"
	"github.com/espflash/espflash/cli/flash/slip"
	"github.com/espflash/espflash/common/clock"
	"github.com/espflash/espflash/common/fwimg"
)

// fakeDevice simulates the device end of the serial link: it decodes
// written frames and queues bootloader responses for Read to return.
// Reads with nothing queued advance the fake clock by the read timeout
// so every deadline in the code under test expires instantly.
type fakeDevice struct {
	clk *clock.Fake

	mu          sync.Mutex
	dec         *slip.Decoder
	rx          [][]byte
	mute        bool // never answer SYNC
	muteAttach  bool // never answer SPI_ATTACH
	broken      bool // all I/O fails
	closed      bool
	baud        int
	lines       []string // control line transitions, in order
	failNext    bool     // fail the next FLASH_DATA
	syncCount   int
	spiAttaches int
	flashBegins [][]byte
	flashBlocks [][]byte
	flashEnds   int
	readRegs    int
	writeRegs   int
}

func newFakeDevice(clk *clock.Fake) *fakeDevice {
	return &fakeDevice{clk: clk, dec: slip.NewDecoder(), baud: serialport.DefaultBaudRate}
}

func (d *fakeDevice) respondStatus(cmd esp.Command, value uint32, status, code byte) {
	buf := &bytes.Buffer{}
	buf.WriteByte(0x01)
	buf.WriteByte(byte(cmd))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, value)
	buf.Write([]byte{status, code})
	d.rx = append(d.rx, slip.Encode(buf.Bytes()))
}

func (d *fakeDevice) respond(cmd esp.Command, value uint32) {
	d.respondStatus(cmd, value, 0, 0)
}

func (d *fakeDevice) handle(pkt []byte) {
	cmd := esp.Command(pkt[1])
	switch cmd {
	case esp.CmdSync:
		d.syncCount++
		if !d.mute {
			d.respond(cmd, 0)
		}
	case esp.CmdFlashBegin:
		d.flashBegins = append(d.flashBegins, append([]byte(nil), pkt...))
		d.respond(cmd, 0)
	case esp.CmdFlashData:
		// Header is 8 bytes, then length, seq and 8 reserved bytes.
		d.flashBlocks = append(d.flashBlocks, append([]byte(nil), pkt[24:]...))
		if d.failNext {
			d.failNext = false
			d.respondStatus(cmd, 0, 1, 6)
		} else {
			d.respond(cmd, 0)
		}
	case esp.CmdFlashEnd:
		d.flashEnds++
		d.respond(cmd, 0)
	case esp.CmdSPIAttach:
		d.spiAttaches++
		if !d.muteAttach {
			d.respond(cmd, 0)
		}
	case esp.CmdReadReg:
		d.readRegs++
		d.respond(cmd, 0)
	case esp.CmdWriteReg:
		d.writeRegs++
		d.respond(cmd, 0)
	case esp.CmdChangeBaudRate:
		// The device switches rates without replying.
	}
}

func (d *fakeDevice) Write(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.broken {
		return errors.New("input/output error")
	}
	for _, pkt := range d.dec.Feed(data) {
		d.handle(pkt)
	}
	return nil
}

func (d *fakeDevice) Read(timeout time.Duration) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.broken {
		return nil, errors.New("input/output error")
	}
	if len(d.rx) == 0 {
		d.clk.Advance(timeout)
		return nil, nil
	}
	data := d.rx[0]
	d.rx = d.rx[1:]
	return data, nil
}

func (d *fakeDevice) SetBaudRate(baud int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baud = baud
	return nil
}

func (d *fakeDevice) line(format string, args ...interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines = append(d.lines, fmt.Sprintf(format, args...))
	return nil
}

func (d *fakeDevice) SetDTR(v bool) error { return d.line("dtr %t", v) }
func (d *fakeDevice) SetRTS(v bool) error { return d.line("rts %t", v) }
func (d *fakeDevice) SetDTRRTS(dtr, rts bool) error {
	return d.line("dtrrts %t %t", dtr, rts)
}

func (d *fakeDevice) Flush() error { return nil }

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func validImage(size int) []byte {
	data := make([]byte, size)
	data[0] = fwimg.ImageMagic
	for i := 1; i < size; i++ {
		data[i] = byte(i)
	}
	return data
}

func singleImageSet(t *testing.T, size int) *fwimg.Set {
	s := &fwimg.Set{}
	require.NoError(t, s.Add(&fwimg.Image{Name: "firmware.bin", Addr: fwimg.ApplicationAddr, Data: validImage(size)}))
	return s
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *stateRecorder) types() []StateType {
	var tt []StateType
	for _, s := range r.all() {
		tt = append(tt, s.Type)
	}
	return tt
}

func runFlash(t *testing.T, images *fwimg.Set, opts Options, open OpenFunc, clk *clock.Fake) (State, *stateRecorder) {
	rec := &stateRecorder{}
	opts.OnState = rec.record
	f, err := NewWithDeps(images, opts, open, clk)
	require.NoError(t, err)
	require.NoError(t, f.Start())
	return f.Wait(), rec
}

func TestFlashSingleImage(t *testing.T) {
	clk := clock.NewFake()
	dev := newFakeDevice(clk)
	open := func(path string) (serialport.Conn, error) { return dev, nil }

	final, rec := runFlash(t, singleImageSet(t, 8), Options{Port: "/dev/ttyACM0"}, open, clk)

	require.Equal(t, StateComplete, final.Type)
	assert.Equal(t, []StateType{
		StateConnecting, StateSyncing, StateErasing, StateFlashing,
		StateVerifying, StateRestarting, StateComplete,
	}, rec.types())
	for _, s := range rec.all() {
		if s.Type == StateFlashing {
			assert.Equal(t, 1.0, s.Progress)
		}
	}
	assert.Equal(t, 1, len(dev.flashBegins))
	assert.Equal(t, 1, len(dev.flashBlocks))
	assert.Equal(t, 1, dev.flashEnds)
	assert.Equal(t, 1, dev.spiAttaches)
	assert.True(t, dev.closed)
}

func TestFlashBeginParameters(t *testing.T) {
	clk := clock.NewFake()
	dev := newFakeDevice(clk)
	open := func(path string) (serialport.Conn, error) { return dev, nil }

	final, _ := runFlash(t, singleImageSet(t, 1548), Options{Port: "/dev/ttyACM0"}, open, clk)
	require.Equal(t, StateComplete, final.Type)

	require.Len(t, dev.flashBegins, 1)
	// Payload words: erase size, block count, block size, offset.
	payload := dev.flashBegins[0][8:]
	assert.Equal(t, uint32(1548), binary.LittleEndian.Uint32(payload[0:4]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(payload[4:8]))
	assert.Equal(t, uint32(1024), binary.LittleEndian.Uint32(payload[8:12]))
	assert.Equal(t, uint32(fwimg.ApplicationAddr), binary.LittleEndian.Uint32(payload[12:16]))
}

func TestFinalBlockPadding(t *testing.T) {
	clk := clock.NewFake()
	dev := newFakeDevice(clk)
	open := func(path string) (serialport.Conn, error) { return dev, nil }

	image := validImage(1548)
	s := &fwimg.Set{}
	require.NoError(t, s.Add(&fwimg.Image{Name: "firmware.bin", Addr: fwimg.ApplicationAddr, Data: image}))

	final, _ := runFlash(t, s, Options{Port: "/dev/ttyACM0"}, open, clk)
	require.Equal(t, StateComplete, final.Type)

	require.Len(t, dev.flashBlocks, 2)
	assert.Equal(t, image[:1024], dev.flashBlocks[0])
	require.Len(t, dev.flashBlocks[1], 1024)
	assert.Equal(t, image[1024:], dev.flashBlocks[1][:524])
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 500), dev.flashBlocks[1][524:])
}

func TestProgressMonotonic(t *testing.T) {
	clk := clock.NewFake()
	dev := newFakeDevice(clk)
	open := func(path string) (serialport.Conn, error) { return dev, nil }

	s := &fwimg.Set{}
	require.NoError(t, s.Add(&fwimg.Image{Name: "bootloader.bin", Addr: fwimg.BootloaderAddr, Data: validImage(2100)}))
	require.NoError(t, s.Add(&fwimg.Image{Name: "partitions.bin", Addr: fwimg.PartitionsAddr, Data: make([]byte, 3072)}))
	require.NoError(t, s.Add(&fwimg.Image{Name: "firmware.bin", Addr: fwimg.ApplicationAddr, Data: validImage(1500)}))

	final, rec := runFlash(t, s, Options{Port: "/dev/ttyACM0"}, open, clk)
	require.Equal(t, StateComplete, final.Type)

	var progress []float64
	for _, st := range rec.all() {
		if st.Type == StateFlashing {
			progress = append(progress, st.Progress)
		}
	}
	require.NotEmpty(t, progress)
	full := 0
	for i, p := range progress {
		if i > 0 {
			assert.GreaterOrEqual(t, p, progress[i-1])
		}
		if p == 1.0 {
			full++
		}
	}
	assert.Equal(t, 1, full)
	assert.Equal(t, 1.0, progress[len(progress)-1])
}

func TestSyncExhaustion(t *testing.T) {
	clk := clock.NewFake()
	dev := newFakeDevice(clk)
	dev.mute = true
	open := func(path string) (serialport.Conn, error) { return dev, nil }

	final, _ := runFlash(t, singleImageSet(t, 8), Options{Port: "/dev/ttyACM0"}, open, clk)

	require.Equal(t, StateError, final.Type)
	assert.Equal(t, KindSyncFailed, final.ErrorKind)
	assert.Equal(t, syncAttempts, final.ErrorData)
	assert.Equal(t, syncAttempts, dev.syncCount)
	assert.True(t, dev.closed)
}

func TestFallbackReconnection(t *testing.T) {
	clk := clock.NewFake()
	// The first connection dies as soon as the protocol starts; the
	// device then re-enumerates and needs a couple of open attempts.
	dead := newFakeDevice(clk)
	dead.broken = true
	good := newFakeDevice(clk)
	opens := 0
	open := func(path string) (serialport.Conn, error) {
		opens++
		switch opens {
		case 1:
			return dead, nil
		case 2, 3:
			return nil, errors.New("no such device")
		default:
			return good, nil
		}
	}

	final, _ := runFlash(t, singleImageSet(t, 8), Options{Port: "/dev/ttyACM0"}, open, clk)

	require.Equal(t, StateComplete, final.Type)
	assert.Equal(t, 4, opens)
	assert.Equal(t, 1, len(good.flashBegins))
	assert.True(t, good.closed)
}

func TestReopenExhaustion(t *testing.T) {
	clk := clock.NewFake()
	dead := newFakeDevice(clk)
	dead.broken = true
	opens := 0
	open := func(path string) (serialport.Conn, error) {
		opens++
		if opens == 1 {
			return dead, nil
		}
		return nil, errors.New("no such device")
	}

	final, _ := runFlash(t, singleImageSet(t, 8), Options{Port: "/dev/ttyACM0"}, open, clk)

	require.Equal(t, StateError, final.Type)
	assert.Equal(t, KindConnectionFailed, final.ErrorKind)
	assert.Equal(t, 1+reopenAttempts, opens)
}

func TestUSBSerialJTAG(t *testing.T) {
	clk := clock.NewFake()
	dev := newFakeDevice(clk)
	open := func(path string) (serialport.Conn, error) { return dev, nil }

	final, _ := runFlash(t, singleImageSet(t, 8),
		Options{Port: "/dev/ttyACM0", USBSerialJTAG: true}, open, clk)
	require.Equal(t, StateComplete, final.Type)

	// Watchdog suppression: 6 register writes and 2 read-modify reads.
	assert.Equal(t, 6, dev.writeRegs)
	assert.Equal(t, 2, dev.readRegs)
	// The attempt ends with a hard reset pulse on RTS, DTR untouched.
	n := len(dev.lines)
	require.GreaterOrEqual(t, n, 3)
	assert.Equal(t, []string{"dtr false", "rts true", "rts false"}, dev.lines[n-3:])
}

func TestChangeBaudRate(t *testing.T) {
	clk := clock.NewFake()
	dev := newFakeDevice(clk)
	open := func(path string) (serialport.Conn, error) { return dev, nil }

	final, rec := runFlash(t, singleImageSet(t, 8),
		Options{Port: "/dev/ttyACM0", BaudRate: 460800}, open, clk)
	require.Equal(t, StateComplete, final.Type)
	assert.Contains(t, rec.types(), StateChangingBaudRate)
	assert.Equal(t, 460800, dev.baud)
	// Initial sync plus the confirmation sync at the new rate.
	assert.Equal(t, 2, dev.syncCount)
}

func TestUnsupportedBaudRate(t *testing.T) {
	_, err := NewWithDeps(singleImageSet(t, 8), Options{Port: "p", BaudRate: 12345}, nil, clock.NewFake())
	assert.Error(t, err)
}

func TestInvalidFirmware(t *testing.T) {
	clk := clock.NewFake()
	opens := 0
	open := func(path string) (serialport.Conn, error) {
		opens++
		return nil, errors.New("unreachable")
	}

	final, _ := runFlash(t, &fwimg.Set{}, Options{Port: "/dev/ttyACM0"}, open, clk)

	require.Equal(t, StateError, final.Type)
	assert.Equal(t, KindInvalidFirmware, final.ErrorKind)
	assert.Equal(t, 0, opens)
}

func TestCancelDuringFlashing(t *testing.T) {
	clk := clock.NewFake()
	dev := newFakeDevice(clk)
	open := func(path string) (serialport.Conn, error) { return dev, nil }

	rec := &stateRecorder{}
	var f *Flasher
	opts := Options{Port: "/dev/ttyACM0", OnState: func(s State) {
		rec.record(s)
		if s.Type == StateFlashing {
			f.Cancel()
		}
	}}
	var err error
	f, err = NewWithDeps(singleImageSet(t, 3000), opts, open, clk)
	require.NoError(t, err)
	require.NoError(t, f.Start())
	final := f.Wait()

	require.Equal(t, StateError, final.Type)
	assert.Equal(t, KindCancelled, final.ErrorKind)
	// Block 1 was in flight when cancellation hit; blocks 2 and 3 were
	// never sent.
	assert.Equal(t, 1, len(dev.flashBlocks))
	assert.True(t, dev.closed)
}

func TestStartWhileRunning(t *testing.T) {
	release := make(chan struct{})
	open := func(path string) (serialport.Conn, error) {
		<-release
		return nil, errors.New("no device")
	}
	f, err := NewWithDeps(singleImageSet(t, 8), Options{Port: "/dev/ttyACM0"}, open, clock.NewFake())
	require.NoError(t, err)
	require.NoError(t, f.Start())
	assert.Error(t, f.Start())
	close(release)
	final := f.Wait()
	assert.Equal(t, KindConnectionFailed, final.ErrorKind)

	// Finished, so a new attempt may start.
	require.NoError(t, f.Start())
	f.Wait()
}

func TestSPIAttachTimeout(t *testing.T) {
	clk := clock.NewFake()
	dev := newFakeDevice(clk)
	dev.muteAttach = true
	open := func(path string) (serialport.Conn, error) { return dev, nil }

	final, _ := runFlash(t, singleImageSet(t, 8), Options{Port: "/dev/ttyACM0"}, open, clk)

	require.Equal(t, StateError, final.Type)
	assert.Equal(t, KindConnectionFailed, final.ErrorKind)
	assert.Equal(t, 1, dev.spiAttaches)
	assert.Empty(t, dev.flashBegins)
	assert.True(t, dev.closed)
}

func TestWaitBeforeStart(t *testing.T) {
	f, err := NewWithDeps(singleImageSet(t, 8), Options{Port: "/dev/ttyACM0"}, nil, clock.NewFake())
	require.NoError(t, err)
	// No attempt has run, so Wait must return right away.
	final := f.Wait()
	assert.Equal(t, StateIdle, final.Type)
}

func TestFlashDataFailure(t *testing.T) {
	clk := clock.NewFake()
	dev := newFakeDevice(clk)
	open := func(path string) (serialport.Conn, error) { return dev, nil }

	// Fail the second block: swap the queued success for a failure
	// right after it is generated.
	rec := &stateRecorder{}
	opts := Options{Port: "/dev/ttyACM0", OnState: func(s State) {
		rec.record(s)
		if s.Type == StateFlashing && len(dev.flashBlocks) == 1 {
			dev.mu.Lock()
			dev.failNext = true
			dev.mu.Unlock()
		}
	}}
	f, err := NewWithDeps(singleImageSet(t, 3000), opts, open, clk)
	require.NoError(t, err)
	require.NoError(t, f.Start())
	final := f.Wait()

	require.Equal(t, StateError, final.Type)
	assert.Equal(t, KindFlashDataFailed, final.ErrorKind)
	assert.Equal(t, 1, final.ErrorData)
	assert.True(t, dev.closed)
}
