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
	"golang.org/x/sys/unix"
)

const readChunkSize = 4096

// Port is a Conn backed by a Linux tty device.
type Port struct {
	path string
	fd   int
}

var baudConstants = map[int]uint32{
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

// Open opens the device at path with exclusive access and configures it
// raw, 8N1, no flow control, at 115200 baud.
//
// The port is opened non-blocking and with flock held for the whole
// session, so a second flasher instance fails fast instead of silently
// corrupting the session. Control lines are deliberately left wherever
// the OS put them: on USB-Serial-JTAG targets any DTR/RTS transition,
// even a deassert, can reset the chip.
func Open(path string) (*Port, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot open %s", path)
	}
	p := &Port{path: path, fd: fd}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return nil, errors.Annotatef(err, "cannot lock %s (is another flasher running?)", path)
	}

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		p.Close()
		return nil, errors.Annotatef(err, "tcgetattr %s", path)
	}

	// Raw mode.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN

	// 8N1, receiver on, modem status lines ignored.
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	// Do not drop DTR when the port is closed; on USB-Serial-JTAG
	// devices a HUPCL-induced DTR drop resets the chip.
	t.Cflag &^= unix.HUPCL

	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 10

	setTermiosSpeed(t, unix.B115200)

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		p.Close()
		return nil, errors.Annotatef(err, "tcsetattr %s", path)
	}

	if err := p.Flush(); err != nil {
		p.Close()
		return nil, errors.Trace(err)
	}
	glog.V(1).Infof("%s opened, fd %d", path, fd)
	return p, nil
}

func setTermiosSpeed(t *unix.Termios, speed uint32) {
	t.Cflag &^= unix.CBAUD
	t.Cflag |= speed
	t.Ispeed = speed
	t.Ospeed = speed
}

func (p *Port) SetBaudRate(baud int) error {
	speed, ok := baudConstants[baud]
	if !ok {
		return errors.Errorf("unsupported baud rate %d", baud)
	}
	t, err := unix.IoctlGetTermios(p.fd, unix.TCGETS)
	if err != nil {
		return errors.Annotatef(err, "tcgetattr %s", p.path)
	}
	setTermiosSpeed(t, speed)
	if err := unix.IoctlSetTermios(p.fd, unix.TCSETS, t); err != nil {
		return errors.Annotatef(err, "failed to set %s to %d baud", p.path, baud)
	}
	glog.V(1).Infof("%s now at %d baud", p.path, baud)
	return errors.Trace(p.Flush())
}

func (p *Port) Write(data []byte) error {
	written := 0
	for written < len(data) {
		n, err := unix.Write(p.fd, data[written:])
		if err != nil {
			// The port is non-blocking; EAGAIN just means the kernel
			// buffer is full, give it a moment to drain.
			if err == unix.EAGAIN {
				time.Sleep(time.Millisecond)
				continue
			}
			return errors.Annotatef(err, "write %s", p.path)
		}
		written += n
	}
	return nil
}

func (p *Port) Read(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		ms := int(time.Until(deadline) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
		pfd := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, errors.Annotatef(err, "poll %s", p.path)
		}
		if n == 0 {
			// Nothing arrived in time. This is the normal quiet case,
			// not an error.
			return nil, nil
		}
		buf := make([]byte, readChunkSize)
		rn, err := unix.Read(p.fd, buf)
		if err == unix.EAGAIN {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Annotatef(err, "read %s", p.path)
		}
		return buf[:rn], nil
	}
}

func (p *Port) setModemBit(bit int, v bool) error {
	req := uint(unix.TIOCMBIC)
	if v {
		req = unix.TIOCMBIS
	}
	if err := unix.IoctlSetPointerInt(p.fd, req, bit); err != nil {
		return errors.Annotatef(err, "ioctl %s", p.path)
	}
	return nil
}

func (p *Port) SetDTR(v bool) error {
	return errors.Trace(p.setModemBit(unix.TIOCM_DTR, v))
}

func (p *Port) SetRTS(v bool) error {
	return errors.Trace(p.setModemBit(unix.TIOCM_RTS, v))
}

func (p *Port) SetDTRRTS(dtr, rts bool) error {
	if err := p.SetDTR(dtr); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(p.SetRTS(rts))
}

func (p *Port) Flush() error {
	if err := unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		return errors.Annotatef(err, "tcflush %s", p.path)
	}
	return nil
}

func (p *Port) Close() error {
	if p.fd < 0 {
		return nil
	}
	glog.V(1).Infof("closing %s", p.path)
	unix.Flock(p.fd, unix.LOCK_UN)
	err := unix.Close(p.fd)
	p.fd = -1
	return errors.Trace(err)
}
