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

// Package slip implements the SLIP byte-stuffing framing used by the
// Espressif ROM bootloader serial protocol.
package slip

const (
	// https://tools.ietf.org/html/rfc1055
	frameDelimiter        = 0xC0
	escape                = 0xDB
	escapedFrameDelimiter = 0xDC
	escapedEscape         = 0xDD
)

// Encode wraps data in frame delimiters, escaping any delimiter and
// escape bytes that occur in the payload.
func Encode(data []byte) []byte {
	frame := make([]byte, 0, len(data)+2)
	frame = append(frame, frameDelimiter)
	for _, b := range data {
		switch b {
		case frameDelimiter:
			frame = append(frame, escape, escapedFrameDelimiter)
		case escape:
			frame = append(frame, escape, escapedEscape)
		default:
			frame = append(frame, b)
		}
	}
	return append(frame, frameDelimiter)
}

// Decoder reassembles frames from a byte stream, a byte at a time.
// Chunk boundaries are arbitrary: a frame may arrive split across any
// number of Feed calls. Bytes seen before the first delimiter are
// discarded, which tolerates boot log noise ahead of the first frame.
type Decoder struct {
	buf     []byte
	started bool
	esc     bool
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes a chunk of stream data and returns any frames completed
// by it, in order.
func (d *Decoder) Feed(data []byte) [][]byte {
	var frames [][]byte
	for _, b := range data {
		if frame := d.feedByte(b); frame != nil {
			frames = append(frames, frame)
		}
	}
	return frames
}

func (d *Decoder) feedByte(b byte) []byte {
	switch b {
	case frameDelimiter:
		// A delimiter completes the frame only if one has already been
		// seen and there is payload; back-to-back delimiters just
		// re-arm the decoder.
		if d.started && len(d.buf) > 0 {
			frame := d.buf
			d.buf = nil
			d.Reset()
			return frame
		}
		d.started = true
		d.buf = nil
		return nil
	case escape:
		if !d.started {
			return nil
		}
		d.esc = true
		return nil
	default:
		if !d.started {
			return nil
		}
		if d.esc {
			d.esc = false
			switch b {
			case escapedFrameDelimiter:
				d.buf = append(d.buf, frameDelimiter)
			case escapedEscape:
				d.buf = append(d.buf, escape)
			default:
				// Unknown escape sequences pass through literally.
				// Some ROM boot output contains stray 0xDB bytes and
				// rejecting them would break otherwise good frames.
				d.buf = append(d.buf, b)
			}
		} else {
			d.buf = append(d.buf, b)
		}
		return nil
	}
}

// Reset returns the decoder to its initial state, dropping any
// partially accumulated frame.
func (d *Decoder) Reset() {
	d.buf = nil
	d.started = false
	d.esc = false
}
