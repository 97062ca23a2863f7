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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder captures every line-control call and delay so the sequences
// can be checked step by step against the expected hardware timings.
type recorder struct {
	log []string
}

func (r *recorder) add(format string, args ...interface{}) {
	r.log = append(r.log, fmt.Sprintf(format, args...))
}

type recConn struct {
	rec *recorder
}

func (c *recConn) Write(data []byte) error { c.rec.add("write %d", len(data)); return nil }
func (c *recConn) Read(time.Duration) ([]byte, error) { return nil, nil }
func (c *recConn) SetBaudRate(baud int) error { c.rec.add("baud %d", baud); return nil }
func (c *recConn) SetDTR(v bool) error { c.rec.add("dtr %t", v); return nil }
func (c *recConn) SetRTS(v bool) error { c.rec.add("rts %t", v); return nil }
func (c *recConn) SetDTRRTS(dtr, rts bool) error { c.rec.add("dtrrts %t %t", dtr, rts); return nil }
func (c *recConn) Flush() error { c.rec.add("flush"); return nil }
func (c *recConn) Close() error { c.rec.add("close"); return nil }

type recClock struct {
	rec *recorder
}

func (c *recClock) Now() time.Time { return time.Unix(0, 0) }
func (c *recClock) Sleep(d time.Duration) {
	c.rec.add("sleep %dms", d/time.Millisecond)
}

func newRecResetter() (*Resetter, *recorder) {
	rec := &recorder{}
	return NewResetterWithClock(&recConn{rec: rec}, &recClock{rec: rec}), rec
}

func TestUSBSerialJTAGReset(t *testing.T) {
	r, rec := newRecResetter()
	require.NoError(t, r.EnterBootloader(ResetUSBSerialJTAG))
	assert.Equal(t, []string{
		"rts false", "dtr false", "sleep 100ms",
		"dtr true", "rts false", "sleep 100ms",
		"rts true", "dtr false", "rts true", "sleep 100ms",
		"dtr false", "rts false", "sleep 50ms",
		"flush",
	}, rec.log)
}

func TestClassicReset(t *testing.T) {
	r, rec := newRecResetter()
	require.NoError(t, r.EnterBootloader(ResetClassic))
	assert.Equal(t, []string{
		"dtrrts false true", "sleep 100ms",
		"dtrrts true false", "sleep 50ms",
		"dtr false", "sleep 50ms",
		"flush",
	}, rec.log)
}

func TestHardReset(t *testing.T) {
	r, rec := newRecResetter()
	require.NoError(t, r.HardReset())
	assert.Equal(t, []string{
		"dtr false", "sleep 50ms",
		"rts true", "sleep 100ms",
		"rts false", "sleep 100ms",
	}, rec.log)
}

func TestBaudRateSupported(t *testing.T) {
	for _, b := range SupportedBaudRates {
		assert.True(t, BaudRateSupported(b))
	}
	assert.False(t, BaudRateSupported(9600))
	assert.False(t, BaudRateSupported(0))
}
