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

//go:build !linux

package serialport

import (
	"time"

	"github.com/juju/errors"
)

// Port is a placeholder on platforms without a transport
// implementation.
type Port struct{}

func Open(path string) (*Port, error) {
	return nil, errors.Errorf("serial transport is not supported on this platform")
}

func (p *Port) Write(data []byte) error                    { return errors.New("not supported") }
func (p *Port) Read(timeout time.Duration) ([]byte, error) { return nil, errors.New("not supported") }
func (p *Port) SetBaudRate(baud int) error                 { return errors.New("not supported") }
func (p *Port) SetDTR(v bool) error                        { return errors.New("not supported") }
func (p *Port) SetRTS(v bool) error                        { return errors.New("not supported") }
func (p *Port) SetDTRRTS(dtr, rts bool) error              { return errors.New("not supported") }
func (p *Port) Flush() error                               { return errors.New("not supported") }
func (p *Port) Close() error                               { return errors.New("not supported") }
