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

// Package devutil resolves which serial device a command talks to.
package devutil

import (
	"github.com/juju/errors"

	"github.com/espflash/espflash/cli/flags"
	"github.com/espflash/espflash/cli/ourutil"
)

var defaultPort string

// GetPort returns the port from --port, or picks one when set to
// "auto": the first USB serial device if any, the first port
// otherwise. The pick is cached for the lifetime of the process.
func GetPort() (string, error) {
	if *flags.Port != "auto" {
		return *flags.Port, nil
	}
	if defaultPort == "" {
		pp, err := Ports()
		if err != nil {
			return "", errors.Trace(err)
		}
		for _, p := range pp {
			if p.IsUSB {
				defaultPort = p.Name
				break
			}
		}
		if defaultPort == "" && len(pp) > 0 {
			defaultPort = pp[0].Name
		}
		if defaultPort == "" {
			return "", errors.Errorf("--port not specified and none were found")
		}
		ourutil.Reportf("Using port %s", defaultPort)
	}
	return defaultPort, nil
}
