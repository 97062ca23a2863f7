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
package main

import (
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/espflash/espflash/common/pflagenv"
	"github.com/espflash/espflash/version"
)

const envPrefix = "ESPFLASH_"

var (
	versionFlag = flag.Bool("version", false, "Print version and exit")
	helpFlag    = flag.Bool("help", false, "Show usage")
)

type handler func() error

type command struct {
	name     string
	handler  handler
	short    string
	required []string
}

var commands = []command{
	{"flash", flash, `Flash firmware to the device`, []string{"firmware"}},
	{"ports", ports, `List serial ports present on the system`, nil},
}

func usage() {
	fmt.Fprintf(os.Stderr, "The ESP32 firmware flashing tool.\n\nUsage:\n  %s <command> [flags]\n\nCommands:\n", os.Args[0])
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.short)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n%s", flag.CommandLine.FlagUsages())
}

func checkFlags(required []string) error {
	for _, name := range required {
		f := flag.Lookup(name)
		if f == nil || f.Value.String() == "" {
			return errors.Errorf("--%s is required", name)
		}
	}
	return nil
}

func run() error {
	if flag.NArg() == 0 {
		usage()
		return errors.New("command required")
	}
	for _, c := range commands {
		if c.name != flag.Arg(0) {
			continue
		}
		if err := checkFlags(c.required); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(c.handler())
	}
	usage()
	return errors.Errorf("unknown command %q", flag.Arg(0))
}

func main() {
	defer glog.Flush()
	flag.Parse()
	pflagenv.Parse(envPrefix)

	if *versionFlag {
		fmt.Printf("espflash %s\n", version.GetVersion())
		return
	}
	if *helpFlag {
		usage()
		return
	}

	if err := run(); err != nil {
		glog.Infof("%s", errors.ErrorStack(err))
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
