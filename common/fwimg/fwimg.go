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

// Package fwimg loads firmware binaries from disk and arranges them
// into a set of images keyed by flash offset.
package fwimg

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// Standard flash layout of an application firmware.
const (
	BootloaderAddr  = 0x0
	PartitionsAddr  = 0x8000
	ApplicationAddr = 0x10000
)

// ImageMagic is the first byte of every bootable image.
const ImageMagic = 0xE9

// minImageSize covers the image header up to the entry point field.
const minImageSize = 8

// Well-known file names of a three-part firmware directory.
const (
	BootloaderFileName  = "bootloader.bin"
	PartitionsFileName  = "partitions.bin"
	ApplicationFileName = "firmware.bin"
)

// Image is one binary destined for a fixed flash offset.
type Image struct {
	Name string
	Addr uint32
	Data []byte
}

// Valid reports whether the image looks like a bootable image: long
// enough to carry a header and starting with the magic byte. The
// partition table has no such header and is never Valid.
func (im *Image) Valid() bool {
	return len(im.Data) >= minImageSize && im.Data[0] == ImageMagic
}

func (im *Image) String() string {
	return fmt.Sprintf("%s @ 0x%x (%s)", im.Name, im.Addr, SizeDescription(len(im.Data)))
}

// Set is a collection of images ordered by flash offset.
type Set struct {
	images []*Image
}

// Add inserts an image, keeping the set ordered by address. Two images
// at the same offset would overwrite each other, so duplicates are
// rejected.
func (s *Set) Add(im *Image) error {
	for _, e := range s.images {
		if e.Addr == im.Addr {
			return errors.Errorf("duplicate image at offset 0x%x (%s and %s)", im.Addr, e.Name, im.Name)
		}
	}
	s.images = append(s.images, im)
	sort.Slice(s.images, func(i, j int) bool { return s.images[i].Addr < s.images[j].Addr })
	return nil
}

// Images returns the images in ascending address order.
func (s *Set) Images() []*Image {
	return s.images
}

// Get returns the image at addr, or nil.
func (s *Set) Get(addr uint32) *Image {
	for _, im := range s.images {
		if im.Addr == addr {
			return im
		}
	}
	return nil
}

// Valid reports whether the set contains something bootable: a valid
// image at the bootloader offset or at the application offset.
func (s *Set) Valid() bool {
	for _, addr := range []uint32{BootloaderAddr, ApplicationAddr} {
		if im := s.Get(addr); im != nil && im.Valid() {
			return true
		}
	}
	return false
}

// Complete reports whether all three parts of the standard layout are
// present. A merged image at offset 0 is Valid but not Complete.
func (s *Set) Complete() bool {
	return s.Get(BootloaderAddr) != nil && s.Get(PartitionsAddr) != nil && s.Get(ApplicationAddr) != nil
}

// TotalSize is the number of payload bytes across all images, before
// block padding.
func (s *Set) TotalSize() int {
	total := 0
	for _, im := range s.images {
		total += len(im.Data)
	}
	return total
}

// FlashDescription returns a one-line-per-image summary for display.
func (s *Set) FlashDescription() string {
	lines := make([]string, 0, len(s.images))
	for _, im := range s.images {
		lines = append(lines, fmt.Sprintf("  0x%06x %-16s %s", im.Addr, im.Name, SizeDescription(len(im.Data))))
	}
	return strings.Join(lines, "\n")
}

// SizeDescription renders a byte count the way humans read it.
func SizeDescription(n int) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1024*1024))
	case n >= 1024:
		return fmt.Sprintf("%.1f KiB", float64(n)/1024)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

// LoadFile loads a single firmware binary. Files named like a merged
// image (merged, factory, combined, full) are placed at offset 0 since
// they already contain the bootloader and partition table; anything
// else is assumed to be a bare application image.
func LoadFile(fname string) (*Set, error) {
	data, err := os.ReadFile(fname)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read %s", fname)
	}
	base := filepath.Base(fname)
	addr := uint32(ApplicationAddr)
	lower := strings.ToLower(base)
	for _, hint := range []string{"merged", "factory", "combined", "full"} {
		if strings.Contains(lower, hint) {
			addr = BootloaderAddr
			break
		}
	}
	glog.V(1).Infof("%s: %d bytes -> 0x%x", base, len(data), addr)
	s := &Set{}
	if err := s.Add(&Image{Name: base, Addr: addr, Data: data}); err != nil {
		return nil, errors.Trace(err)
	}
	if !s.Valid() {
		return nil, errors.Errorf("%s does not look like a firmware image (want at least %d bytes starting with 0x%02x)",
			base, minImageSize, ImageMagic)
	}
	return s, nil
}

// LoadDir loads the standard three-file layout from a build output
// directory. Missing parts are skipped: an application-only build is
// flashable on a device that already carries a bootloader and
// partition table. The set just has to contain something bootable.
func LoadDir(dir string) (*Set, error) {
	s := &Set{}
	for _, f := range []struct {
		name string
		addr uint32
	}{
		{BootloaderFileName, BootloaderAddr},
		{PartitionsFileName, PartitionsAddr},
		{ApplicationFileName, ApplicationAddr},
	} {
		fname := filepath.Join(dir, f.name)
		data, err := os.ReadFile(fname)
		if err != nil {
			if os.IsNotExist(err) {
				glog.V(1).Infof("%s: not present, skipping", f.name)
				continue
			}
			return nil, errors.Annotatef(err, "failed to read %s", fname)
		}
		glog.V(1).Infof("%s: %d bytes -> 0x%x", f.name, len(data), f.addr)
		if err := s.Add(&Image{Name: f.name, Addr: f.addr, Data: data}); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if len(s.images) == 0 {
		return nil, errors.Errorf("no firmware images found in %s", dir)
	}
	if !s.Valid() {
		return nil, errors.Errorf("%s does not contain a bootable firmware image", dir)
	}
	return s, nil
}

// Load loads firmware from a path that is either a single binary or a
// directory with the standard layout.
func Load(path string) (*Set, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Annotatef(err, "invalid firmware path")
	}
	if fi.IsDir() {
		return LoadDir(path)
	}
	return LoadFile(path)
}
