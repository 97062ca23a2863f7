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
package fwimg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validImage(size int) []byte {
	data := make([]byte, size)
	data[0] = ImageMagic
	return data
}

func TestImageValid(t *testing.T) {
	assert.True(t, (&Image{Data: validImage(8)}).Valid())
	assert.False(t, (&Image{Data: validImage(7)}).Valid())
	assert.False(t, (&Image{Data: make([]byte, 8)}).Valid())
	assert.False(t, (&Image{}).Valid())
}

func TestSetOrderingAndDuplicates(t *testing.T) {
	s := &Set{}
	require.NoError(t, s.Add(&Image{Name: "app", Addr: ApplicationAddr, Data: validImage(16)}))
	require.NoError(t, s.Add(&Image{Name: "boot", Addr: BootloaderAddr, Data: validImage(16)}))
	require.NoError(t, s.Add(&Image{Name: "pt", Addr: PartitionsAddr, Data: make([]byte, 16)}))
	require.Error(t, s.Add(&Image{Name: "app2", Addr: ApplicationAddr, Data: validImage(16)}))

	imgs := s.Images()
	require.Len(t, imgs, 3)
	assert.Equal(t, "boot", imgs[0].Name)
	assert.Equal(t, "pt", imgs[1].Name)
	assert.Equal(t, "app", imgs[2].Name)
	assert.True(t, s.Complete())
	assert.True(t, s.Valid())
	assert.Equal(t, 48, s.TotalSize())
}

func TestSetValid(t *testing.T) {
	s := &Set{}
	require.NoError(t, s.Add(&Image{Name: "pt", Addr: PartitionsAddr, Data: make([]byte, 16)}))
	assert.False(t, s.Valid())
	require.NoError(t, s.Add(&Image{Name: "app", Addr: ApplicationAddr, Data: validImage(16)}))
	assert.True(t, s.Valid())
	assert.False(t, s.Complete())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	app := filepath.Join(dir, "blinky.bin")
	require.NoError(t, os.WriteFile(app, validImage(100), 0644))
	s, err := LoadFile(app)
	require.NoError(t, err)
	require.Len(t, s.Images(), 1)
	assert.Equal(t, uint32(ApplicationAddr), s.Images()[0].Addr)

	// A merged image carries its own bootloader, so it goes to 0.
	merged := filepath.Join(dir, "blinky-merged.bin")
	require.NoError(t, os.WriteFile(merged, validImage(100), 0644))
	s, err = LoadFile(merged)
	require.NoError(t, err)
	assert.Equal(t, uint32(BootloaderAddr), s.Images()[0].Addr)

	bogus := filepath.Join(dir, "readme.bin")
	require.NoError(t, os.WriteFile(bogus, []byte("not firmware"), 0644))
	_, err = LoadFile(bogus)
	assert.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, BootloaderFileName), validImage(32), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, PartitionsFileName), make([]byte, 32), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ApplicationFileName), validImage(64), 0644))

	s, err := Load(dir)
	require.NoError(t, err)
	assert.True(t, s.Complete())
	assert.Equal(t, 128, s.TotalSize())
}

func TestLoadDirPartial(t *testing.T) {
	// An application-only build directory is flashable: the device
	// keeps its existing bootloader and partition table.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ApplicationFileName), validImage(64), 0644))

	s, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, s.Images(), 1)
	assert.Equal(t, uint32(ApplicationAddr), s.Images()[0].Addr)
	assert.True(t, s.Valid())
	assert.False(t, s.Complete())
}

func TestLoadDirNotBootable(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	assert.Error(t, err)

	// A partition table alone is not bootable.
	require.NoError(t, os.WriteFile(filepath.Join(dir, PartitionsFileName), make([]byte, 32), 0644))
	_, err = Load(dir)
	assert.Error(t, err)
}

func TestSizeDescription(t *testing.T) {
	assert.Equal(t, "100 bytes", SizeDescription(100))
	assert.Equal(t, "1.5 KiB", SizeDescription(1536))
	assert.Equal(t, "2.0 MiB", SizeDescription(2*1024*1024))
}
