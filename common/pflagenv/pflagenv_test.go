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
package pflagenv

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlagSet(t *testing.T) {
	fs := pflag.NewFlagSet("pflagenv-test", pflag.ContinueOnError)

	var fromCL, emptyCL, fromEnv, untouched string
	fs.StringVar(&fromCL, "from-cl", "def1", "")
	fs.StringVar(&emptyCL, "empty-cl", "def2", "")
	fs.StringVar(&fromEnv, "from-env", "def3", "")
	fs.StringVar(&untouched, "untouched", "def4", "")
	require.NoError(t, fs.Parse([]string{"--from-cl=cl1", "--empty-cl="}))

	t.Setenv("ESPFLASH_FROM_CL", "env1")
	t.Setenv("ESPFLASH_EMPTY_CL", "env2")
	t.Setenv("ESPFLASH_FROM_ENV", "env3")
	ParseFlagSet(fs, "ESPFLASH_")

	// Command line wins, even when set to an empty value.
	assert.Equal(t, "cl1", fromCL)
	assert.Equal(t, "", emptyCL)
	assert.Equal(t, "env3", fromEnv)
	assert.Equal(t, "def4", untouched)
}
