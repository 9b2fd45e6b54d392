// Copyright 2024 The gVisor Authors.
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

package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// File is the contents of a --config file. For example:
//
//	[flags]
//	log-level = "debug"
//	page-size = "65536"
//	backing = "host"
type File struct {
	// Flags are flag values keyed by flag name. They are parsed with the
	// same rules as on the command line.
	Flags map[string]string `toml:"flags"`
}

// LoadFile decodes the config file at path. Unknown keys are an error.
func LoadFile(path string) (*File, error) {
	var f File
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("loading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("loading config %q: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return &f, nil
}
