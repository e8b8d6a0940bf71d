// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config loads launcher defaults from an optional YAML file,
// layered underneath whatever the user supplies on the command line.
// Every field here has a corresponding flag, and a flag explicitly
// set on the command line always wins.
package config

import (
	"os"

	"sigs.k8s.io/yaml"
)

// Config holds the launcher settings that can be preset by a config
// file. Field names double as the YAML keys (via the json tags
// sigs.k8s.io/yaml round-trips through).
type Config struct {
	Port                int    `json:"port,omitempty"`
	ParentCgroup        string `json:"parentCgroup,omitempty"`
	AssistantManagerBin string `json:"assistantManagerBin,omitempty"`
	NoExecutor          bool   `json:"noExecutor,omitempty"`
	UnshareBin          string `json:"unshareBin,omitempty"`
}

// Load reads and parses a YAML config file. A missing path is not
// an error: it returns the zero Config, so that callers can layer
// CLI flag defaults over it unconditionally.
func Load(path string) (Config, error) {
	var c Config
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, err
	}
	return c, nil
}
