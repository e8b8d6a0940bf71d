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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileIsZeroValue(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c != (Config{}) {
		t.Errorf("expected zero Config, got %+v", c)
	}
}

func TestLoadEmptyPathIsZeroValue(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c != (Config{}) {
		t.Errorf("expected zero Config, got %+v", c)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contain.yaml")
	body := "port: 9090\nparentCgroup: /sys/fs/cgroup/containers.slice\nassistantManagerBin: /usr/local/bin/contain-assistant\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Config{
		Port:                9090,
		ParentCgroup:        "/sys/fs/cgroup/containers.slice",
		AssistantManagerBin: "/usr/local/bin/contain-assistant",
	}
	if c != want {
		t.Errorf("got %+v, want %+v", c, want)
	}
}
