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

package nsenter

import (
	"reflect"
	"testing"
)

func TestArgsPlain(t *testing.T) {
	got := Args("/usr/bin/unshare", false, false, []string{"/bin/true"})
	want := []string{"/usr/bin/unshare", "--mount", "/bin/true"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestArgsPidNs(t *testing.T) {
	got := Args("", true, false, []string{"/bin/true", "-x"})
	want := []string{DefaultBin, "--mount", "--pid", "--fork", "--mount-proc", "/bin/true", "-x"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestArgsContainer(t *testing.T) {
	got := Args("/x/unshare", false, true, []string{"/bin/true"})
	want := []string{
		"/x/unshare", "--mount",
		"--pid", "--fork", "--mount-proc",
		"--ipc", "--uts", "--cgroup",
		"/bin/true",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLaunchNoCgroup(t *testing.T) {
	cmd, err := Launch(Options{
		Command: []string{"/bin/true"},
	})
	if err != nil {
		t.Skipf("couldn't run /bin/true directly: %v", err)
	}
	if err := cmd.Wait(); err != nil {
		t.Errorf("waiting for /bin/true: %v", err)
	}
}
