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

package executor

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/outrigger-systems/contain/agentrpc"
	"github.com/outrigger-systems/contain/cgroup"
)

func TestAddrPort(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:9090": "9090",
		"localhost:80":   "80",
		"9090":           "9090",
	}
	for in, want := range cases {
		if got := addrPort(in); got != want {
			t.Errorf("addrPort(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewCreatesParentCgroupDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "contain-cgroup")
	e, err := New(&agentrpc.Client{Addr: "127.0.0.1:0"}, dir, "/bin/true")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.parentCgroup != cgroup.Dir(dir) {
		t.Errorf("parentCgroup = %s, want %s", e.parentCgroup, dir)
	}
}

// TestReapZombiesBookkeeping exercises the reap loop's bookkeeping
// (removing exited pids from children only once their cgroup
// directory is actually gone, tolerating pids it doesn't recognize)
// using a plain tempdir standing in for a real cgroup2 mount, which
// isn't guaranteed to be available in a test sandbox.
func TestReapZombiesBookkeeping(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "web"), 0755); err != nil {
		t.Fatal(err)
	}
	e := &Executor{
		parentCgroup:    cgroup.Dir(root),
		children:        make(map[int]string),
		pendingTeardown: make(map[string]int),
	}

	cmd := exec.Command("/bin/true")
	if err := cmd.Start(); err != nil {
		t.Skipf("couldn't start /bin/true: %v", err)
	}
	e.children[cmd.Process.Pid] = "web"

	// give the child a moment to exit so Wait4(WNOHANG) observes it
	deadline := time.Now().Add(2 * time.Second)
	for len(e.children) > 0 && time.Now().Before(deadline) {
		e.reapZombies()
		if len(e.children) > 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if len(e.children) != 0 {
		t.Fatalf("expected child to be reaped and torn down, children = %v", e.children)
	}
	if _, err := os.Stat(filepath.Join(root, "web")); !os.IsNotExist(err) {
		t.Errorf("expected web's cgroup directory to be removed, stat returned: %v", err)
	}
}

// TestReapZombiesRetriesFailedTeardown exercises invariant 6 (spec.md
// §8): when a reaped container's cgroup can't yet be torn down (here,
// because its directory doesn't exist at all), children[pid] must
// stay populated and the tag must be retried on a later tick rather
// than being forgotten.
func TestReapZombiesRetriesFailedTeardown(t *testing.T) {
	root := t.TempDir()
	// deliberately do not create root/web, so the first Teardown fails
	e := &Executor{
		parentCgroup:    cgroup.Dir(root),
		children:        make(map[int]string),
		pendingTeardown: make(map[string]int),
	}

	cmd := exec.Command("/bin/true")
	if err := cmd.Start(); err != nil {
		t.Skipf("couldn't start /bin/true: %v", err)
	}
	pid := cmd.Process.Pid
	e.children[pid] = "web"

	deadline := time.Now().Add(2 * time.Second)
	for {
		e.reapZombies()
		if _, pending := e.pendingTeardown["web"]; pending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("child was never reaped")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(e.pendingTeardown) != 1 || e.pendingTeardown["web"] != pid {
		t.Fatalf("expected web pending teardown for pid %d, got %v", pid, e.pendingTeardown)
	}
	if _, stillChild := e.children[pid]; !stillChild {
		t.Fatal("children[pid] must not be erased until teardown actually succeeds")
	}

	// the cgroup directory now appears (as it would once the kernel
	// finishes draining it); retryTeardowns should finish the job.
	if err := os.Mkdir(filepath.Join(root, "web"), 0755); err != nil {
		t.Fatal(err)
	}
	e.retryTeardowns()

	if len(e.pendingTeardown) != 0 {
		t.Errorf("expected pendingTeardown to be drained, got %v", e.pendingTeardown)
	}
	if _, stillChild := e.children[pid]; stillChild {
		t.Error("expected children[pid] to be erased once teardown succeeded")
	}
	if _, err := os.Stat(filepath.Join(root, "web")); !os.IsNotExist(err) {
		t.Errorf("expected web's cgroup directory to be removed, stat returned: %v", err)
	}
}
