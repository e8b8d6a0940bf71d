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
	"strconv"

	"golang.org/x/sys/unix"
)

// reapZombies non-blockingly waits for every exited direct child,
// logs its exit status, and tears down the cgroup it was assigned.
// See waitpid(2) for why a zombie must be explicitly reaped even
// though we have no further use for its exit status beyond logging.
//
// children[pid] is only erased once the cgroup subtree has actually
// been removed (invariant 6, spec.md §8): when Teardown fails, pid
// stays in children and tag is recorded in pendingTeardown so
// retryTeardowns can keep retrying it on every subsequent tick,
// instead of leaking the directory until the tag happens to be
// relaunched.
func (e *Executor) reapZombies() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		tag, ok := e.children[pid]
		if !ok {
			continue
		}
		e.logf("executor: assistant pid %d (tag %q) exited: %s", pid, tag, exitDesc(ws))

		if e.teardown(tag) {
			delete(e.children, pid)
		} else {
			e.pendingTeardown[tag] = pid
		}
	}
}

// retryTeardowns retries the cgroup teardown for every tag whose
// reap-time Teardown previously failed, finally erasing its entry
// from children once the directory is actually gone.
func (e *Executor) retryTeardowns() {
	for tag, pid := range e.pendingTeardown {
		if e.teardown(tag) {
			delete(e.pendingTeardown, tag)
			delete(e.children, pid)
		}
	}
}

// teardown kills and removes tag's cgroup subtree, returning true
// once the directory is gone. A failure is logged and left for the
// caller to retry; it never aborts the Executor.
func (e *Executor) teardown(tag string) bool {
	cg := e.parentCgroup.Sub(tag)
	if err := cg.Kill(); err != nil {
		e.logf("executor: killing leftover processes in %s: %s", cg, err)
	}
	if err := cg.Teardown(); err != nil {
		// The directory may still be draining processes the
		// kernel hasn't finished tearing down; retried on the
		// next tick via pendingTeardown.
		e.logf("executor: tearing down cgroup %s: %s", cg, err)
		return false
	}
	return true
}

func exitDesc(ws unix.WaitStatus) string {
	if ws.Exited() {
		return "exit status " + strconv.Itoa(ws.ExitStatus())
	}
	if ws.Signaled() {
		return "signal " + ws.Signal().String()
	}
	return "unknown"
}
