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

// Package nsenter shells out to unshare(1) to place a command into
// a fresh set of Linux namespaces, optionally synchronizing with the
// caller so that the command's cgroup is assigned before it starts
// running.
package nsenter

// DefaultBin is the conventional install path of unshare(1).
const DefaultBin = "/usr/bin/unshare"

// Args builds the unshare(1) argument vector for running cmd in a
// new namespace set. --mount is always requested, since neither an
// Assistant nor a container's workload should be able to affect the
// root mount namespace. usePidNs additionally isolates the pid
// namespace (unshare must fork to do this, since a process cannot
// make itself pid 1 of a new namespace without a subsequent fork).
// isContainer implies usePidNs and further isolates ipc, uts, and
// cgroup.
func Args(bin string, usePidNs, isContainer bool, cmd []string) []string {
	if bin == "" {
		bin = DefaultBin
	}
	args := []string{bin, "--mount"}
	if usePidNs || isContainer {
		args = append(args, "--pid", "--fork", "--mount-proc")
	}
	if isContainer {
		args = append(args, "--ipc", "--uts", "--cgroup")
	}
	return append(args, cmd...)
}
