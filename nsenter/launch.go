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
	"io"
	"os"
	"os/exec"

	"github.com/outrigger-systems/contain/cgroup"
)

// blockScript reads exactly one line from fd 3 before replacing
// itself with the real command. unshare(1) has no equivalent of
// bwrap(1)'s --block-fd, so the same effect (don't start running
// until the caller says go) is produced by running this script
// ahead of unshare instead of ahead of the workload: sh blocks,
// the caller moves sh's own pid into the target cgroup, the
// caller releases the block, and only then does sh exec unshare.
// Since exec never changes cgroup membership and fork always
// inherits it from the forking process, every namespace and
// process unshare itself subsequently creates (including the
// --fork child for a new pid namespace) is already a member of
// the target cgroup by construction; no further placement step
// is needed once this exec chain starts moving.
const blockScript = `read -r _ <&3; exec "$@"`

// Options configures a Launch call.
type Options struct {
	// Bin is the path to unshare(1). Empty means DefaultBin.
	Bin string

	// UsePidNs and IsContainer select the namespace set; see Args.
	UsePidNs    bool
	IsContainer bool

	// Command is the program and arguments to run once namespaces
	// (and, if Cgroup is set, cgroup membership) are established.
	Command []string

	// Cgroup, if non-zero, is the cgroup the launched process (and
	// everything it subsequently forks) is moved into before it
	// starts running. If zero, no placement is performed and the
	// process simply inherits the caller's current cgroup.
	Cgroup cgroup.Dir

	Stdout io.Writer
	Stderr io.Writer
	Env    []string
}

// Launch starts opts.Command under unshare(1) in the requested
// namespace set, placing it into opts.Cgroup (if set) before it
// begins running. It returns once the process has started and, if
// a cgroup was requested, once placement has completed; it does not
// wait for the process to exit.
func Launch(opts Options) (*exec.Cmd, error) {
	argv := Args(opts.Bin, opts.UsePidNs, opts.IsContainer, opts.Command)

	var blockR, blockW *os.File
	if !opts.Cgroup.IsZero() {
		var err error
		blockR, blockW, err = os.Pipe()
		if err != nil {
			return nil, err
		}
	}

	cmd := &exec.Cmd{
		Stdout: opts.Stdout,
		Stderr: opts.Stderr,
		Env:    opts.Env,
	}
	if blockR != nil {
		cmd.Path = "/bin/sh"
		cmd.Args = append([]string{"/bin/sh", "-c", blockScript, "nsenter-blocker"}, argv...)
		cmd.ExtraFiles = []*os.File{blockR}
	} else {
		cmd.Path = argv[0]
		cmd.Args = argv
	}

	if err := cmd.Start(); err != nil {
		if blockR != nil {
			blockR.Close()
			blockW.Close()
		}
		return nil, err
	}
	if blockR == nil {
		return cmd, nil
	}
	// The child has its own copy of blockR via fd inheritance;
	// our copy is no longer needed.
	blockR.Close()

	if err := cgroup.Move(cmd.Process.Pid, opts.Cgroup); err != nil {
		blockW.Close()
		return cmd, err
	}
	_, err := blockW.WriteString("\n")
	blockW.Close()
	return cmd, err
}
