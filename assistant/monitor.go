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

package assistant

import (
	"context"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/outrigger-systems/contain/agentrpc"
)

// Monitor runs the 1-second-tick report loop until the workload
// exits (normally or by signal) and the Manager acknowledges a DEAD
// report, or until ctx is done.
//
// zombieCheck only ever observes the workload's exit once: unix.Wait4
// reaps it, so no later tick sees a child to wait for. Once that
// happens the ExitInfo is held in pending and re-reported every tick
// until a report finally succeeds, so a transient RPC failure on the
// final DEAD report (§7: "transient RPC error... never terminates the
// role") never causes the Assistant to exit while the Manager still
// believes the container is RUNNING.
func (a *Assistant) Monitor(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var pending *agentrpc.ExitInfo
	for {
		exit := pending
		if exit == nil {
			exit = a.zombieCheck()
		}
		err := a.report(exit)
		if err != nil {
			a.logf("reporting status: %s", err)
		}
		if exit != nil {
			if err != nil {
				pending = exit
			} else {
				a.logf("workload exited: %s", *exit)
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// zombieCheck non-blockingly checks whether the workload has
// exited, translating its wait status into an *ExitInfo. It returns
// nil if the workload is still alive.
func (a *Assistant) zombieCheck() *agentrpc.ExitInfo {
	var ws unix.WaitStatus
	pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
	if err != nil || pid <= 0 {
		return nil
	}
	if ws.Exited() {
		return &agentrpc.ExitInfo{Code: agentrpc.Exit, Status: uint8(ws.ExitStatus())}
	}
	return &agentrpc.ExitInfo{Code: agentrpc.Signal, Status: uint8(ws.Signal())}
}

// report sends a status update to the Manager and acts on its
// directive. A failure to reach the Manager is logged and
// otherwise ignored: the Assistant keeps the workload running and
// tries again on the next tick, tolerating a Manager that is
// temporarily down or restarting.
func (a *Assistant) report(exit *agentrpc.ExitInfo) error {
	args := &agentrpc.ReportContainerStatusArgs{
		Tag:         a.tag,
		Pid:         os.Getpid(),
		WorkloadPid: a.workload.Pid,
		CgroupPath:  string(a.selfCg),
		ExitInfo:    exit,
	}
	if exit != nil {
		args.State = agentrpc.StateDead
	} else {
		args.State = agentrpc.StateRunning
	}

	directive, err := a.client.ReportContainerStatus(args)
	if err != nil {
		return err
	}

	switch directive {
	case agentrpc.Abort:
		a.logf("manager does not recognize us, aborting")
		a.signalCgroup(unix.SIGKILL)
		a.exit(1)
	case agentrpc.Stop:
		a.signalCgroup(unix.SIGTERM)
	}
	return nil
}

// signalCgroup sends sig to every process in the Assistant's own
// cgroup except the Assistant itself, so that a single signal tears
// down the entire workload process tree regardless of how many
// processes it has forked.
func (a *Assistant) signalCgroup(sig unix.Signal) {
	pids, err := a.selfCg.Procs()
	if err != nil {
		a.logf("listing cgroup members: %s", err)
		return
	}
	self := os.Getpid()
	for _, pid := range pids {
		if pid == self {
			continue
		}
		if err := unix.Kill(pid, sig); err != nil {
			a.logf("signaling pid %d: %s", pid, err)
		}
	}
}
