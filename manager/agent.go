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

package manager

import (
	"golang.org/x/exp/slices"

	"github.com/outrigger-systems/contain/agentrpc"
)

// AgentAPI is the RPC receiver the Executor and every Assistant
// talk to. It satisfies agentrpc.AgentService.
type AgentAPI struct{ s *state }

// DequeueReadyContainers atomically (with respect to other RPC
// calls, since the Manager serves one call at a time) drains and
// returns the runnable queue. Called by the Executor's main loop.
func (a *AgentAPI) DequeueReadyContainers(args *agentrpc.DequeueReadyContainersArgs, reply *agentrpc.DequeueReadyContainersReply) error {
	id := a.s.logStart("DequeueReadyContainers", "*")
	reply.Tags = a.s.runnable
	a.s.runnable = nil
	a.s.logEnd(id, "DequeueReadyContainers", nil)
	return nil
}

// GetRunningContainers returns the tags of every container the
// Manager currently believes is RUNNING.
func (a *AgentAPI) GetRunningContainers(args *agentrpc.GetRunningContainersArgs, reply *agentrpc.GetRunningContainersReply) error {
	id := a.s.logStart("GetRunningContainers", "*")
	tags := make([]string, 0, len(a.s.running))
	for tag := range a.s.running {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	reply.Tags = tags
	a.s.logEnd(id, "GetRunningContainers", nil)
	return nil
}

// GetAssistantStatus returns the AssistantInfo the Manager expects
// for tag. A nil Info in the reply means the Manager has never
// heard of an Assistant for tag: the caller is rogue (e.g. it is
// the leftover of a Manager restart, or a duplicate launch) and
// must abort rather than proceed to spawn a workload. This call
// never fails with InvalidOperation; the rogue case is a normal,
// expected outcome, not an error.
func (a *AgentAPI) GetAssistantStatus(args *agentrpc.GetAssistantStatusArgs, reply *agentrpc.GetAssistantStatusReply) error {
	id := a.s.logStart("GetAssistantStatus", args.Tag)
	if info, ok := a.s.assistants[args.Tag]; ok {
		cp := *info
		reply.Info = &cp
	}
	a.s.logEnd(id, "GetAssistantStatus", nil)
	return nil
}

// ReportContainerStatus records an Assistant's periodic liveness
// report and returns the directive (OKAY/STOP/ABORT) it should act
// on next.
//
// If the Manager has no record of the container's tag at all, the
// Assistant itself is unmanaged (most likely the Manager restarted
// out from under it) and is told to ABORT unconditionally.
//
// A RUNNING report against a READY container performs the
// READY->RUNNING transition, recording the Assistant's pid and
// workload pid and adding the tag to the running set. A DEAD report
// moves the container to DEAD from whatever state it is in, recording
// ExitInfo and removing the tag from the running set; removing a
// tag that is not present is a no-op, so a duplicate DEAD report
// stays idempotent without any extra guard.
//
// Any other combination of reported state and current state leaves
// containerInfos untouched; it is not an error, since a late or
// duplicate report (e.g. two RUNNING reports in a row) should not
// destabilize the state machine.
func (a *AgentAPI) ReportContainerStatus(args *agentrpc.ReportContainerStatusArgs, reply *agentrpc.ReportContainerStatusReply) error {
	id := a.s.logStart("ReportContainerStatus", args.Tag)
	a.reportContainerStatus(args, reply)
	a.s.logEnd(id, "ReportContainerStatus", nil)
	return nil
}

func (a *AgentAPI) reportContainerStatus(args *agentrpc.ReportContainerStatusArgs, reply *agentrpc.ReportContainerStatusReply) {
	info, ok := a.s.containers[args.Tag]
	if !ok {
		reply.Directive = agentrpc.Abort
		return
	}

	switch {
	case args.State == agentrpc.StateRunning && info.State == agentrpc.StateReady:
		am := a.s.assistants[args.Tag]
		am.Pid = args.Pid
		am.WorkloadPid = args.WorkloadPid
		am.CgroupPath = args.CgroupPath
		info.State = agentrpc.StateRunning
		a.s.running[args.Tag] = struct{}{}
	case args.State == agentrpc.StateDead:
		info.State = agentrpc.StateDead
		info.ExitInfo = args.ExitInfo
		delete(a.s.running, args.Tag)
	}

	if info.State == agentrpc.StateStopping {
		reply.Directive = agentrpc.Stop
	} else {
		reply.Directive = agentrpc.Okay
	}
}
