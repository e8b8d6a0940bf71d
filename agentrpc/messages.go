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

package agentrpc

// User-facing surface: CreateContainer, StartContainer,
// StopContainer, DeleteContainer, ListContainers.

type CreateContainerArgs struct {
	Tag string
}

type CreateContainerReply struct{}

type StartContainerArgs struct {
	Tag     string
	Command Command
}

type StartContainerReply struct{}

type StopContainerArgs struct {
	Tag string
}

type StopContainerReply struct{}

type DeleteContainerArgs struct {
	Tag string
}

type DeleteContainerReply struct{}

// ListContainersArgs with a nil/empty Tags lists every
// known container; a non-empty Tags restricts the result
// to the named containers (any unknown tag makes the
// whole call fail with InvalidOperation).
type ListContainersArgs struct {
	Tags []string
}

type ListContainersReply struct {
	Containers []ContainerInfo
}

// Agent-facing surface: DequeueReadyContainers,
// GetAssistantStatus, GetRunningContainers,
// ReportContainerStatus.

type DequeueReadyContainersArgs struct{}

type DequeueReadyContainersReply struct {
	Tags []string
}

type GetAssistantStatusArgs struct {
	Tag string
}

// Info is nil when Tag is not a container the Manager
// expects an Assistant for; the caller must treat this as
// a rogue-Assistant condition and abort.
type GetAssistantStatusReply struct {
	Info *AssistantInfo
}

type GetRunningContainersArgs struct{}

type GetRunningContainersReply struct {
	Tags []string
}

// ReportContainerStatusArgs is the periodic status report
// an Assistant sends for its container. Pid and
// WorkloadPid are 0 until the Assistant has a workload
// running; ExitInfo is set iff State == StateDead.
type ReportContainerStatusArgs struct {
	Tag         string
	State       ContainerState
	Pid         int
	WorkloadPid int
	CgroupPath  string
	ExitInfo    *ExitInfo
}

type ReportContainerStatusReply struct {
	Directive ManagerResponse
}
