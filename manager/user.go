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

// UserAPI is the RPC receiver a CLI user or scheduler talks to:
// create/start/stop/delete/list. It satisfies agentrpc.UserService.
type UserAPI struct{ s *state }

// CreateContainer registers a new container in the READY state.
// Creating a container that already exists is an InvalidOperation;
// no state is touched in that case.
func (a *UserAPI) CreateContainer(args *agentrpc.CreateContainerArgs, reply *agentrpc.CreateContainerReply) error {
	id := a.s.logStart("CreateContainer", args.Tag)
	err := a.createContainer(args)
	a.s.logEnd(id, "CreateContainer", err)
	return err
}

func (a *UserAPI) createContainer(args *agentrpc.CreateContainerArgs) error {
	if err := a.s.checkDuplicate(args.Tag); err != nil {
		return err
	}
	a.s.containers[args.Tag] = &agentrpc.ContainerInfo{
		Tag:   args.Tag,
		State: agentrpc.StateReady,
	}
	return nil
}

// StartContainer enqueues a READY container onto the runnable
// queue, where an Executor will later dequeue it and launch an
// Assistant for it. It does not itself transition the container's
// state or block waiting for the container to actually start: the
// caller polls ListContainers if it cares when the container
// reaches RUNNING: the Manager is single-threaded and must not block
// an RPC call on work that can only complete via a later RPC call
// from the Executor or an Assistant.
func (a *UserAPI) StartContainer(args *agentrpc.StartContainerArgs, reply *agentrpc.StartContainerReply) error {
	id := a.s.logStart("StartContainer", args.Tag)
	err := a.startContainer(args)
	a.s.logEnd(id, "StartContainer", err)
	return err
}

func (a *UserAPI) startContainer(args *agentrpc.StartContainerArgs) error {
	if err := a.s.checkExists(args.Tag); err != nil {
		return err
	}
	if err := a.s.checkInStates(args.Tag, agentrpc.StateReady); err != nil {
		return err
	}
	if _, ok := a.s.assistants[args.Tag]; ok {
		return agentrpc.Invalidf("container %q already has an assistant", args.Tag)
	}
	a.s.assistants[args.Tag] = &agentrpc.AssistantInfo{
		Tag:     args.Tag,
		Command: args.Command,
	}
	a.s.runnable = append(a.s.runnable, args.Tag)
	return nil
}

// StopContainer moves a RUNNING (or already STOPPING) container
// into STOPPING. The actual shutdown is carried out by the
// container's Assistant the next time it reports status and is
// told to STOP.
func (a *UserAPI) StopContainer(args *agentrpc.StopContainerArgs, reply *agentrpc.StopContainerReply) error {
	id := a.s.logStart("StopContainer", args.Tag)
	err := a.stopContainer(args)
	a.s.logEnd(id, "StopContainer", err)
	return err
}

func (a *UserAPI) stopContainer(args *agentrpc.StopContainerArgs) error {
	if err := a.s.checkExists(args.Tag); err != nil {
		return err
	}
	if err := a.s.checkInStates(args.Tag, agentrpc.StateStopping, agentrpc.StateRunning); err != nil {
		return err
	}
	a.s.containers[args.Tag].State = agentrpc.StateStopping
	return nil
}

// DeleteContainer erases all memory of a container. It refuses to
// delete a container that is still RUNNING or STOPPING: the caller
// must stop it and wait for DEAD first.
func (a *UserAPI) DeleteContainer(args *agentrpc.DeleteContainerArgs, reply *agentrpc.DeleteContainerReply) error {
	id := a.s.logStart("DeleteContainer", args.Tag)
	err := a.deleteContainer(args)
	a.s.logEnd(id, "DeleteContainer", err)
	return err
}

func (a *UserAPI) deleteContainer(args *agentrpc.DeleteContainerArgs) error {
	if err := a.s.checkExists(args.Tag); err != nil {
		return err
	}
	state := a.s.containers[args.Tag].State
	if state == agentrpc.StateRunning || state == agentrpc.StateStopping {
		return agentrpc.Invalidf("container %q is still active", args.Tag)
	}
	delete(a.s.containers, args.Tag)
	delete(a.s.assistants, args.Tag)
	return nil
}

// ListContainers returns the ContainerInfo for every requested tag,
// or for every known container if Tags is empty. An unknown tag in
// a non-empty request is an InvalidOperation, matching
// CreateContainer/StartContainer/etc: any failed call leaves state
// untouched and touches no reply fields.
//
// Results are always sorted by tag, so that repeated calls against
// unchanged state return identical ordering; the underlying map
// iteration order is not otherwise stable.
func (a *UserAPI) ListContainers(args *agentrpc.ListContainersArgs, reply *agentrpc.ListContainersReply) error {
	id := a.s.logStart("ListContainers", "*")
	err := a.listContainers(args, reply)
	a.s.logEnd(id, "ListContainers", err)
	return err
}

func (a *UserAPI) listContainers(args *agentrpc.ListContainersArgs, reply *agentrpc.ListContainersReply) error {
	tags := args.Tags
	if len(tags) == 0 {
		tags = make([]string, 0, len(a.s.containers))
		for tag := range a.s.containers {
			tags = append(tags, tag)
		}
	} else {
		for _, tag := range tags {
			if err := a.s.checkExists(tag); err != nil {
				return err
			}
		}
	}
	slices.Sort(tags)
	out := make([]agentrpc.ContainerInfo, 0, len(tags))
	for _, tag := range tags {
		out = append(out, *a.s.containers[tag])
	}
	reply.Containers = out
	return nil
}
