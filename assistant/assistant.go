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

// Package assistant implements the per-container supervisor: it
// commissions itself against the Manager, spawns the container's
// workload under unshare(1) in full container mode, and reports
// liveness until the workload (or the Assistant itself, on an
// ABORT directive) dies.
package assistant

import (
	"fmt"
	"log"
	"os"

	"github.com/outrigger-systems/contain/agentrpc"
	"github.com/outrigger-systems/contain/cgroup"
	"github.com/outrigger-systems/contain/nsenter"
)

// ErrRogue is returned by New when the Manager has no record of an
// Assistant expected for tag. A rogue Assistant must exit
// immediately rather than spawn a workload nobody is tracking.
var ErrRogue = fmt.Errorf("unmanaged container: no assistant expected by manager")

// Assistant babysits a single container's workload.
type Assistant struct {
	client *agentrpc.Client
	tag    string
	info   *agentrpc.AssistantInfo
	selfCg cgroup.Dir

	unshareBin string
	logger     *log.Logger
	exit       func(int)

	workload *os.Process
}

// Option configures an Assistant built with New.
type Option func(*Assistant)

// WithUnshareBin overrides the default unshare(1) path.
func WithUnshareBin(path string) Option {
	return func(a *Assistant) { a.unshareBin = path }
}

// WithLogger causes the Assistant to log its progress.
func WithLogger(l *log.Logger) Option {
	return func(a *Assistant) { a.logger = l }
}

// New commissions an Assistant for tag: it discovers its own
// cgroup, asserts that the cgroup is nested under parentCgroup (a
// toy but meaningful safety check — this process should never send
// signals to any cgroup but the one the Executor placed it in), and
// fetches the AssistantInfo the Manager is expecting. It returns
// ErrRogue if the Manager has no such record.
func New(client *agentrpc.Client, tag string, parentCgroup string, opts ...Option) (*Assistant, error) {
	self, err := cgroup.Self()
	if err != nil {
		return nil, fmt.Errorf("discovering own cgroup: %w", err)
	}
	if !cgroup.Dir(parentCgroup).Contains(self) {
		return nil, fmt.Errorf("own cgroup %s is not nested under parent cgroup %s", self, parentCgroup)
	}

	info, err := client.GetAssistantStatus(tag)
	if err != nil {
		return nil, fmt.Errorf("fetching assistant status: %w", err)
	}
	if info == nil {
		return nil, ErrRogue
	}

	a := &Assistant{
		client:     client,
		tag:        tag,
		info:       info,
		selfCg:     self,
		unshareBin: nsenter.DefaultBin,
		exit:       os.Exit,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Assistant) logf(format string, args ...interface{}) {
	if a.logger != nil {
		a.logger.Printf("assistant(%s): "+format, append([]interface{}{a.tag}, args...)...)
	}
}

// StartContainer launches the container's workload under unshare(1)
// in full container mode (new mount, pid, ipc, uts, and cgroup
// namespaces). The workload inherits the Assistant's own cgroup, so
// no separate placement step is needed here: the Executor already
// placed this process (and everything it forks) into the right
// cgroup before exec'ing the Assistant binary.
func (a *Assistant) StartContainer() error {
	cmdline := append([]string{a.info.Command.Cmd}, a.info.Command.Args...)
	cmd, err := nsenter.Launch(nsenter.Options{
		Bin:         a.unshareBin,
		IsContainer: true,
		Command:     cmdline,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("starting container workload: %w", err)
	}
	a.workload = cmd.Process
	a.logf("started workload, pid %d", cmd.Process.Pid)
	return nil
}
