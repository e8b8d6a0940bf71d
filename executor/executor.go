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

// Package executor implements the process that dequeues runnable
// containers from the Manager and spawns an Assistant for each one,
// placing it into its own cgroup before it runs, and reaps
// Assistants once they exit.
package executor

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/outrigger-systems/contain/agentrpc"
	"github.com/outrigger-systems/contain/cgroup"
	"github.com/outrigger-systems/contain/nsenter"
)

// Executor owns a parent cgroup and forks one Assistant process per
// runnable container it learns about from the Manager.
type Executor struct {
	client       *agentrpc.Client
	assistantBin string
	unshareBin   string
	parentCgroup cgroup.Dir

	logger *log.Logger

	// children maps the pid of a directly-forked Assistant (the
	// unshare(1) wrapper process, which mirrors the true
	// Assistant's lifetime via its own --fork/wait behavior) to
	// the container tag it is babysitting.
	children map[int]string

	// pendingTeardown maps the tag of a reaped container whose
	// cgroup subtree could not yet be removed (still draining
	// processes the kernel hasn't finished tearing down) to the
	// pid it was reaped from. Retried every tick until Teardown
	// succeeds, at which point children[pid] is finally erased.
	pendingTeardown map[string]int
}

// Option configures an Executor built with New.
type Option func(*Executor)

// WithUnshareBin overrides the default unshare(1) path.
func WithUnshareBin(path string) Option {
	return func(e *Executor) { e.unshareBin = path }
}

// WithLogger causes the Executor to log launch and reap events.
func WithLogger(l *log.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates the Executor's parent cgroup directory (failing fast
// if that isn't possible) and returns an Executor ready to Run.
// assistantBin is the path to the assistant binary to fork for each
// runnable container.
func New(client *agentrpc.Client, parentCgroup string, assistantBin string, opts ...Option) (*Executor, error) {
	if err := os.MkdirAll(parentCgroup, 0755); err != nil {
		return nil, fmt.Errorf("creating parent cgroup %s: %w", parentCgroup, err)
	}
	e := &Executor{
		client:          client,
		assistantBin:    assistantBin,
		unshareBin:      nsenter.DefaultBin,
		parentCgroup:    cgroup.Dir(parentCgroup),
		children:        make(map[int]string),
		pendingTeardown: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Executor) logf(format string, args ...interface{}) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

// Run waits for the Manager to accept connections, then drives the
// dequeue/launch/reap loop on a 1 second tick until ctx is done.
func (e *Executor) Run(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := agentrpc.WaitReady(waitCtx, e.client.Addr)
	cancel()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		e.tick()
	}
}

func (e *Executor) tick() {
	tags, err := e.client.DequeueReadyContainers()
	if err != nil {
		e.logf("executor: dequeueing ready containers: %s", err)
	}
	for _, tag := range tags {
		if err := e.launch(tag); err != nil {
			e.logf("executor: launching assistant for %q: %s", tag, err)
		}
	}
	e.reapZombies()
	e.retryTeardowns()
}

// launch creates tag's cgroup under the parent cgroup (killing any
// leftover processes if the directory is somehow already present,
// e.g. from an uncleanly reaped prior attempt) and forks an
// Assistant into it via unshare(1) in pid-namespace mode.
func (e *Executor) launch(tag string) error {
	cg, err := e.parentCgroup.Create(tag, true)
	if err != nil {
		return fmt.Errorf("creating cgroup: %w", err)
	}

	args := []string{e.assistantBin, addrPort(e.client.Addr), tag, string(e.parentCgroup)}
	cmd, err := nsenter.Launch(nsenter.Options{
		Bin:      e.unshareBin,
		UsePidNs: true,
		Command:  args,
		Cgroup:   cg,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("starting assistant: %w", err)
	}
	if _, dup := e.children[cmd.Process.Pid]; dup {
		panic(fmt.Sprintf("executor: assistant pid %d is already a tracked child", cmd.Process.Pid))
	}
	e.children[cmd.Process.Pid] = tag
	e.logf("executor: started assistant for %q, pid %d", tag, cmd.Process.Pid)
	return nil
}

// addrPort splits a host:port client address into its bare port,
// which is what the assistant binary's positional PORT argument
// expects per its CLI surface.
func addrPort(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[i+1:]
		}
	}
	return addr
}
