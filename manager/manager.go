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

// Package manager implements the authoritative container state
// machine. A Manager tracks every container's ContainerInfo and
// AssistantInfo, the runnable queue an Executor drains, and the set
// of currently-running container tags.
//
// A Manager carries no locks. Its User and Agent receivers are meant
// to be served from agentrpc.Serve, which guarantees at most one
// call is ever in flight at a time; that guarantee is what lets this
// package get away with plain maps and slices instead of a mutex.
package manager

import (
	"log"

	"github.com/google/uuid"
	"github.com/outrigger-systems/contain/agentrpc"
)

// Manager owns the container state machine and exposes it through
// two receivers, User and Agent, which satisfy agentrpc.UserService
// and agentrpc.AgentService respectively.
type Manager struct {
	*state
	User  *UserAPI
	Agent *AgentAPI
}

type state struct {
	containers map[string]*agentrpc.ContainerInfo
	assistants map[string]*agentrpc.AssistantInfo
	runnable   []string
	running    map[string]struct{}

	logger *log.Logger
}

// Option configures a Manager constructed with New.
type Option func(*Manager)

// WithLogger causes the Manager to log every RPC call's entry and
// exit, tagged with a per-call correlation id. If no logger is set,
// nothing is logged.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates an empty Manager: no containers, no assistants,
// nothing runnable, nothing running.
func New(opts ...Option) *Manager {
	s := &state{
		containers: make(map[string]*agentrpc.ContainerInfo),
		assistants: make(map[string]*agentrpc.AssistantInfo),
		running:    make(map[string]struct{}),
	}
	m := &Manager{state: s}
	m.User = &UserAPI{s: s}
	m.Agent = &AgentAPI{s: s}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (s *state) logStart(method string, tag string) uuid.UUID {
	id := uuid.New()
	if s.logger != nil {
		s.logger.Printf("%s %s: %s: start", id, method, tag)
	}
	return id
}

func (s *state) logEnd(id uuid.UUID, method string, err error) {
	if s.logger == nil {
		return
	}
	if err != nil {
		s.logger.Printf("%s %s: error: %s", id, method, err)
	} else {
		s.logger.Printf("%s %s: ok", id, method)
	}
}

func (s *state) tagExists(tag string) bool {
	_, ok := s.containers[tag]
	return ok
}

func (s *state) checkDuplicate(tag string) error {
	if s.tagExists(tag) {
		return agentrpc.Invalidf("container %q already exists", tag)
	}
	return nil
}

func (s *state) checkExists(tag string) error {
	if !s.tagExists(tag) {
		return agentrpc.Invalidf("container %q does not exist", tag)
	}
	return nil
}

func (s *state) checkInStates(tag string, states ...agentrpc.ContainerState) error {
	cur := s.containers[tag].State
	for _, want := range states {
		if cur == want {
			return nil
		}
	}
	return agentrpc.Invalidf("container %q state mismatch: expected one of %v, actual %s", tag, states, cur)
}
