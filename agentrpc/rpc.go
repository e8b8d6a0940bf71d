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

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"time"
)

// Service names under which the two RPC personalities are
// registered. A connection from a CLI tool calls into
// "User"; a connection from an Executor or Assistant calls
// into "Agent". Nothing stops either personality from
// dialing the other's methods: the separation is a
// convenience for callers, not a security boundary.
const (
	userService  = "User"
	agentService = "Agent"
)

// UserService is the interface the Manager's user-facing
// receiver satisfies. It exists for documentation and
// compile-time checking; net/rpc itself dispatches by
// reflection and does not consult this interface.
type UserService interface {
	CreateContainer(args *CreateContainerArgs, reply *CreateContainerReply) error
	StartContainer(args *StartContainerArgs, reply *StartContainerReply) error
	StopContainer(args *StopContainerArgs, reply *StopContainerReply) error
	DeleteContainer(args *DeleteContainerArgs, reply *DeleteContainerReply) error
	ListContainers(args *ListContainersArgs, reply *ListContainersReply) error
}

// AgentService is the interface the Manager's agent-facing
// receiver satisfies.
type AgentService interface {
	DequeueReadyContainers(args *DequeueReadyContainersArgs, reply *DequeueReadyContainersReply) error
	GetAssistantStatus(args *GetAssistantStatusArgs, reply *GetAssistantStatusReply) error
	GetRunningContainers(args *GetRunningContainersArgs, reply *GetRunningContainersReply) error
	ReportContainerStatus(args *ReportContainerStatusArgs, reply *ReportContainerStatusReply) error
}

// Serve registers user and agent (which must each
// implement the net/rpc calling convention for
// UserService/AgentService) under fixed service names and
// then accepts connections from l until it returns an
// error (including l being closed).
//
// Each accepted connection is served with ServeConn
// directly on the accepting goroutine, never rpc.Accept's
// one-goroutine-per-connection concurrency: the Manager's
// state machine carries no locks, so at most one connection
// may be mid-call at any instant. Every Client call here
// opens one connection,
// performs exactly one RPC, and closes it, so a slow or
// wedged caller ties up the accept loop for at most one
// call, not indefinitely.
func Serve(l net.Listener, user UserService, agent AgentService) error {
	srv := rpc.NewServer()
	if err := srv.RegisterName(userService, user); err != nil {
		return fmt.Errorf("registering user service: %w", err)
	}
	if err := srv.RegisterName(agentService, agent); err != nil {
		return fmt.Errorf("registering agent service: %w", err)
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		srv.ServeConn(conn)
	}
}

// Client is a handle on a Manager's RPC address. Every
// call dials a fresh connection, performs exactly one RPC,
// and closes the connection; Client holds no persistent
// state and is safe for concurrent use.
type Client struct {
	Addr string

	// DialTimeout bounds each connection attempt.
	// Zero means no timeout.
	DialTimeout time.Duration
}

func (c *Client) call(serviceMethod string, args, reply interface{}) error {
	conn, err := net.DialTimeout("tcp", c.Addr, c.DialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	client := rpc.NewClient(conn)
	defer client.Close()
	err = client.Call(serviceMethod, args, reply)
	if err != nil {
		var srvErr rpc.ServerError
		if errors.As(err, &srvErr) {
			return &InvalidOperation{Reason: string(srvErr)}
		}
		return err
	}
	return nil
}

func (c *Client) CreateContainer(tag string) error {
	return c.call(userService+".CreateContainer", &CreateContainerArgs{Tag: tag}, &CreateContainerReply{})
}

func (c *Client) StartContainer(tag string, cmd Command) error {
	args := &StartContainerArgs{Tag: tag, Command: cmd}
	return c.call(userService+".StartContainer", args, &StartContainerReply{})
}

func (c *Client) StopContainer(tag string) error {
	return c.call(userService+".StopContainer", &StopContainerArgs{Tag: tag}, &StopContainerReply{})
}

func (c *Client) DeleteContainer(tag string) error {
	return c.call(userService+".DeleteContainer", &DeleteContainerArgs{Tag: tag}, &DeleteContainerReply{})
}

func (c *Client) ListContainers(tags ...string) ([]ContainerInfo, error) {
	reply := &ListContainersReply{}
	err := c.call(userService+".ListContainers", &ListContainersArgs{Tags: tags}, reply)
	if err != nil {
		return nil, err
	}
	return reply.Containers, nil
}

func (c *Client) DequeueReadyContainers() ([]string, error) {
	reply := &DequeueReadyContainersReply{}
	err := c.call(agentService+".DequeueReadyContainers", &DequeueReadyContainersArgs{}, reply)
	if err != nil {
		return nil, err
	}
	return reply.Tags, nil
}

// GetAssistantStatus returns nil, nil when the Manager
// does not expect an Assistant for tag (the rogue case).
func (c *Client) GetAssistantStatus(tag string) (*AssistantInfo, error) {
	reply := &GetAssistantStatusReply{}
	err := c.call(agentService+".GetAssistantStatus", &GetAssistantStatusArgs{Tag: tag}, reply)
	if err != nil {
		return nil, err
	}
	return reply.Info, nil
}

func (c *Client) GetRunningContainers() ([]string, error) {
	reply := &GetRunningContainersReply{}
	err := c.call(agentService+".GetRunningContainers", &GetRunningContainersArgs{}, reply)
	if err != nil {
		return nil, err
	}
	return reply.Tags, nil
}

func (c *Client) ReportContainerStatus(args *ReportContainerStatusArgs) (ManagerResponse, error) {
	reply := &ReportContainerStatusReply{}
	err := c.call(agentService+".ReportContainerStatus", args, reply)
	if err != nil {
		return 0, err
	}
	return reply.Directive, nil
}

// WaitReady blocks until addr accepts a TCP connection or
// ctx is done, retrying every 100ms. It is used by the
// Executor at startup, which is launched racing the
// Manager's listener coming up; the Executor bounds it via
// ctx to 5 seconds.
func WaitReady(ctx context.Context, addr string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to accept connections: %w", addr, ctx.Err())
		case <-ticker.C:
		}
	}
}
