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

// Command assistant is the per-container baby-sitter the Executor
// forks. It is never invoked by a human directly.
//
//	assistant PORT TAG PARENT_CGROUP
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/outrigger-systems/contain/agentrpc"
	"github.com/outrigger-systems/contain/assistant"
)

func main() {
	if len(os.Args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: assistant PORT TAG PARENT_CGROUP")
		os.Exit(1)
	}
	port, tag, parentCgroup := os.Args[1], os.Args[2], os.Args[3]

	logger := log.New(os.Stderr, fmt.Sprintf("assistant[%s] ", tag), log.LstdFlags)
	client := &agentrpc.Client{Addr: "127.0.0.1:" + port}

	a, err := assistant.New(client, tag, parentCgroup, assistant.WithLogger(logger))
	if err != nil {
		if err == assistant.ErrRogue {
			logger.Print("unmanaged container found, exiting")
		} else {
			logger.Printf("startup failed: %s", err)
		}
		os.Exit(1)
	}

	if err := a.StartContainer(); err != nil {
		logger.Printf("starting workload: %s", err)
		os.Exit(1)
	}

	if err := a.Monitor(context.Background()); err != nil {
		logger.Printf("monitor loop: %s", err)
		os.Exit(1)
	}
	logger.Print("exiting")
}
