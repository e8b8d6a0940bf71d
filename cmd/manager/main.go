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

// Command manager is the launcher: it starts the Manager's RPC
// server and, unless told not to, a sibling Executor process.
//
//	manager --port P --parent-cgroup PATH --assistent-manager-bin PATH [--no-executor]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/outrigger-systems/contain/agentrpc"
	"github.com/outrigger-systems/contain/config"
	"github.com/outrigger-systems/contain/executor"
	"github.com/outrigger-systems/contain/manager"
	"github.com/outrigger-systems/contain/nsenter"
)

// runExecutorFlag re-invokes this same binary as the Executor. Go
// cannot safely fork(2) a running multithreaded process the way the
// original fork()s the launcher directly into Executor.driveState();
// re-exec'ing argv[0] with this internal flag is the idiomatic
// stand-in (see DESIGN.md).
const runExecutorFlag = "run-executor-child"

func main() {
	var (
		port         int
		parentCgroup string
		assistantBin string
		noExecutor   bool
		unshareBin   string
		configPath   string
		runExecutor  bool
	)

	fs := flag.NewFlagSet("manager", flag.ExitOnError)
	fs.IntVar(&port, "port", 9090, "port number to use for the RPC server")
	fs.StringVar(&parentCgroup, "parent-cgroup", "/sys/fs/cgroup/containers.slice", "cgroup to start containers under")
	fs.StringVar(&assistantBin, "assistent-manager-bin", "", "path to the assistant binary")
	fs.BoolVar(&noExecutor, "no-executor", false, "do not spawn an executor process to help drive the state machine")
	fs.StringVar(&unshareBin, "unshare-bin", "", "path to unshare(1) (default "+nsenter.DefaultBin+")")
	fs.StringVar(&configPath, "config", "", "optional YAML config file; flags override it")
	fs.BoolVar(&runExecutor, runExecutorFlag, false, "internal: run as the executor child")
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("manager: loading config: %s", err)
	}
	applyConfigDefaults(fs, cfg)

	if runExecutor {
		runExecutorChild(port, parentCgroup, assistantBin, unshareBin)
		return
	}
	runLauncher(port, parentCgroup, assistantBin, unshareBin, noExecutor, configPath)
}

// applyConfigDefaults fills in any flag that was left at its default
// value with the corresponding config file setting, without
// overriding a value the user explicitly passed on the command line.
func applyConfigDefaults(fs *flag.FlagSet, cfg config.Config) {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["port"] && cfg.Port != 0 {
		fs.Set("port", fmt.Sprint(cfg.Port))
	}
	if !set["parent-cgroup"] && cfg.ParentCgroup != "" {
		fs.Set("parent-cgroup", cfg.ParentCgroup)
	}
	if !set["assistent-manager-bin"] && cfg.AssistantManagerBin != "" {
		fs.Set("assistent-manager-bin", cfg.AssistantManagerBin)
	}
	if !set["no-executor"] && cfg.NoExecutor {
		fs.Set("no-executor", "true")
	}
	if !set["unshare-bin"] && cfg.UnshareBin != "" {
		fs.Set("unshare-bin", cfg.UnshareBin)
	}
}

func runLauncher(port int, parentCgroup, assistantBin, unshareBin string, noExecutor bool, configPath string) {
	logger := log.New(os.Stderr, "manager: ", log.LstdFlags)

	if assistantBin == "" && !noExecutor {
		logger.Fatal("--assistent-manager-bin is required unless --no-executor is set")
	}

	var executorCmd *exec.Cmd
	if !noExecutor {
		args := []string{
			fmt.Sprintf("--port=%d", port),
			fmt.Sprintf("--parent-cgroup=%s", parentCgroup),
			fmt.Sprintf("--assistent-manager-bin=%s", assistantBin),
			fmt.Sprintf("--unshare-bin=%s", unshareBin),
			fmt.Sprintf("--config=%s", configPath),
			"--" + runExecutorFlag,
		}
		executorCmd = exec.Command(os.Args[0], args...)
		executorCmd.Stdout = os.Stdout
		executorCmd.Stderr = os.Stderr
		if err := executorCmd.Start(); err != nil {
			logger.Fatalf("spawning executor: %s", err)
		}
		logger.Printf("spawned executor, pid %d", executorCmd.Process.Pid)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Printf("received signal %s, exiting", s)
		if executorCmd != nil {
			executorCmd.Process.Kill()
			executorCmd.Wait()
		}
		os.Exit(0)
	}()

	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		logger.Fatalf("listening on port %d: %s", port, err)
	}
	m := manager.New(manager.WithLogger(logger))
	logger.Printf("container manager starting on port %d", port)
	if err := agentrpc.Serve(l, m.User, m.Agent); err != nil {
		logger.Fatalf("serving: %s", err)
	}
}

func runExecutorChild(port int, parentCgroup, assistantBin, unshareBin string) {
	logger := log.New(os.Stderr, "executor: ", log.LstdFlags)
	client := &agentrpc.Client{Addr: fmt.Sprintf("127.0.0.1:%d", port)}

	var opts []executor.Option
	opts = append(opts, executor.WithLogger(logger))
	if unshareBin != "" {
		opts = append(opts, executor.WithUnshareBin(unshareBin))
	}
	e, err := executor.New(client, parentCgroup, assistantBin, opts...)
	if err != nil {
		logger.Fatalf("starting executor: %s", err)
	}
	if err := e.Run(context.Background()); err != nil {
		logger.Fatalf("executor: %s", err)
	}
}
