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
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/outrigger-systems/contain/agentrpc"
	"github.com/outrigger-systems/contain/cgroup"
	"github.com/outrigger-systems/contain/manager"
)

// requireCgroupSelf skips the test when this process's own cgroup
// can't be discovered (e.g. cgroup v2 isn't mounted in the test
// sandbox), since New always performs that discovery first.
func requireCgroupSelf(t *testing.T) {
	t.Helper()
	if _, err := cgroup.Self(); err != nil {
		t.Skipf("couldn't discover own cgroup: %v", err)
	}
}

// startManager spins up a real Manager served over a loopback
// listener and returns a Client pointed at it plus a cleanup func.
func startManager(t *testing.T) (*manager.Manager, *agentrpc.Client, func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	m := manager.New()
	go agentrpc.Serve(l, m.User, m.Agent)
	return m, &agentrpc.Client{Addr: l.Addr().String()}, func() { l.Close() }
}

func TestNewRogueWithoutManagerRecord(t *testing.T) {
	requireCgroupSelf(t)
	_, client, cleanup := startManager(t)
	defer cleanup()

	_, err := New(client, "ghost", "/")
	if err != ErrRogue {
		t.Fatalf("expected ErrRogue, got %v", err)
	}
}

func TestNewSucceedsWhenManaged(t *testing.T) {
	requireCgroupSelf(t)
	m, client, cleanup := startManager(t)
	defer cleanup()

	if err := m.User.CreateContainer(&agentrpc.CreateContainerArgs{Tag: "web"}, &agentrpc.CreateContainerReply{}); err != nil {
		t.Fatal(err)
	}
	cmd := agentrpc.Command{Cmd: "/bin/true"}
	if err := m.User.StartContainer(&agentrpc.StartContainerArgs{Tag: "web", Command: cmd}, &agentrpc.StartContainerReply{}); err != nil {
		t.Fatal(err)
	}

	a, err := New(client, "web", "/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.info.Command != cmd {
		t.Errorf("command mismatch: got %+v, want %+v", a.info.Command, cmd)
	}
}

func TestZombieCheckNoChild(t *testing.T) {
	a := &Assistant{}
	if info := a.zombieCheck(); info != nil {
		t.Errorf("expected nil when there is no child to reap, got %+v", info)
	}
}

func TestReportAbortInvokesExit(t *testing.T) {
	_, client, cleanup := startManager(t)
	defer cleanup()

	cmd := exec.Command("/bin/sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Skipf("couldn't start /bin/sleep: %v", err)
	}
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	exited := make(chan int, 1)
	a := &Assistant{
		client:   client,
		tag:      "rogue-tag-not-registered",
		workload: cmd.Process,
		exit:     func(code int) { exited <- code },
	}
	// the manager has no record of "rogue-tag-not-registered", so
	// reportContainerStatus will return ABORT unconditionally.
	if err := a.report(nil); err != nil {
		t.Fatalf("report: %v", err)
	}
	select {
	case code := <-exited:
		if code != 1 {
			t.Errorf("expected exit code 1, got %d", code)
		}
	case <-time.After(time.Second):
		t.Fatal("expected ABORT directive to invoke exit")
	}
}

func TestMonitorStopsOnWorkloadExit(t *testing.T) {
	m, client, cleanup := startManager(t)
	defer cleanup()

	if err := m.User.CreateContainer(&agentrpc.CreateContainerArgs{Tag: "web"}, &agentrpc.CreateContainerReply{}); err != nil {
		t.Fatal(err)
	}
	cmd := agentrpc.Command{Cmd: "/bin/true"}
	if err := m.User.StartContainer(&agentrpc.StartContainerArgs{Tag: "web", Command: cmd}, &agentrpc.StartContainerReply{}); err != nil {
		t.Fatal(err)
	}

	workload := exec.Command("/bin/true")
	if err := workload.Start(); err != nil {
		t.Skipf("couldn't start /bin/true: %v", err)
	}

	a := &Assistant{
		client:   client,
		tag:      "web",
		workload: workload.Process,
		exit:     func(int) {},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Monitor(ctx); err != nil {
		t.Fatalf("Monitor: %v", err)
	}

	reply, err := client.ListContainers("web")
	if err != nil {
		t.Fatal(err)
	}
	if len(reply) != 1 || reply[0].State != agentrpc.StateDead {
		t.Fatalf("expected web to be DEAD after monitor loop exits, got %+v", reply)
	}
}

// TestMonitorRetriesDeadReportAfterTransientFailure exercises spec.md
// §4.3 step 5 and §7: a transient RPC failure on the final DEAD
// report must not let the Assistant exit while the Manager still
// thinks the container is RUNNING, because zombieCheck never sees the
// already-reaped workload again on a later tick.
func TestMonitorRetriesDeadReportAfterTransientFailure(t *testing.T) {
	m := manager.New()
	if err := m.User.CreateContainer(&agentrpc.CreateContainerArgs{Tag: "web"}, &agentrpc.CreateContainerReply{}); err != nil {
		t.Fatal(err)
	}
	cmd := agentrpc.Command{Cmd: "/bin/true"}
	if err := m.User.StartContainer(&agentrpc.StartContainerArgs{Tag: "web", Command: cmd}, &agentrpc.StartContainerReply{}); err != nil {
		t.Fatal(err)
	}

	// reserve an address and immediately release it, so that dialing
	// it now gets "connection refused" (standing in for a transiently
	// unreachable Manager) while leaving the address free to actually
	// start listening on later. Addr is set once before either
	// goroutine below touches the Manager, so there is no data race:
	// only whether something is listening at that fixed address
	// changes over time.
	reserve, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := reserve.Addr().String()
	reserve.Close()

	client := &agentrpc.Client{Addr: addr}

	workload := exec.Command("/bin/true")
	if err := workload.Start(); err != nil {
		t.Skipf("couldn't start /bin/true: %v", err)
	}
	// give the workload time to exit before Monitor starts; it stays an
	// unreaped zombie until zombieCheck collects it on the first tick
	time.Sleep(100 * time.Millisecond)

	a := &Assistant{
		client:   client,
		tag:      "web",
		workload: workload.Process,
		exit:     func(int) {},
	}

	// bring the Manager's listener up only after the first tick's
	// report has had a chance to fail, so the retried report
	// eventually succeeds.
	go func() {
		time.Sleep(1200 * time.Millisecond)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		defer l.Close()
		agentrpc.Serve(l, m.User, m.Agent)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Monitor(ctx); err != nil {
		t.Fatalf("Monitor: %v", err)
	}

	reply, err := client.ListContainers("web")
	if err != nil {
		t.Fatal(err)
	}
	if len(reply) != 1 || reply[0].State != agentrpc.StateDead {
		t.Fatalf("expected web to eventually be DEAD once the report succeeds, got %+v", reply)
	}
}
