package proxy

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestReadRuntimeStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime_state.json")
	w := newStateWriter(path, "stdio", "info", 200)
	w.touchClient("editor", true)

	if err := w.publish(w.snapshot("ready", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	state, err := ReadRuntimeState(path)
	if err != nil {
		t.Fatalf("ReadRuntimeState: %v", err)
	}
	if state.Proxy.PID != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), state.Proxy.PID)
	}
	if state.Proxy.State != "ready" {
		t.Fatalf("expected state ready, got %q", state.Proxy.State)
	}
	ci, ok := state.Clients["editor"]
	if !ok {
		t.Fatal("expected the touched client to survive the round trip")
	}
	if ci.ToolCalls != 1 {
		t.Fatalf("expected 1 tool call, got %d", ci.ToolCalls)
	}
}

func TestIsAliveWithFreshHeartbeat(t *testing.T) {
	state := RuntimeState{Proxy: ProxyState{PID: os.Getpid(), Heartbeat: time.Now()}}
	if !state.IsAlive(30 * time.Second) {
		t.Fatal("a running pid with a fresh heartbeat must be alive")
	}
}

func TestIsAliveRejectsStaleHeartbeat(t *testing.T) {
	state := RuntimeState{Proxy: ProxyState{PID: os.Getpid(), Heartbeat: time.Now().Add(-time.Minute)}}
	if state.IsAlive(30 * time.Second) {
		t.Fatal("a heartbeat older than the staleness window must read as dead")
	}
}

func TestIsAliveRejectsDeadPid(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run helper process: %v", err)
	}
	state := RuntimeState{Proxy: ProxyState{PID: cmd.Process.Pid, Heartbeat: time.Now()}}
	if state.IsAlive(30 * time.Second) {
		t.Fatal("an exited pid must read as dead even with a fresh heartbeat")
	}
}

func TestIsAliveRejectsZeroPid(t *testing.T) {
	state := RuntimeState{Proxy: ProxyState{Heartbeat: time.Now()}}
	if state.IsAlive(30 * time.Second) {
		t.Fatal("a snapshot with no pid must read as dead")
	}
}
