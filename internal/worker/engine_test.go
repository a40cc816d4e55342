package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func fakeEngine(t *testing.T, script string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-engine.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake engine: %v", err)
	}
	t.Setenv("AGENTBUS_ENGINE_PATH", path)
}

func seedPacket(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t-1.md")
	if err := os.WriteFile(path, []byte("---\n{}\n---\nbody\n"), 0o644); err != nil {
		t.Fatalf("seed packet: %v", err)
	}
	return path
}

func TestPacketSuperseded(t *testing.T) {
	path := seedPacket(t)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	baseline := info.ModTime()

	if packetSuperseded(path, baseline) {
		t.Fatalf("unchanged packet should not supersede")
	}
	later := baseline.Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if !packetSuperseded(path, baseline) {
		t.Fatalf("advanced mtime should supersede")
	}
	if packetSuperseded("", baseline) || packetSuperseded(path, time.Time{}) {
		t.Fatalf("missing path or baseline must be inert")
	}
	if packetSuperseded(filepath.Join(t.TempDir(), "gone.md"), baseline) {
		t.Fatalf("a vanished packet is a cancellation, not a supersede")
	}
}

func TestEngineCommand_ArgvShape(t *testing.T) {
	t.Setenv("AGENTBUS_ENGINE_PATH", "")
	inv := &EngineInvocation{Workdir: "/work", SessionID: "sess-1"}
	exe, args := engineCommand(inv, "/stage/schema.json", "/stage/result.json")
	if exe != "codex" {
		t.Fatalf("exe: %q", exe)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"exec --json --sandbox workspace-write",
		"-C /work",
		"--session-id sess-1",
		"--output-schema /stage/schema.json",
		"-o /stage/result.json",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("argv missing %q: %q", want, joined)
		}
	}

	exe, args = engineCommand(&EngineInvocation{}, "s", "a")
	joined = strings.Join(args, " ")
	if strings.Contains(joined, "--session-id") || strings.Contains(joined, "-C ") {
		t.Fatalf("optional args leaked: %q", joined)
	}
	_ = exe
}

func TestMergeEnvWithOverrides(t *testing.T) {
	base := []string{"HOME=/old", "PATH=/bin", "KEEP=yes"}
	out := mergeEnvWithOverrides(base, map[string]string{"HOME": "/new", "EXTRA": "1"})
	joined := strings.Join(out, "\n")
	if strings.Contains(joined, "HOME=/old") || !strings.Contains(joined, "HOME=/new") {
		t.Fatalf("override not applied: %q", joined)
	}
	if !strings.Contains(joined, "KEEP=yes") || !strings.Contains(joined, "EXTRA=1") {
		t.Fatalf("entries lost: %q", joined)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("AGENTBUS_ENGINE_TIMEOUT", "")
	if got := engineTimeout(); got != defaultEngineTimeout {
		t.Fatalf("default: %v", got)
	}
	t.Setenv("AGENTBUS_ENGINE_TIMEOUT", "90s")
	if got := engineTimeout(); got != 90*time.Second {
		t.Fatalf("override: %v", got)
	}
	t.Setenv("AGENTBUS_ENGINE_TIMEOUT", "-5s")
	if got := engineTimeout(); got != defaultEngineTimeout {
		t.Fatalf("invalid override should fall back: %v", got)
	}
}

func TestRunEngine_Completed(t *testing.T) {
	fakeEngine(t, "cat > /dev/null\necho finished\nexit 0\n")
	run, err := RunEngine(context.Background(), &EngineInvocation{
		Agent:    "backend",
		TaskID:   "t-1",
		Prompt:   "do it",
		StageDir: filepath.Join(t.TempDir(), "stage"),
		Timeout:  10 * time.Second,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Outcome != EngineCompleted || run.RunErr != nil {
		t.Fatalf("outcome=%q runErr=%v", run.Outcome, run.RunErr)
	}
	if run.ExitCode != 0 || !strings.Contains(run.Stdout, "finished") {
		t.Fatalf("exit=%d stdout=%q", run.ExitCode, run.Stdout)
	}
}

func TestRunEngine_CompletedWithFailureExit(t *testing.T) {
	fakeEngine(t, "cat > /dev/null\necho 'rate limit exceeded' >&2\nexit 3\n")
	run, err := RunEngine(context.Background(), &EngineInvocation{
		Agent:    "backend",
		TaskID:   "t-1",
		StageDir: filepath.Join(t.TempDir(), "stage"),
		Timeout:  10 * time.Second,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Outcome != EngineCompleted || run.RunErr == nil {
		t.Fatalf("outcome=%q runErr=%v", run.Outcome, run.RunErr)
	}
	if run.ExitCode != 3 {
		t.Fatalf("exit code: %d", run.ExitCode)
	}
	if !strings.Contains(run.Combined(), "rate limit exceeded") {
		t.Fatalf("combined output: %q", run.Combined())
	}
}

func TestRunEngine_SupersededByPacketUpdate(t *testing.T) {
	fakeEngine(t, "cat > /dev/null\nsleep 30\n")
	packet := seedPacket(t)
	info, err := os.Stat(packet)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		later := time.Now().Add(5 * time.Second)
		_ = os.Chtimes(packet, later, later)
	}()

	start := time.Now()
	run, _ := RunEngine(context.Background(), &EngineInvocation{
		Agent:          "backend",
		TaskID:         "t-1",
		StageDir:       filepath.Join(t.TempDir(), "stage"),
		PacketPath:     packet,
		UpdateBaseline: info.ModTime(),
		Timeout:        30 * time.Second,
		KillGrace:      200 * time.Millisecond,
	})
	if run == nil || run.Outcome != EngineSuperseded {
		t.Fatalf("run: %+v", run)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("supersede took too long: %v", time.Since(start))
	}
}

func TestRunEngine_CancelledContextIsNotATimeout(t *testing.T) {
	fakeEngine(t, "cat > /dev/null\nsleep 30\n")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	run, err := RunEngine(ctx, &EngineInvocation{
		Agent:     "backend",
		TaskID:    "t-1",
		StageDir:  filepath.Join(t.TempDir(), "stage"),
		Timeout:   30 * time.Second,
		KillGrace: 200 * time.Millisecond,
	})
	if run == nil || run.Outcome != EngineCancelled {
		t.Fatalf("run: %+v", run)
	}
	if err == nil {
		t.Fatalf("cancellation should surface the context error")
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("cancel took too long: %v", time.Since(start))
	}
}

func TestRunEngine_WatchdogTimeout(t *testing.T) {
	fakeEngine(t, "cat > /dev/null\nsleep 30\n")
	run, _ := RunEngine(context.Background(), &EngineInvocation{
		Agent:     "backend",
		TaskID:    "t-1",
		StageDir:  filepath.Join(t.TempDir(), "stage"),
		Timeout:   300 * time.Millisecond,
		KillGrace: 200 * time.Millisecond,
	})
	if run == nil || run.Outcome != EngineTimedOut {
		t.Fatalf("run: %+v", run)
	}
}
