package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// RaceOutcome resolves the engine race: child exit, mid-flight packet update,
// watchdog expiry, or caller cancellation.
type RaceOutcome string

const (
	EngineCompleted  RaceOutcome = "completed"
	EngineSuperseded RaceOutcome = "superseded"
	EngineTimedOut   RaceOutcome = "timed_out"
	EngineCancelled  RaceOutcome = "cancelled"
)

const (
	supersedePollInterval = 500 * time.Millisecond
	defaultEngineTimeout  = 20 * time.Minute
	defaultKillGrace      = 5 * time.Second
	killWaitCeiling       = 2 * time.Second
)

// EngineInvocation describes one engine attempt.
type EngineInvocation struct {
	Agent      string
	TaskID     string
	Workdir    string
	Prompt     string
	SessionID  string
	StageDir   string // logs + artifact + ephemeral credential home live here
	PacketPath string // watched for the mid-flight update signal
	// UpdateBaseline is the packet mtime captured just before spawn; an
	// advance past it supersedes the attempt.
	UpdateBaseline time.Time
	Timeout        time.Duration
	KillGrace      time.Duration
}

// EngineRun is the raw outcome of one attempt.
type EngineRun struct {
	Outcome      RaceOutcome
	ExitCode     int
	Stdout       string
	Stderr       string
	ArtifactPath string
	Duration     time.Duration
	RunErr       error
}

// Combined returns stderr followed by stdout for failure classification.
func (r *EngineRun) Combined() string {
	return r.Stderr + "\n" + r.Stdout
}

func engineTimeout() time.Duration {
	return envDuration("AGENTBUS_ENGINE_TIMEOUT", defaultEngineTimeout)
}

func engineKillGrace() time.Duration {
	return envDuration("AGENTBUS_ENGINE_KILL_GRACE", defaultKillGrace)
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// engineCommand builds the engine CLI argv. The default drives the codex CLI
// in non-interactive exec mode with a structured-output schema and artifact.
func engineCommand(inv *EngineInvocation, schemaPath, artifactPath string) (string, []string) {
	exe := envOr("AGENTBUS_ENGINE_PATH", "codex")
	args := []string{"exec", "--json", "--sandbox", "workspace-write"}
	if inv.Workdir != "" {
		args = append(args, "-C", inv.Workdir)
	}
	if inv.SessionID != "" {
		args = append(args, "--session-id", inv.SessionID)
	}
	args = append(args, "--output-schema", schemaPath, "-o", artifactPath)
	return exe, args
}

// RunEngine spawns the engine subprocess and resolves the three-way race:
// completed, superseded (packet mtime advanced), or timed out. Non-completion
// resolutions terminate the child with SIGTERM, wait out the grace period,
// then SIGKILL the whole process group. The ephemeral credential home is
// removed on every exit path.
func RunEngine(ctx context.Context, inv *EngineInvocation) (*EngineRun, error) {
	if err := os.MkdirAll(inv.StageDir, 0o755); err != nil {
		return nil, err
	}
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = engineTimeout()
	}
	killGrace := inv.KillGrace
	if killGrace <= 0 {
		killGrace = engineKillGrace()
	}

	schemaPath := filepath.Join(inv.StageDir, "output_schema.json")
	if err := os.WriteFile(schemaPath, []byte(engineResultSchema), 0o644); err != nil {
		return nil, err
	}
	artifactPath := filepath.Join(inv.StageDir, "result.json")
	_ = os.Remove(artifactPath)

	env, credentialHome, err := buildIsolatedEngineEnv(inv.StageDir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(credentialHome) }()

	stdoutPath := filepath.Join(inv.StageDir, "stdout.log")
	stderrPath := filepath.Join(inv.StageDir, "stderr.log")
	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = stderrFile.Close() }()

	exe, args := engineCommand(inv, schemaPath, artifactPath)
	cmd := exec.Command(exe, args...)
	cmd.Dir = inv.Workdir
	cmd.Env = env
	cmd.Stdin = strings.NewReader(inv.Prompt)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	watchdog := time.NewTimer(timeout)
	defer watchdog.Stop()
	supersedeTick := time.NewTicker(supersedePollInterval)
	defer supersedeTick.Stop()

	finish := func(outcome RaceOutcome, runErr error) (*EngineRun, error) {
		run := &EngineRun{
			Outcome:      outcome,
			ExitCode:     -1,
			ArtifactPath: artifactPath,
			Duration:     time.Since(start),
			RunErr:       runErr,
		}
		if cmd.ProcessState != nil {
			run.ExitCode = cmd.ProcessState.ExitCode()
		}
		if b, err := os.ReadFile(stdoutPath); err == nil {
			run.Stdout = string(b)
		}
		if b, err := os.ReadFile(stderrPath); err == nil {
			run.Stderr = string(b)
		}
		return run, nil
	}

	for {
		select {
		case waitErr := <-waitCh:
			return finish(EngineCompleted, waitErr)
		case <-supersedeTick.C:
			if !packetSuperseded(inv.PacketPath, inv.UpdateBaseline) {
				continue
			}
			err := terminateEngine(cmd, waitCh, killGrace)
			run, _ := finish(EngineSuperseded, fmt.Errorf("packet updated mid-flight"))
			return run, err
		case <-watchdog.C:
			err := terminateEngine(cmd, waitCh, killGrace)
			run, _ := finish(EngineTimedOut, fmt.Errorf("engine watchdog timeout after %s", timeout))
			return run, err
		case <-ctx.Done():
			// Worker shutdown, not a watchdog expiry: the caller must leave
			// the packet in_progress so the next worker resumes it.
			err := terminateEngine(cmd, waitCh, killGrace)
			if err == nil {
				err = ctx.Err()
			}
			run, _ := finish(EngineCancelled, ctx.Err())
			return run, err
		}
	}
}

// packetSuperseded reports whether the packet file's mtime advanced past the
// baseline. A vanished packet is not a supersede; the attempt loop detects
// cancellation separately by inbox membership.
func packetSuperseded(packetPath string, baseline time.Time) bool {
	if packetPath == "" || baseline.IsZero() {
		return false
	}
	info, err := os.Stat(packetPath)
	if err != nil {
		return false
	}
	return info.ModTime().After(baseline)
}

// terminateEngine escalates SIGTERM -> grace -> SIGKILL on the process group
// and guarantees the child is reaped.
func terminateEngine(cmd *exec.Cmd, waitCh <-chan error, killGrace time.Duration) error {
	if err := signalProcessGroup(cmd, syscall.SIGTERM); err != nil {
		return err
	}
	if killGrace > 0 {
		select {
		case <-waitCh:
			return nil
		case <-time.After(killGrace):
		}
	}
	if err := signalProcessGroup(cmd, syscall.SIGKILL); err != nil {
		return err
	}
	select {
	case <-waitCh:
		return nil
	case <-time.After(killWaitCeiling):
		return fmt.Errorf("engine did not exit after SIGKILL")
	}
}

func signalProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// buildIsolatedEngineEnv gives the engine subprocess its own ephemeral HOME
// seeded with the host's engine credentials, so concurrent attempts never
// contend on one state database and teardown cannot touch real credentials.
func buildIsolatedEngineEnv(stageDir string) ([]string, string, error) {
	absStage, err := filepath.Abs(stageDir)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256([]byte(absStage))
	home := filepath.Join(os.TempDir(), "agentbus-engine-home-"+hex.EncodeToString(sum[:8]))
	stateRoot := filepath.Join(home, ".codex")
	for _, dir := range []string{home, stateRoot} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, "", err
		}
	}
	if srcHome := strings.TrimSpace(os.Getenv("HOME")); srcHome != "" {
		for _, name := range []string{"auth.json", "config.toml"} {
			src := filepath.Join(srcHome, ".codex", name)
			b, err := os.ReadFile(src)
			if err != nil {
				continue
			}
			if err := os.WriteFile(filepath.Join(stateRoot, name), b, 0o600); err != nil {
				return nil, "", err
			}
		}
	}
	env := mergeEnvWithOverrides(os.Environ(), map[string]string{
		"HOME":       home,
		"CODEX_HOME": stateRoot,
	})
	return env, home, nil
}

func mergeEnvWithOverrides(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	used := map[string]bool{}
	for _, entry := range base {
		key := entry
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			key = entry[:idx]
		}
		if v, ok := overrides[key]; ok {
			out = append(out, key+"="+v)
			used[key] = true
			continue
		}
		out = append(out, entry)
	}
	for k, v := range overrides {
		if !used[k] {
			out = append(out, k+"="+v)
		}
	}
	return out
}
