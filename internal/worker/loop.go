package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/strongdm/agentbus/internal/bus"
	"github.com/strongdm/agentbus/internal/worker/quality"
)

const defaultMaxAttempts = 4

// Config drives one worker process for one agent.
type Config struct {
	Agent  string
	Store  *bus.Store
	Roster *bus.Roster
	// Workdir is the agent's checkout; empty falls back to the roster entry.
	Workdir string
	Policy  bus.SuspiciousPolicy
	// MaxAttempts bounds the inner attempt loop per task.
	MaxAttempts int
	Backoff     BackoffConfig
	// StrictGitPreflight requires baseSha+workBranch on EXECUTE tasks.
	StrictGitPreflight bool
	// QualityGateKinds are task kinds whose completion runs the quality gate.
	QualityGateKinds map[string]bool
	// AutoRemediate allows this many corrective retries on a failed quality
	// gate instead of closing needs_review immediately.
	AutoRemediate int
	// Once processes the current inbox and returns instead of polling.
	Once         bool
	PollInterval time.Duration

	// Test seams. Nil means the real implementations.
	RunEngine      func(ctx context.Context, inv *EngineInvocation) (*EngineRun, error)
	RunQualityGate func(cfg quality.Config) (*quality.Report, error)
	Sleep          func(ctx context.Context, d time.Duration) error
}

func (c *Config) withDefaults() (Config, error) {
	out := *c
	if out.Agent == "" || out.Store == nil || out.Roster == nil {
		return out, fmt.Errorf("agent, store, and roster are required")
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = defaultMaxAttempts
	}
	if out.Backoff == (BackoffConfig{}) {
		out.Backoff = DefaultBackoffConfig()
	}
	if out.QualityGateKinds == nil {
		out.QualityGateKinds = map[string]bool{bus.KindExecute: true}
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.Workdir == "" {
		if entry, ok := out.Roster.Agent(out.Agent); ok {
			out.Workdir = bus.ExpandWorkdir(entry.Workdir, bus.WorkdirVars{
				RepoRoot:     strings.TrimSpace(os.Getenv("AGENTBUS_REPO_ROOT")),
				WorktreesDir: strings.TrimSpace(os.Getenv("AGENTBUS_WORKTREES_DIR")),
				Home:         strings.TrimSpace(os.Getenv("HOME")),
			})
		}
	}
	if out.RunEngine == nil {
		out.RunEngine = RunEngine
	}
	if out.RunQualityGate == nil {
		out.RunQualityGate = quality.Run
	}
	if out.Sleep == nil {
		out.Sleep = func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		}
	}
	return out, nil
}

// Worker is the supervisory loop for one agent.
type Worker struct {
	cfg    Config
	sem    *Semaphore
	events *EventLog

	lastStatusNotice time.Time
}

// New validates the config and builds a worker. The per-agent lock is taken
// in Run so construction stays side-effect free.
func New(cfg Config) (*Worker, error) {
	full, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg:    full,
		sem:    NewSemaphore(full.Store, EngineSlots()),
		events: NewEventLog(full.Store, full.Agent),
	}, nil
}

// Run acquires the agent lock and executes inbox passes until the context is
// cancelled (or one pass, under Once). A duplicate worker returns
// ErrDuplicateWorker without mutating state.
func (w *Worker) Run(ctx context.Context) error {
	lock, err := AcquireAgentLock(w.cfg.Store, w.cfg.Agent)
	if err != nil {
		if errors.Is(err, ErrDuplicateWorker) {
			w.events.Warnf("duplicate worker for agent %s; exiting", w.cfg.Agent)
		}
		return err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			w.events.Warnf("release lock: %v", rerr)
		}
	}()
	w.events.Append("worker_started", map[string]any{"agent": w.cfg.Agent, "pid": os.Getpid()})

	for {
		if err := w.runPass(ctx); err != nil {
			return err
		}
		if w.cfg.Once {
			return nil
		}
		if err := w.cfg.Sleep(ctx, w.cfg.PollInterval); err != nil {
			return nil
		}
	}
}

// runPass enumerates the inbox with in_progress first so interrupted work
// resumes before new work begins.
func (w *Worker) runPass(ctx context.Context) error {
	type queued struct {
		id     string
		resume bool
	}
	var queue []queued
	seen := map[string]bool{}
	for _, state := range []string{bus.StateInProgress, bus.StateNew, bus.StateSeen} {
		ids, err := w.cfg.Store.ListInboxTaskIDs(w.cfg.Agent, state)
		if err != nil {
			return fmt.Errorf("enumerate %s: %w", state, err)
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			queue = append(queue, queued{id: id, resume: state == bus.StateInProgress})
		}
	}
	for _, item := range queue {
		if ctx.Err() != nil {
			return nil
		}
		w.processTask(ctx, item.id, item.resume)
	}
	return nil
}

// processTask runs the claim + attempt loop + closure for one task. Per-task
// errors never crash the loop; they land in the receipt.
func (w *Worker) processTask(ctx context.Context, id string, resume bool) {
	var task *bus.OpenedTask
	var err error
	if resume {
		task, err = w.cfg.Store.OpenTask(w.cfg.Agent, id, false)
	} else {
		task, err = w.cfg.Store.ClaimTask(w.cfg.Agent, id)
	}
	if err != nil {
		var badState *bus.ErrBadState
		if errors.As(err, &badState) {
			// Another process got there first.
			return
		}
		w.events.Append("task_open_failed", map[string]any{"id": id, "error": err.Error()})
		return
	}
	w.events.Append("task_claimed", map[string]any{"id": id, "kind": task.Header.Kind(), "resumed": resume})
	w.attemptLoop(ctx, task)
}

type attemptState struct {
	task          *bus.OpenedTask
	retryReason   string
	reviewRetried bool
	remediations  int
	superseded    int
}

func (w *Worker) attemptLoop(ctx context.Context, task *bus.OpenedTask) {
	state := &attemptState{task: task}
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		done := w.attempt(ctx, state, attempt)
		if done || ctx.Err() != nil {
			return
		}
	}
	w.close(bus.CloseRequest{
		Agent:   w.cfg.Agent,
		ID:      state.task.Header.ID,
		Outcome: bus.OutcomeFailed,
		Note:    fmt.Sprintf("exhausted %d attempts; last: %s", w.cfg.MaxAttempts, state.retryReason),
	})
}

// attempt runs one pass of the inner loop. Returns true when the task reached
// a terminal disposition (closed or cancelled).
func (w *Worker) attempt(ctx context.Context, state *attemptState, attempt int) bool {
	agent := w.cfg.Agent
	id := state.task.Header.ID

	// Cancellation check: the packet must still be in a non-terminal state.
	curState, _, err := w.cfg.Store.FindTaskPath(agent, id)
	if err != nil {
		var notFound *bus.ErrTaskNotFound
		if errors.As(err, &notFound) {
			if _, _, cerr := w.cfg.Store.CloseVanished(agent, state.task.Header, "packet removed from inbox; treating as external cancellation"); cerr != nil {
				w.events.Warnf("vanished close for %s: %v", id, cerr)
			}
			w.events.Append("task_cancelled", map[string]any{"id": id})
			return true
		}
		w.events.Warnf("find task %s: %v", id, err)
		return true
	}
	if curState == bus.StateProcessed {
		return true
	}

	// Global cooldown barrier.
	if err := WaitCooldown(ctx, w.cfg.Store, backoffSeed(agent, id, attempt), func(c *Cooldown, d time.Duration) {
		w.events.Append("cooldown_wait", map[string]any{"id": id, "retryAtMs": c.RetryAtMs, "waitMs": d.Milliseconds()})
		w.maybeSendStatus(fmt.Sprintf("waiting %s for global rate-limit cooldown (%s)", d.Round(time.Second), c.Reason))
	}); err != nil {
		return true
	}

	slot, err := w.sem.Acquire(ctx, fmt.Sprintf("%s/%s", agent, id))
	if err != nil {
		return true
	}
	defer slot.Release()

	// Re-read the packet: an update may have landed while we waited.
	task, err := w.cfg.Store.OpenTask(agent, id, false)
	if err != nil {
		return true
	}
	state.task = task

	// Git preflight from references.git.
	strict := w.cfg.StrictGitPreflight && task.Header.Kind() == bus.KindExecute
	gitSnapshot, err := GitPreflight(w.cfg.Workdir, task.Header.Git(), strict)
	if err != nil {
		var blocked *GitPreflightError
		if errors.As(err, &blocked) {
			w.close(bus.CloseRequest{
				Agent: agent, ID: id,
				Outcome:      bus.OutcomeBlocked,
				Note:         blocked.Reason,
				ReceiptExtra: map[string]any{"git": blocked.Snapshot, "blockedBy": "git_preflight"},
			})
			return true
		}
		w.events.Warnf("git preflight %s: %v", id, err)
		return true
	}

	prompt := w.buildPrompt(task, state.retryReason)
	baseline := time.Now()
	if info, serr := os.Stat(task.Path); serr == nil {
		baseline = info.ModTime()
	}
	stageDir := filepath.Join(w.cfg.Store.ArtifactsDir(agent), id+".stage")
	// Session continuity: task, then workflow root, then the agent's
	// standing session.
	sessionID := w.cfg.Store.TaskSessionID(agent, id)
	if sessionID == "" {
		sessionID = w.cfg.Store.RootSessionID(agent, task.Header.RootID())
	}
	if sessionID == "" {
		sessionID = w.cfg.Store.ReadAgentSessionID(agent)
	}

	run, err := w.cfg.RunEngine(ctx, &EngineInvocation{
		Agent:          agent,
		TaskID:         id,
		Workdir:        w.cfg.Workdir,
		Prompt:         prompt,
		SessionID:      sessionID,
		StageDir:       stageDir,
		PacketPath:     task.Path,
		UpdateBaseline: baseline,
	})
	if run == nil {
		w.events.Warnf("engine spawn %s: %v", id, err)
		state.retryReason = err.Error()
		return false
	}
	if err != nil {
		w.events.Warnf("engine teardown %s: %v", id, err)
	}

	switch run.Outcome {
	case EngineCancelled:
		// Shutdown mid-attempt: leave the packet in_progress so the next
		// worker resumes it. No receipt, no notice.
		w.events.Append("attempt_cancelled", map[string]any{"id": id, "attempt": attempt})
		return true
	case EngineSuperseded:
		state.superseded++
		state.retryReason = ""
		w.events.Append("task_superseded", map[string]any{"id": id, "count": state.superseded})
		return false
	case EngineTimedOut:
		w.close(bus.CloseRequest{
			Agent: agent, ID: id,
			Outcome: bus.OutcomeBlocked,
			Note:    fmt.Sprintf("engine watchdog timeout after %s", run.Duration.Round(time.Second)),
			ReceiptExtra: map[string]any{
				"git":       gitSnapshot,
				"engine":    map[string]any{"failureClass": "timeout", "attempt": attempt, "durationMs": run.Duration.Milliseconds()},
				"blockedBy": "engine_timeout",
			},
		})
		return true
	}

	if run.RunErr != nil {
		return w.handleEngineFailure(ctx, state, attempt, run, slot)
	}

	result, err := ParseEngineResult(run.ArtifactPath)
	if err != nil {
		var schemaErr *OutputSchemaError
		if errors.As(err, &schemaErr) {
			reviewGated := ReviewRequired(agent, w.cfg.Roster.AutopilotName, task.Header)
			if reviewGated && !state.reviewRetried {
				state.reviewRetried = true
				state.retryReason = schemaErr.Reason
				w.events.Append("output_schema_retry", map[string]any{"id": id, "reason": schemaErr.Reason})
				return false
			}
			w.close(bus.CloseRequest{
				Agent: agent, ID: id,
				Outcome:      bus.OutcomeFailed,
				Note:         schemaErr.Error(),
				ReceiptExtra: map[string]any{"git": gitSnapshot, "failedBy": "output_schema"},
			})
			return true
		}
		w.events.Warnf("parse result %s: %v", id, err)
		state.retryReason = err.Error()
		return false
	}

	if result.SessionID != "" {
		_ = w.cfg.Store.SaveTaskSessionID(agent, id, result.SessionID)
		_ = w.cfg.Store.SaveRootSessionID(agent, task.Header.RootID(), result.SessionID)
		_ = w.cfg.Store.WriteAgentSessionID(agent, result.SessionID)
	}

	extras := map[string]any{}
	if gitSnapshot != nil {
		extras["git"] = gitSnapshot
	}
	if state.superseded > 0 {
		extras["supersededCount"] = state.superseded
	}

	// Review gate: one corrective retry, then failed.
	if ReviewRequired(agent, w.cfg.Roster.AutopilotName, task.Header) {
		if err := ValidateReview(task.Header, result); err != nil {
			if !state.reviewRetried {
				state.reviewRetried = true
				state.retryReason = err.Error()
				w.events.Append("review_gate_retry", map[string]any{"id": id, "reason": err.Error()})
				return false
			}
			w.close(bus.CloseRequest{
				Agent: agent, ID: id,
				Outcome:      bus.OutcomeFailed,
				Note:         err.Error(),
				ReceiptExtra: mergeExtras(extras, map[string]any{"failedBy": "review_gate"}),
			})
			return true
		}
		artifactPath, digest, err := MaterializeReviewArtifact(w.cfg.Store, agent, id, result.Review)
		if err != nil {
			w.events.Warnf("review artifact %s: %v", id, err)
			w.close(bus.CloseRequest{
				Agent: agent, ID: id,
				Outcome:      bus.OutcomeFailed,
				Note:         "review passed but artifact could not be written: " + err.Error(),
				ReceiptExtra: mergeExtras(extras, map[string]any{"failedBy": "review_artifact"}),
			})
			return true
		}
		extras["review"] = result.Review
		extras["reviewArtifactPath"] = artifactPath
		extras["reviewArtifactDigest"] = digest
	}

	// Quality gate on code-changing kinds.
	if w.cfg.QualityGateKinds[task.Header.Kind()] && result.Outcome == bus.OutcomeDone {
		report, gateErr := w.runQualityGate(task)
		if gateErr != nil {
			w.events.Warnf("quality gate %s: %v", id, gateErr)
		} else if report != nil {
			extras["qualityGate"] = report
			if !report.OK {
				if state.remediations < w.cfg.AutoRemediate {
					state.remediations++
					state.retryReason = "quality gate failed: " + strings.Join(report.Errors, "; ")
					w.events.Append("quality_gate_retry", map[string]any{"id": id, "errors": report.Errors})
					return false
				}
				result.Outcome = bus.OutcomeNeedsReview
				if result.Note == "" {
					result.Note = "quality gate failed"
				}
			}
		}
	}

	// Follow-ups, then closure.
	if len(result.FollowUps) > 0 {
		fu := w.cfg.Store.DispatchFollowUps(w.cfg.Roster, agent, task.Header, result.FollowUps, bus.DefaultMaxFollowUps, w.cfg.Policy)
		if len(fu.DispatchedIDs) > 0 {
			extras["dispatchedFollowUps"] = fu.DispatchedIDs
		}
		if len(fu.Errors) > 0 {
			var msgs []string
			for _, ferr := range fu.Errors {
				msgs = append(msgs, ferr.Error())
			}
			extras["followUpErrors"] = msgs
		}
	}

	w.close(bus.CloseRequest{
		Agent:        agent,
		ID:           id,
		Outcome:      result.Outcome,
		Note:         result.Note,
		CommitSha:    result.CommitSha,
		ReceiptExtra: extras,
	})
	return true
}

// handleEngineFailure classifies a failed invocation and decides the retry.
// Returns true when the task reached a terminal close. The engine slot is
// released before any backoff sleep so other workers can run meanwhile
// (SlotHandle.Release is idempotent; the caller's defer is a no-op after).
func (w *Worker) handleEngineFailure(ctx context.Context, state *attemptState, attempt int, run *EngineRun, slot *SlotHandle) bool {
	agent := w.cfg.Agent
	id := state.task.Header.ID
	classified := ClassifyEngineFailure(run.Combined())
	w.events.Append("engine_failed", map[string]any{
		"id":      id,
		"attempt": attempt,
		"class":   string(classified.Class),
		"reason":  classified.Reason,
	})

	switch classified.Class {
	case FailureSandboxPermission:
		w.close(bus.CloseRequest{
			Agent: agent, ID: id,
			Outcome: bus.OutcomeBlocked,
			Note:    "engine sandbox denied an operation: " + classified.PermissionHint,
			ReceiptExtra: map[string]any{
				"engine":    map[string]any{"failureClass": string(classified.Class), "permissionHint": classified.PermissionHint},
				"blockedBy": "sandbox_permission",
			},
		})
		return true
	case FailureRateLimited:
		delay := DelayForAttempt(attempt, w.cfg.Backoff, backoffSeed(agent, id, attempt))
		if err := InstallRateLimitCooldown(w.cfg.Store, agent, id, classified.Reason, classified.RetryAfter, delay); err != nil {
			w.events.Warnf("install cooldown: %v", err)
		}
		w.maybeSendStatus(fmt.Sprintf("engine rate-limited on %s; backing off %s", id, delay.Round(time.Second)))
		state.retryReason = classified.Reason
		slot.Release()
		_ = w.cfg.Sleep(ctx, delay)
		return false
	case FailureStreamDisconnected:
		delay := DelayForAttempt(attempt, w.cfg.Backoff, backoffSeed(agent, id, attempt))
		state.retryReason = classified.Reason
		slot.Release()
		_ = w.cfg.Sleep(ctx, delay)
		return false
	default:
		state.retryReason = classified.Reason
		if attempt < w.cfg.MaxAttempts {
			slot.Release()
			_ = w.cfg.Sleep(ctx, DelayForAttempt(attempt, w.cfg.Backoff, backoffSeed(agent, id, attempt)))
		}
		return false
	}
}

func (w *Worker) runQualityGate(task *bus.OpenedTask) (*quality.Report, error) {
	baseRef := ""
	if git := task.Header.Git(); git != nil && git.BaseSha != "" {
		baseRef = git.BaseSha
	}
	return w.cfg.RunQualityGate(quality.Config{
		RepoRoot: w.cfg.Workdir,
		BaseRef:  baseRef,
		TaskID:   task.Header.ID,
	})
}

// buildPrompt renders the engine prompt envelope: the agent's standing
// bootstrap preamble when one is seeded, the packet, the contract for the
// structured result, and any retry reason from a failed gate round.
func (w *Worker) buildPrompt(task *bus.OpenedTask, retryReason string) string {
	var b strings.Builder
	h := task.Header
	if bootstrap := w.cfg.Store.ReadPromptBootstrap(w.cfg.Agent); bootstrap != "" {
		b.WriteString(bootstrap)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You are the %q agent on a shared code repository.\n\n", w.cfg.Agent)
	fmt.Fprintf(&b, "Task %s (%s, priority %s) from %s:\n%s\n\n", h.ID, h.Kind(), h.Priority, h.From, h.Title)
	b.WriteString(strings.TrimRight(task.Body, "\n"))
	b.WriteString("\n\n")
	if git := h.Git(); git != nil && git.WorkBranch != "" {
		fmt.Fprintf(&b, "Work on branch %s (base %s).\n", git.WorkBranch, git.BaseSha)
	}
	if target := h.ReviewTarget(); target != nil && target.CommitSha != "" {
		fmt.Fprintf(&b, "Review target commit: %s. Use the built-in review; do not re-invoke the CLI.\n", target.CommitSha)
	}
	if retryReason != "" {
		fmt.Fprintf(&b, "\nYour previous output was rejected: %s\nCorrect this in your next result.\n", retryReason)
	}
	b.WriteString("\nWrite your final result to the structured output artifact: outcome, note, commitSha, and any followUps.\n")
	return b.String()
}

// maybeSendStatus emits a throttled STATUS packet to the chat agent so a
// human sees rate-limit stalls. At most one notice per five minutes.
func (w *Worker) maybeSendStatus(text string) {
	if time.Since(w.lastStatusNotice) < 5*time.Minute {
		return
	}
	w.lastStatusNotice = time.Now()
	h := &bus.Header{
		ID:    fmt.Sprintf("%s-status-%d", w.cfg.Agent, time.Now().UnixMilli()),
		To:    []string{w.cfg.Roster.DaddyChatName},
		From:  w.cfg.Agent,
		Title: "STATUS: " + w.cfg.Agent,
		Signals: map[string]any{
			"kind":               bus.KindStatus,
			"notifyOrchestrator": false,
		},
	}
	if _, err := w.cfg.Store.Deliver(w.cfg.Roster, h, text+"\n", w.cfg.Policy); err != nil {
		w.events.Warnf("status notice: %v", err)
	}
}

func (w *Worker) close(req bus.CloseRequest) {
	req.NotifyOrchestrator = true
	req.Policy = w.cfg.Policy
	res, err := w.cfg.Store.Close(w.cfg.Roster, req)
	if err != nil {
		w.events.Warnf("close %s: %v", req.ID, err)
		return
	}
	w.events.Append("task_closed", map[string]any{
		"id":      req.ID,
		"outcome": req.Outcome,
		"receipt": res.ReceiptPath,
		"noticed": res.NoticePath != "",
	})
}

func mergeExtras(base, extra map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
