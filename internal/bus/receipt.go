package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Closure outcomes. The set is closed.
const (
	OutcomeDone        = "done"
	OutcomeBlocked     = "blocked"
	OutcomeFailed      = "failed"
	OutcomeNeedsReview = "needs_review"
	OutcomeSkipped     = "skipped"
)

// ValidOutcome reports membership in the closed outcome set.
func ValidOutcome(outcome string) bool {
	switch outcome {
	case OutcomeDone, OutcomeBlocked, OutcomeFailed, OutcomeNeedsReview, OutcomeSkipped:
		return true
	}
	return false
}

// Receipt is the write-once closure record keyed by (agent, taskId).
type Receipt struct {
	Agent        string         `json:"agent"`
	TaskID       string         `json:"taskId"`
	Outcome      string         `json:"outcome"`
	Note         string         `json:"note,omitempty"`
	CommitSha    string         `json:"commitSha,omitempty"`
	ClosedAt     time.Time      `json:"closedAt"`
	Packet       map[string]any `json:"packet,omitempty"`
	ReceiptExtra map[string]any `json:"receiptExtra,omitempty"`
}

// CloseRequest drives Close.
type CloseRequest struct {
	Agent              string
	ID                 string
	Outcome            string
	Note               string
	CommitSha          string
	ReceiptExtra       map[string]any
	NotifyOrchestrator bool
	Policy             SuspiciousPolicy
}

// CloseResult reports what Close did.
type CloseResult struct {
	ReceiptPath    string
	ReceiptCreated bool
	ProcessedPath  string
	NoticePath     string
}

// Close moves a packet to processed and writes its receipt. The receipt write
// uses O_EXCL: a second close with the same (agent, id) returns the existing
// receipt path, does not rewrite it, and does not re-notify, making closure
// idempotent. When the receipt is newly created, notification is requested by
// both caller and packet, and the closing agent is not itself the
// orchestrator, a TASK_COMPLETE notice is delivered to the orchestrator.
func (s *Store) Close(r *Roster, req CloseRequest) (*CloseResult, error) {
	if !ValidOutcome(req.Outcome) {
		return nil, &ValidationError{Field: "outcome", Reason: fmt.Sprintf("unknown outcome %q", req.Outcome)}
	}
	task, err := s.OpenTask(req.Agent, req.ID, false)
	if err != nil {
		return nil, err
	}
	res := &CloseResult{ProcessedPath: task.Path}
	if task.State != StateProcessed {
		moved, err := s.MoveTask(req.Agent, req.ID, StateProcessed)
		if err != nil {
			return nil, err
		}
		res.ProcessedPath = moved
	}

	receipt := Receipt{
		Agent:        req.Agent,
		TaskID:       req.ID,
		Outcome:      req.Outcome,
		Note:         req.Note,
		CommitSha:    req.CommitSha,
		ClosedAt:     time.Now().UTC(),
		Packet:       HeaderSnapshot(task.Header),
		ReceiptExtra: req.ReceiptExtra,
	}
	path := s.ReceiptPath(req.Agent, req.ID)
	created, err := writeReceiptOnce(path, &receipt)
	if err != nil {
		return nil, err
	}
	res.ReceiptPath = path
	res.ReceiptCreated = created
	if !created {
		return res, nil
	}

	if req.NotifyOrchestrator && task.Header.NotifyOrchestrator() && r.OrchestratorName != req.Agent {
		noticePath, err := s.deliverCompletionNotice(r, req, task, path, res.ProcessedPath)
		if err != nil {
			return res, fmt.Errorf("receipt written but orchestrator notice failed: %w", err)
		}
		res.NoticePath = noticePath
	}
	return res, nil
}

func writeReceiptOnce(path string, receipt *Receipt) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(receipt); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return false, err
	}
	if err := f.Close(); err != nil {
		return false, err
	}
	return true, nil
}

// CloseVanished records a skipped receipt for a packet that was removed from
// the inbox externally (cancellation). There is no packet left to move and no
// notice is emitted; the last-known header is snapshotted instead.
func (s *Store) CloseVanished(agent string, h *Header, note string) (string, bool, error) {
	if h == nil || h.ID == "" {
		return "", false, &ValidationError{Field: "id", Reason: "vanished close requires the last-known header"}
	}
	receipt := Receipt{
		Agent:    agent,
		TaskID:   h.ID,
		Outcome:  OutcomeSkipped,
		Note:     note,
		ClosedAt: time.Now().UTC(),
		Packet:   HeaderSnapshot(h),
	}
	path := s.ReceiptPath(agent, h.ID)
	created, err := writeReceiptOnce(path, &receipt)
	return path, created, err
}

// ReadReceipt loads an existing receipt.
func (s *Store) ReadReceipt(agent, id string) (*Receipt, error) {
	b, err := os.ReadFile(s.ReceiptPath(agent, id))
	if err != nil {
		return nil, err
	}
	var receipt Receipt
	if err := json.Unmarshal(b, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt %s/%s: %w", agent, id, err)
	}
	return &receipt, nil
}

// ListReceipts returns receipts for an agent, newest first by ClosedAt.
func (s *Store) ListReceipts(agent string, limit int) ([]*Receipt, error) {
	entries, err := os.ReadDir(s.ReceiptsDir(agent))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var receipts []*Receipt
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		receipt, err := s.ReadReceipt(agent, strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		receipts = append(receipts, receipt)
	}
	sortReceiptsNewestFirst(receipts)
	if limit > 0 && len(receipts) > limit {
		receipts = receipts[:limit]
	}
	return receipts, nil
}

func sortReceiptsNewestFirst(receipts []*Receipt) {
	for i := 1; i < len(receipts); i++ {
		for j := i; j > 0 && receipts[j].ClosedAt.After(receipts[j-1].ClosedAt); j-- {
			receipts[j], receipts[j-1] = receipts[j-1], receipts[j]
		}
	}
}

// deliverCompletionNotice emits the sole automatic backward signal: a
// TASK_COMPLETE packet to the orchestrator carrying lineage and references to
// the receipt and processed packet.
func (s *Store) deliverCompletionNotice(r *Roster, req CloseRequest, task *OpenedTask, receiptPath, processedPath string) (string, error) {
	h := task.Header
	noticeID := fmt.Sprintf("%s-complete-%s", h.ID, strings.ToLower(ulid.Make().String()[20:]))
	signals := map[string]any{
		"kind":     KindTaskComplete,
		"rootId":   h.RootID(),
		"parentId": h.ID,
	}
	if kind := h.Kind(); kind != "" {
		signals["sourceKind"] = kind
	}
	if phase := h.Phase(); phase != "" {
		signals["phase"] = phase
	}
	references := map[string]any{
		"receiptPath":   receiptPath,
		"processedPath": processedPath,
		"sourceTaskId":  h.ID,
	}
	if req.CommitSha != "" {
		references["commitSha"] = req.CommitSha
	}
	notice := &Header{
		ID:         noticeID,
		To:         []string{r.OrchestratorName},
		From:       req.Agent,
		Priority:   h.Priority,
		Title:      fmt.Sprintf("TASK_COMPLETE: %s (%s)", h.ID, req.Outcome),
		Signals:    signals,
		References: references,
	}
	body := fmt.Sprintf("Task %s closed by %s with outcome %s.\n", h.ID, req.Agent, req.Outcome)
	if req.Note != "" {
		body += "\n" + strings.TrimRight(req.Note, "\n") + "\n"
	}
	// The notice inherits the caller's policy but is synthesized content;
	// scanning it again keeps the invariant that every delivery is scanned.
	res, err := s.Deliver(r, notice, body, req.Policy)
	if err != nil {
		return "", err
	}
	if len(res.Paths) == 0 {
		return "", fmt.Errorf("notice delivered to no recipients")
	}
	return res.Paths[0], nil
}
