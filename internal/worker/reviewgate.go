package worker

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/strongdm/agentbus/internal/bus"
)

// ReviewGateError drives the single corrective retry: the first failure's
// reason is re-embedded in the next prompt; a second failure closes the task
// as failed.
type ReviewGateError struct {
	Reason string
}

func (e *ReviewGateError) Error() string {
	return "review gate: " + e.Reason
}

// requiredReviewSections must all be present in the review evidence.
var requiredReviewSections = []string{"findings", "severity", "file_refs", "actions"}

// ReviewRequired reports whether the review gate applies: the task is
// addressed to the autopilot, its kind is ORCHESTRATOR_UPDATE, and either
// signals.reviewRequired is set or the legacy fallback matches
// (sourceKind=TASK_COMPLETE with references.completedTaskKind=EXECUTE).
func ReviewRequired(agent, autopilotName string, h *bus.Header) bool {
	if agent != autopilotName {
		return false
	}
	if h.Kind() != bus.KindOrchestratorUpdate {
		return false
	}
	if h.ReviewRequired() {
		return true
	}
	sourceKind := ""
	if h.Signals != nil {
		sourceKind, _ = h.Signals["sourceKind"].(string)
	}
	completedKind := ""
	if h.References != nil {
		completedKind, _ = h.References["completedTaskKind"].(string)
	}
	return sourceKind == bus.KindTaskComplete && completedKind == bus.KindExecute
}

// ValidateReview checks the structured review evidence against the
// originating packet's review target.
func ValidateReview(h *bus.Header, result *EngineResult) error {
	review := result.Review
	if review == nil {
		return &ReviewGateError{Reason: "engine output has no review object"}
	}
	if !review.Ran {
		return &ReviewGateError{Reason: "review.ran must be true"}
	}
	if review.Method != "built_in_review" {
		return &ReviewGateError{Reason: fmt.Sprintf("review.method must be built_in_review, got %q", review.Method)}
	}
	target := h.ReviewTarget()
	if target == nil || target.CommitSha == "" {
		return &ReviewGateError{Reason: "packet has no signals.reviewTarget.commitSha to review against"}
	}
	if review.TargetCommitSha != target.CommitSha {
		return &ReviewGateError{Reason: fmt.Sprintf("review.targetCommitSha %q does not match advertised %q", review.TargetCommitSha, target.CommitSha)}
	}
	if strings.TrimSpace(review.Summary) == "" {
		return &ReviewGateError{Reason: "review.summary is empty"}
	}
	if review.FindingsCount < 0 {
		return &ReviewGateError{Reason: "review.findingsCount is negative"}
	}
	switch review.Verdict {
	case "pass", "changes_requested":
	default:
		return &ReviewGateError{Reason: fmt.Sprintf("review.verdict %q is not pass|changes_requested", review.Verdict)}
	}
	if review.Evidence == nil {
		return &ReviewGateError{Reason: "review.evidence is missing"}
	}
	if strings.TrimSpace(review.Evidence.ArtifactPath) == "" {
		return &ReviewGateError{Reason: "review.evidence.artifactPath is empty"}
	}
	present := map[string]bool{}
	for _, section := range review.Evidence.SectionsPresent {
		present[section] = true
	}
	for _, section := range requiredReviewSections {
		if !present[section] {
			return &ReviewGateError{Reason: fmt.Sprintf("review.evidence.sectionsPresent is missing %q", section)}
		}
	}
	if review.Verdict == "changes_requested" && len(result.FollowUps) == 0 {
		return &ReviewGateError{Reason: "changes_requested verdict requires at least one corrective follow-up"}
	}
	if hint, found := HasNestedCLIInvocation(result.AssistantText); found {
		return &ReviewGateError{Reason: fmt.Sprintf("assistant text shows nested CLI re-invocation (%q)", hint)}
	}
	return nil
}

// MaterializeReviewArtifact writes the canonical review markdown under
// artifacts/<agent>/reviews/ and returns its path and blake3 digest. The
// path is verified to stay inside the bus root.
func MaterializeReviewArtifact(store *bus.Store, agent, taskID string, review *ReviewReport) (string, string, error) {
	path := filepath.Join(store.ArtifactsDir(agent), "reviews", taskID+".review.md")
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", err
	}
	if !strings.HasPrefix(abs, store.Root+string(filepath.Separator)) {
		return "", "", fmt.Errorf("review artifact path %s escapes bus root %s", abs, store.Root)
	}

	var md strings.Builder
	fmt.Fprintf(&md, "# Review of %s\n\n", review.TargetCommitSha)
	fmt.Fprintf(&md, "verdict: %s\n\n", review.Verdict)
	fmt.Fprintf(&md, "## summary\n\n%s\n\n", strings.TrimSpace(review.Summary))
	fmt.Fprintf(&md, "## findings\n\ncount: %d\n\n", review.FindingsCount)
	fmt.Fprintf(&md, "## evidence\n\nsource: %s\nsections: %s\n",
		review.Evidence.ArtifactPath, strings.Join(review.Evidence.SectionsPresent, ", "))
	content := []byte(md.String())

	if err := bus.WriteFileAtomic(abs, content, 0o644); err != nil {
		return "", "", err
	}
	sum := blake3.Sum256(content)
	return abs, hex.EncodeToString(sum[:]), nil
}
