package bus

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// DefaultMaxFollowUps bounds how many child packets one closure may enqueue.
const DefaultMaxFollowUps = 5

// FollowUpSpec is one child task requested by a completing worker.
type FollowUpSpec struct {
	To         []string       `json:"to"`
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	Priority   string         `json:"priority,omitempty"`
	Signals    map[string]any `json:"signals,omitempty"`
	References map[string]any `json:"references,omitempty"`
}

// FollowUpResult reports per-item dispatch outcomes.
type FollowUpResult struct {
	DispatchedIDs []string
	Errors        []error
}

// DispatchFollowUps validates and delivers up to max child packets on behalf
// of the agent that completed parent. Missing rootId/parentId default to the
// parent's lineage; self-targeting items are rejected; excess items are
// reported as a single truncation error.
func (s *Store) DispatchFollowUps(r *Roster, agent string, parent *Header, items []FollowUpSpec, max int, policy SuspiciousPolicy) *FollowUpResult {
	if max <= 0 {
		max = DefaultMaxFollowUps
	}
	res := &FollowUpResult{}
	accepted := items
	if len(items) > max {
		accepted = items[:max]
		res.Errors = append(res.Errors, &ValidationError{
			Field:  "followUps",
			Reason: fmt.Sprintf("%d items exceed the limit of %d; extra items dropped", len(items), max),
		})
	}

	for i, item := range accepted {
		id, err := s.dispatchOne(r, agent, parent, item, i, policy)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("followUp %d: %w", i, err))
			continue
		}
		res.DispatchedIDs = append(res.DispatchedIDs, id)
	}
	return res
}

func (s *Store) dispatchOne(r *Roster, agent string, parent *Header, item FollowUpSpec, index int, policy SuspiciousPolicy) (string, error) {
	if len(item.To) == 0 {
		return "", &ValidationError{Field: "to", Reason: "follow-up has no recipients"}
	}
	for _, name := range item.To {
		if strings.TrimSpace(name) == agent {
			return "", &ValidationError{Field: "to", Reason: fmt.Sprintf("follow-up targets dispatching agent %q", agent)}
		}
	}
	if strings.TrimSpace(item.Title) == "" {
		return "", &ValidationError{Field: "title", Reason: "follow-up title is required"}
	}
	signals := cloneMap(item.Signals)
	if signals == nil {
		signals = map[string]any{}
	}
	if kind, _ := signals["kind"].(string); strings.TrimSpace(kind) == "" {
		return "", &ValidationError{Field: "signals.kind", Reason: "follow-up kind is required"}
	}
	if phase, _ := signals["phase"].(string); strings.TrimSpace(phase) == "" {
		return "", &ValidationError{Field: "signals.phase", Reason: "follow-up phase is required"}
	}
	if root, _ := signals["rootId"].(string); strings.TrimSpace(root) == "" {
		signals["rootId"] = parent.RootID()
	}
	if pid, _ := signals["parentId"].(string); strings.TrimSpace(pid) == "" {
		signals["parentId"] = parent.ID
	}

	references := cloneMap(item.References)
	if references == nil {
		references = map[string]any{}
	}
	references["parentTaskId"] = parent.ID
	references["parentRootId"] = parent.RootID()

	id := fmt.Sprintf("%s-f%d-%s", parent.ID, index+1, strings.ToLower(ulid.Make().String()[20:]))
	h := &Header{
		ID:         id,
		To:         item.To,
		From:       agent,
		Priority:   item.Priority,
		Title:      item.Title,
		Signals:    signals,
		References: references,
	}
	if h.Priority == "" {
		h.Priority = parent.Priority
	}
	if _, err := s.Deliver(r, h, item.Body, policy); err != nil {
		return "", err
	}
	return id, nil
}
