package bus

import (
	"strings"
	"testing"
)

func parentHeader() *Header {
	return &Header{
		ID:       "p-1",
		To:       []string{"backend"},
		From:     "daddy",
		Title:    "parent",
		Priority: "high",
		Signals:  map[string]any{"kind": KindExecute, "rootId": "r-1", "phase": "build"},
	}
}

func execFollowUp(to string) FollowUpSpec {
	return FollowUpSpec{
		To:      []string{to},
		Title:   "verify the change",
		Body:    "run the suite",
		Signals: map[string]any{"kind": KindExecute, "phase": "verify"},
	}
}

func TestDispatchFollowUps_LineageAndPriorityDefaults(t *testing.T) {
	store, roster := newTestStore(t)
	res := store.DispatchFollowUps(roster, "backend", parentHeader(), []FollowUpSpec{execFollowUp("qa")}, DefaultMaxFollowUps, PolicyBlock)
	if len(res.Errors) != 0 {
		t.Fatalf("errors: %v", res.Errors)
	}
	if len(res.DispatchedIDs) != 1 {
		t.Fatalf("dispatched: %v", res.DispatchedIDs)
	}
	id := res.DispatchedIDs[0]
	if !strings.HasPrefix(id, "p-1-f1-") {
		t.Fatalf("child id: %q", id)
	}

	task, err := store.OpenTask("qa", id, false)
	if err != nil {
		t.Fatalf("open child: %v", err)
	}
	if task.Header.RootID() != "r-1" || task.Header.ParentID() != "p-1" {
		t.Fatalf("lineage: root=%q parent=%q", task.Header.RootID(), task.Header.ParentID())
	}
	if task.Header.Priority != "high" {
		t.Fatalf("priority should inherit from parent: %q", task.Header.Priority)
	}
	if task.Header.References["parentTaskId"] != "p-1" || task.Header.References["parentRootId"] != "r-1" {
		t.Fatalf("references: %v", task.Header.References)
	}
}

func TestDispatchFollowUps_RejectsSelfTarget(t *testing.T) {
	store, roster := newTestStore(t)
	res := store.DispatchFollowUps(roster, "backend", parentHeader(), []FollowUpSpec{execFollowUp("backend")}, DefaultMaxFollowUps, PolicyBlock)
	if len(res.DispatchedIDs) != 0 {
		t.Fatalf("self-targeted follow-up dispatched: %v", res.DispatchedIDs)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors: %v", res.Errors)
	}
}

func TestDispatchFollowUps_RequiresKindAndPhase(t *testing.T) {
	store, roster := newTestStore(t)
	items := []FollowUpSpec{
		{To: []string{"qa"}, Title: "missing kind", Signals: map[string]any{"phase": "verify"}},
		{To: []string{"qa"}, Title: "missing phase", Signals: map[string]any{"kind": KindExecute}},
	}
	res := store.DispatchFollowUps(roster, "backend", parentHeader(), items, DefaultMaxFollowUps, PolicyBlock)
	if len(res.DispatchedIDs) != 0 || len(res.Errors) != 2 {
		t.Fatalf("dispatched=%v errors=%v", res.DispatchedIDs, res.Errors)
	}
}

func TestDispatchFollowUps_TruncatesAboveMax(t *testing.T) {
	store, roster := newTestStore(t)
	var items []FollowUpSpec
	for i := 0; i < DefaultMaxFollowUps+2; i++ {
		items = append(items, execFollowUp("qa"))
	}
	res := store.DispatchFollowUps(roster, "backend", parentHeader(), items, DefaultMaxFollowUps, PolicyBlock)
	if len(res.DispatchedIDs) != DefaultMaxFollowUps {
		t.Fatalf("dispatched %d, want %d", len(res.DispatchedIDs), DefaultMaxFollowUps)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0].Error(), "limit") {
		t.Fatalf("expected one truncation error, got %v", res.Errors)
	}
}

func TestDispatchFollowUps_PartialFailureKeepsGoing(t *testing.T) {
	store, roster := newTestStore(t)
	items := []FollowUpSpec{
		execFollowUp("qa"),
		{To: []string{"no-such-agent"}, Title: "bad", Signals: map[string]any{"kind": KindExecute, "phase": "verify"}},
		execFollowUp("infra"),
	}
	res := store.DispatchFollowUps(roster, "backend", parentHeader(), items, DefaultMaxFollowUps, PolicyBlock)
	if len(res.DispatchedIDs) != 2 {
		t.Fatalf("dispatched: %v", res.DispatchedIDs)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors: %v", res.Errors)
	}
}
