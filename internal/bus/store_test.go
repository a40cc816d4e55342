package bus

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*Store, *Roster) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), ".agentbus"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	roster, err := LoadRoster("")
	if err != nil {
		t.Fatalf("load roster: %v", err)
	}
	if err := store.EnsureBusRoot(roster); err != nil {
		t.Fatalf("ensure bus root: %v", err)
	}
	return store, roster
}

func mustDeliver(t *testing.T, store *Store, roster *Roster, h *Header, body string) {
	t.Helper()
	if _, err := store.Deliver(roster, h, body, PolicyAllow); err != nil {
		t.Fatalf("deliver %s: %v", h.ID, err)
	}
}

func taskHeader(id, to string) *Header {
	return &Header{
		ID:      id,
		To:      []string{to},
		From:    "daddy",
		Title:   "task " + id,
		Signals: map[string]any{"kind": KindExecute},
	}
}

func TestFindTaskPath_WalksStatesInOrder(t *testing.T) {
	store, roster := newTestStore(t)
	mustDeliver(t, store, roster, taskHeader("t-1", "backend"), "body")

	state, path, err := store.FindTaskPath("backend", "t-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if state != StateNew {
		t.Fatalf("state: %q", state)
	}
	if filepath.Base(path) != "t-1.md" {
		t.Fatalf("path: %q", path)
	}

	if _, _, err := store.FindTaskPath("backend", "nope"); err == nil {
		t.Fatalf("expected not found")
	} else {
		var nf *ErrTaskNotFound
		if !errors.As(err, &nf) {
			t.Fatalf("expected ErrTaskNotFound, got %v", err)
		}
	}
}

func TestListInboxTaskIDs_SortedAndAbsentDirIsEmpty(t *testing.T) {
	store, roster := newTestStore(t)
	mustDeliver(t, store, roster, taskHeader("t-b", "qa"), "x")
	mustDeliver(t, store, roster, taskHeader("t-a", "qa"), "x")

	ids, err := store.ListInboxTaskIDs("qa", StateNew)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "t-a" || ids[1] != "t-b" {
		t.Fatalf("ids: %v", ids)
	}

	ids, err = store.ListInboxTaskIDs("never-provisioned", StateNew)
	if err != nil || len(ids) != 0 {
		t.Fatalf("absent dir: ids=%v err=%v", ids, err)
	}
}

func TestMoveTask_PreservesFilename(t *testing.T) {
	store, roster := newTestStore(t)
	mustDeliver(t, store, roster, taskHeader("t-1", "backend"), "body")

	dst, err := store.MoveTask("backend", "t-1", StateSeen)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if filepath.Base(dst) != "t-1.md" {
		t.Fatalf("dst: %q", dst)
	}
	state, _, err := store.FindTaskPath("backend", "t-1")
	if err != nil || state != StateSeen {
		t.Fatalf("after move: state=%q err=%v", state, err)
	}
}

func TestOpenTask_MarkSeenPromotesNewOnly(t *testing.T) {
	store, roster := newTestStore(t)
	mustDeliver(t, store, roster, taskHeader("t-1", "backend"), "body")

	task, err := store.OpenTask("backend", "t-1", true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if task.State != StateSeen {
		t.Fatalf("state after open: %q", task.State)
	}

	// Opening again must not regress or advance the state.
	task, err = store.OpenTask("backend", "t-1", true)
	if err != nil || task.State != StateSeen {
		t.Fatalf("second open: state=%q err=%v", task.State, err)
	}
}

func TestOpenTask_UnparseableGoesToDeadletter(t *testing.T) {
	store, _ := newTestStore(t)
	dir := store.InboxDir("backend", StateNew)
	if err := os.WriteFile(filepath.Join(dir, "broken.md"), []byte("no header here\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := store.OpenTask("backend", "broken", false); err == nil {
		t.Fatalf("expected parse failure")
	}
	entries, err := os.ReadDir(store.DeadletterDir("backend"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("deadletter: entries=%v err=%v", entries, err)
	}
	if _, _, err := store.FindTaskPath("backend", "broken"); err == nil {
		t.Fatalf("broken packet should have left the inbox")
	}
}

func TestClaimTask_Transitions(t *testing.T) {
	store, roster := newTestStore(t)
	mustDeliver(t, store, roster, taskHeader("t-1", "backend"), "body")

	task, err := store.ClaimTask("backend", "t-1")
	if err != nil {
		t.Fatalf("claim from new: %v", err)
	}
	if task.State != StateInProgress {
		t.Fatalf("state: %q", task.State)
	}

	// A second claim must fail: the task is already held.
	_, err = store.ClaimTask("backend", "t-1")
	var bad *ErrBadState
	if !errors.As(err, &bad) {
		t.Fatalf("expected ErrBadState, got %v", err)
	}

	mustDeliver(t, store, roster, taskHeader("t-2", "backend"), "body")
	if _, err := store.OpenTask("backend", "t-2", true); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if _, err := store.ClaimTask("backend", "t-2"); err != nil {
		t.Fatalf("claim from seen: %v", err)
	}
}

func TestTaskFilenameHelpers(t *testing.T) {
	if !taskFileMatches("t-1.md", "t-1") || !taskFileMatches("t-1__a3f2.md", "t-1") {
		t.Fatalf("expected matches")
	}
	if taskFileMatches("t-10.md", "t-1") || taskFileMatches("t-1.txt", "t-1") {
		t.Fatalf("unexpected matches")
	}
	if got := taskIDFromFilename("t-1__a3f2.md"); got != "t-1" {
		t.Fatalf("id from suffixed filename: %q", got)
	}
}

func TestTaskFilenameHelpers_DoubleUnderscoreIDs(t *testing.T) {
	// "__" is legal inside an id; only the exact 4-hex collision suffix is
	// ever stripped.
	if got := taskIDFromFilename("a__b.md"); got != "a__b" {
		t.Fatalf("id with double underscore truncated: %q", got)
	}
	if got := taskIDFromFilename("a__beef.md"); got != "a" {
		t.Fatalf("collision suffix kept: %q", got)
	}
	if got := taskIDFromFilename("a__BEEF.md"); got != "a__BEEF" {
		t.Fatalf("uppercase suffix is part of the id: %q", got)
	}
	if got := taskIDFromFilename("a__beef5.md"); got != "a__beef5" {
		t.Fatalf("five-char suffix is part of the id: %q", got)
	}
	if taskFileMatches("a__b.md", "a") {
		t.Fatalf("a__b must not answer for id a")
	}
	if !taskFileMatches("a__b.md", "a__b") {
		t.Fatalf("a__b should match its own id")
	}
	if !taskFileMatches("a__b__a3f2.md", "a__b") {
		t.Fatalf("collision-suffixed a__b should still match")
	}
}

func TestListInboxTaskIDs_KeepsDoubleUnderscoreIDs(t *testing.T) {
	store, roster := newTestStore(t)
	mustDeliver(t, store, roster, taskHeader("release__hotfix", "backend"), "body")

	ids, err := store.ListInboxTaskIDs("backend", StateNew)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "release__hotfix" {
		t.Fatalf("ids: %v", ids)
	}
	if _, _, err := store.FindTaskPath("backend", "release"); err == nil {
		t.Fatalf("truncated id must not resolve")
	}
	if _, path, err := store.FindTaskPath("backend", "release__hotfix"); err != nil || path == "" {
		t.Fatalf("full id lookup: path=%q err=%v", path, err)
	}
}

func TestWriteFileAtomic_LeavesNoTempDroppings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	if err := WriteFileAtomic(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil || string(b) != "hello" {
		t.Fatalf("read back: %q err=%v", b, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("temp file left behind: %v", entries)
	}
}
