package bus

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRoster_BundledFallback(t *testing.T) {
	r, err := LoadRoster("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, name := range []string{"frontend", "backend", "qa", "infra", "review"} {
		if !r.KnownAgent(name) {
			t.Fatalf("bundled roster missing %q", name)
		}
	}
	if r.OrchestratorName != "orchestrator" || r.DaddyChatName != "daddy-chat" || r.AutopilotName != "autopilot" {
		t.Fatalf("role names: %+v", r)
	}
}

func TestLoadRoster_RoleDefaultsAndEmptyRejection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.yaml")
	if err := os.WriteFile(path, []byte("agents:\n  - name: solo\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r, err := LoadRoster(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r.OrchestratorName != "orchestrator" || r.AutopilotName != "autopilot" {
		t.Fatalf("role defaults not applied: %+v", r)
	}

	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, []byte("agents: []\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := LoadRoster(empty); err == nil {
		t.Fatalf("expected empty roster to be rejected")
	}
}

func TestAgentNames_IncludesRolesAndDaddyAlias(t *testing.T) {
	r, err := LoadRoster("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, name := range []string{"daddy", "daddy-chat", "orchestrator", "autopilot"} {
		if !r.KnownAgent(name) {
			t.Fatalf("expected %q to be deliverable", name)
		}
	}
	if r.KnownAgent("") || r.KnownAgent("stranger") {
		t.Fatalf("unexpected agents accepted")
	}
}

func TestExpandWorkdir_SubstitutesKnownVarsOnly(t *testing.T) {
	got := ExpandWorkdir("$WORKTREES_DIR/backend", WorkdirVars{WorktreesDir: "/srv/trees"})
	if got != "/srv/trees/backend" {
		t.Fatalf("expand: %q", got)
	}
	got = ExpandWorkdir("$UNKNOWN/x", WorkdirVars{})
	if got != "$UNKNOWN/x" {
		t.Fatalf("unknown var should stay verbatim: %q", got)
	}
}
