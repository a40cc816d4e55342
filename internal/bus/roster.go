package bus

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed roster_default.yaml
var defaultRosterYAML []byte

// RosterAgent is one catalog entry. Workdir may contain $NAME placeholders
// expanded against a fixed dictionary (see ExpandWorkdir).
type RosterAgent struct {
	Name      string   `json:"name" yaml:"name"`
	Kind      string   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Workdir   string   `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Branch    string   `json:"branch,omitempty" yaml:"branch,omitempty"`
	Skills    []string `json:"skills,omitempty" yaml:"skills,omitempty"`
	SessionID string   `json:"sessionId,omitempty" yaml:"sessionId,omitempty"`
}

// Roster is the static catalog of known agents and distinguished roles.
type Roster struct {
	Agents           []RosterAgent `json:"agents" yaml:"agents"`
	OrchestratorName string        `json:"orchestratorName,omitempty" yaml:"orchestratorName,omitempty"`
	DaddyChatName    string        `json:"daddyChatName,omitempty" yaml:"daddyChatName,omitempty"`
	AutopilotName    string        `json:"autopilotName,omitempty" yaml:"autopilotName,omitempty"`
}

// LoadRoster reads a roster file. An empty path falls back to the bundled
// roster so one-off CLI invocations work without configuration.
func LoadRoster(path string) (*Roster, error) {
	var raw []byte
	if strings.TrimSpace(path) == "" {
		raw = defaultRosterYAML
	} else {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read roster: %w", err)
		}
		raw = b
	}
	var r Roster
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	if len(r.Agents) == 0 {
		return nil, fmt.Errorf("roster has no agents")
	}
	for i, a := range r.Agents {
		if strings.TrimSpace(a.Name) == "" {
			return nil, fmt.Errorf("roster agent %d has no name", i)
		}
	}
	if r.OrchestratorName == "" {
		r.OrchestratorName = "orchestrator"
	}
	if r.DaddyChatName == "" {
		r.DaddyChatName = "daddy-chat"
	}
	if r.AutopilotName == "" {
		r.AutopilotName = "autopilot"
	}
	return &r, nil
}

// RosterPathFromEnv resolves the roster file from AGENTBUS_ROSTER when the
// caller did not pin one.
func RosterPathFromEnv(explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	return strings.TrimSpace(os.Getenv("AGENTBUS_ROSTER"))
}

// AgentNames returns the sorted union of listed agents, the distinguished
// role names, and the "daddy" alias used by chat front-ends.
func (r *Roster) AgentNames() []string {
	set := map[string]bool{"daddy": true}
	for _, a := range r.Agents {
		set[a.Name] = true
	}
	for _, name := range []string{r.OrchestratorName, r.DaddyChatName, r.AutopilotName} {
		if name != "" {
			set[name] = true
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KnownAgent reports whether name is deliverable under this roster.
func (r *Roster) KnownAgent(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	for _, candidate := range r.AgentNames() {
		if candidate == name {
			return true
		}
	}
	return false
}

// Agent looks up a catalog entry by name.
func (r *Roster) Agent(name string) (RosterAgent, bool) {
	for _, a := range r.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return RosterAgent{}, false
}

// WorkdirVars is the fixed substitution dictionary for workdir templates.
type WorkdirVars struct {
	RepoRoot     string
	WorktreesDir string
	Home         string
}

// ExpandWorkdir performs purely textual $NAME substitution. Unknown names are
// left verbatim so template typos are visible downstream.
func ExpandWorkdir(template string, vars WorkdirVars) string {
	replacer := strings.NewReplacer(
		"$REPO_ROOT", vars.RepoRoot,
		"$WORKTREES_DIR", vars.WorktreesDir,
		"$HOME", vars.Home,
	)
	return replacer.Replace(template)
}
