package worker

import (
	"fmt"
	"strings"

	"github.com/strongdm/agentbus/internal/bus"
	"github.com/strongdm/agentbus/internal/gitutil"
)

// GitPreflightError blocks an attempt before the engine runs. The snapshot is
// embedded in the receipt so the orchestrator can see the exact repo state.
type GitPreflightError struct {
	Reason   string
	Snapshot map[string]any
}

func (e *GitPreflightError) Error() string {
	return "git preflight blocked: " + e.Reason
}

// GitPreflight applies the references.git contract to the agent workdir
// before the engine is spawned. Strict mode (EXECUTE tasks) requires baseSha
// and workBranch. An existing workBranch is checked out, rejecting dirty
// trees; otherwise it is created from baseSha, fetching remotes once when the
// base commit is not yet local. After checkout the base must be an ancestor
// of HEAD.
func GitPreflight(workdir string, contract *bus.GitContract, strict bool) (map[string]any, error) {
	if contract == nil {
		if strict {
			return nil, &GitPreflightError{Reason: "strict mode requires references.git"}
		}
		return nil, nil
	}
	snapshot := map[string]any{
		"baseBranch": contract.BaseBranch,
		"baseSha":    contract.BaseSha,
		"workBranch": contract.WorkBranch,
	}
	if contract.IntegrationBranch != "" {
		snapshot["integrationBranch"] = contract.IntegrationBranch
	}
	fail := func(format string, args ...any) (map[string]any, error) {
		return nil, &GitPreflightError{Reason: fmt.Sprintf(format, args...), Snapshot: snapshot}
	}

	if strict {
		if contract.BaseSha == "" {
			return fail("strict mode requires references.git.baseSha")
		}
		if contract.WorkBranch == "" {
			return fail("strict mode requires references.git.workBranch")
		}
	}
	if contract.BaseSha == "" && contract.WorkBranch == "" {
		return snapshot, nil
	}
	if !gitutil.IsRepo(workdir) {
		return fail("workdir %s is not a git repository", workdir)
	}

	if contract.WorkBranch != "" {
		if gitutil.BranchExists(workdir, contract.WorkBranch) {
			current, err := gitutil.CurrentBranch(workdir)
			if err != nil {
				return fail("read current branch: %v", err)
			}
			if current != contract.WorkBranch {
				clean, err := gitutil.IsClean(workdir)
				if err != nil {
					return fail("check working tree: %v", err)
				}
				if !clean {
					return fail("working tree is dirty; refusing to switch to %s", contract.WorkBranch)
				}
				if err := gitutil.CheckoutBranch(workdir, contract.WorkBranch); err != nil {
					return fail("checkout %s: %v", contract.WorkBranch, err)
				}
			}
		} else {
			if contract.BaseSha == "" {
				return fail("workBranch %s does not exist and no baseSha was given", contract.WorkBranch)
			}
			if !gitutil.CommitExists(workdir, contract.BaseSha) {
				fetchRemotesOnce(workdir)
			}
			if !gitutil.CommitExists(workdir, contract.BaseSha) {
				return fail("baseSha %s not found locally or on remotes", contract.BaseSha)
			}
			if err := gitutil.CreateBranchFrom(workdir, contract.WorkBranch, contract.BaseSha); err != nil {
				return fail("create %s from %s: %v", contract.WorkBranch, contract.BaseSha, err)
			}
		}
	}

	if contract.BaseSha != "" {
		head, err := gitutil.HeadSHA(workdir)
		if err != nil {
			return fail("read HEAD: %v", err)
		}
		snapshot["headSha"] = head
		ancestor, err := gitutil.IsAncestor(workdir, contract.BaseSha, "HEAD")
		if err != nil {
			return fail("ancestor check: %v", err)
		}
		if !ancestor {
			return fail("baseSha %s is not reachable from HEAD %s", contract.BaseSha, head)
		}
	}
	if branch, err := gitutil.CurrentBranch(workdir); err == nil {
		snapshot["checkedOutBranch"] = branch
	}
	return snapshot, nil
}

func fetchRemotesOnce(workdir string) {
	remotes, err := gitutil.RemoteNames(workdir)
	if err != nil {
		return
	}
	for _, remote := range remotes {
		_ = gitutil.FetchRemote(workdir, remote)
	}
}

// ReachabilityReport is the commit-reachability probe result (collaborator
// interface for GitHub observers).
type ReachabilityReport struct {
	CommitSha         string   `json:"commitSha"`
	RemoteBranches    []string `json:"remoteBranches"`
	OnIntegration     bool     `json:"onIntegration"`
	IntegrationBranch string   `json:"integrationBranch,omitempty"`
}

// ProbeCommitReachability fetches each allowed remote and reports which
// remote branches contain the commit. remotes defaults to origin,github.
func ProbeCommitReachability(workdir, commitSha string, remotes []string, integrationBranch string) (*ReachabilityReport, error) {
	if strings.TrimSpace(commitSha) == "" {
		return nil, fmt.Errorf("commit sha is required")
	}
	if len(remotes) == 0 {
		remotes = []string{"origin", "github"}
	}
	configured, err := gitutil.RemoteNames(workdir)
	if err != nil {
		return nil, err
	}
	allowed := map[string]bool{}
	for _, remote := range remotes {
		allowed[strings.TrimSpace(remote)] = true
	}
	for _, remote := range configured {
		if allowed[remote] {
			_ = gitutil.FetchRemote(workdir, remote)
		}
	}
	branches, err := gitutil.RemoteBranchesContaining(workdir, commitSha)
	if err != nil {
		return nil, err
	}
	report := &ReachabilityReport{CommitSha: commitSha, IntegrationBranch: integrationBranch}
	for _, branch := range branches {
		remote, _, found := strings.Cut(branch, "/")
		if !found || !allowed[remote] {
			continue
		}
		report.RemoteBranches = append(report.RemoteBranches, branch)
		if integrationBranch != "" && strings.HasSuffix(branch, "/"+integrationBranch) {
			report.OnIntegration = true
		}
	}
	return report, nil
}
