package gitutil

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandError carries the full git invocation context for diagnostics.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(dir string, args ...string) (string, string, error) {
	// Auto-maintenance spawns background helpers mid-run; disable it so
	// preflight and gate scans stay deterministic.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func StatusPorcelain(dir string) (string, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return out, nil
}

func IsClean(dir string) (bool, error) {
	out, err := StatusPorcelain(dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

func CurrentBranch(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func BranchExists(dir, branch string) bool {
	_, _, err := runGit(dir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

func CheckoutBranch(dir, branch string) error {
	_, _, err := runGit(dir, "switch", branch)
	return err
}

// CreateBranchFrom creates branch at baseSHA and checks it out.
func CreateBranchFrom(dir, branch, baseSHA string) error {
	_, _, err := runGit(dir, "switch", "-c", branch, baseSHA)
	return err
}

// CommitExists reports whether sha resolves to a commit object locally.
func CommitExists(dir, sha string) bool {
	_, _, err := runGit(dir, "cat-file", "-e", sha+"^{commit}")
	return err == nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func IsAncestor(dir, ancestor, descendant string) (bool, error) {
	_, _, err := runGit(dir, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	var ce *CommandError
	// merge-base --is-ancestor exits 1 for "no"; other failures surface.
	if errors.As(err, &ce) {
		if ee, ok := ce.Err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return false, nil
		}
	}
	return false, err
}

func FetchRemote(dir, remote string) error {
	_, _, err := runGit(dir, "fetch", "--quiet", remote)
	return err
}

// RemoteNames lists configured remotes.
func RemoteNames(dir string) ([]string, error) {
	out, _, err := runGit(dir, "remote")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names, nil
}

// RemoteBranchesContaining lists remote branches (remote/branch form) that
// contain the commit.
func RemoteBranchesContaining(dir, sha string) ([]string, error) {
	out, _, err := runGit(dir, "branch", "-r", "--contains", sha)
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "* "))
		if trimmed == "" || strings.Contains(trimmed, "->") {
			continue
		}
		branches = append(branches, trimmed)
	}
	return branches, nil
}

// DiffNameOnly returns file paths changed between baseRef and the working tree.
func DiffNameOnly(dir, baseRef string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", baseRef)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// DiffUnified returns the unified diff of the working tree against baseRef.
func DiffUnified(dir, baseRef string) (string, error) {
	out, _, err := runGit(dir, "diff", "--unified=0", baseRef)
	if err != nil {
		return "", err
	}
	return out, nil
}

// DiffUnifiedRange returns the unified diff between two commits.
func DiffUnifiedRange(dir, fromRef, toRef string) (string, error) {
	out, _, err := runGit(dir, "diff", "--unified=0", fromRef, toRef)
	if err != nil {
		return "", err
	}
	return out, nil
}

// UntrackedFiles lists files present in the working tree but unknown to git.
func UntrackedFiles(dir string) ([]string, error) {
	out, _, err := runGit(dir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ChangedFiles returns tracked files with working-tree changes plus untracked
// files, the input set for the quality gate.
func ChangedFiles(dir, baseRef string) (tracked []string, untracked []string, err error) {
	if baseRef != "" {
		tracked, err = DiffNameOnly(dir, baseRef)
	} else {
		var out string
		out, err = StatusPorcelain(dir)
		if err == nil {
			for _, line := range strings.Split(out, "\n") {
				if len(line) < 4 {
					continue
				}
				status := line[:2]
				name := strings.TrimSpace(line[3:])
				if name == "" {
					continue
				}
				if status == "??" {
					continue // picked up below
				}
				tracked = append(tracked, name)
			}
		}
	}
	if err != nil {
		return nil, nil, err
	}
	untracked, err = UntrackedFiles(dir)
	if err != nil {
		return nil, nil, err
	}
	return tracked, untracked, nil
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}
