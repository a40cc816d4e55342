package gitutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func newRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not on PATH")
	}
	dir := t.TempDir()
	git(t, dir, "init", "-b", "main")
	write(t, dir, "a.txt", "one\n")
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-m", "initial")
	return dir
}

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestIsAncestor_DistinguishesNoFromError(t *testing.T) {
	dir := newRepo(t)
	first, err := HeadSHA(dir)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	write(t, dir, "a.txt", "two\n")
	git(t, dir, "commit", "-am", "second")
	second, _ := HeadSHA(dir)

	if ok, err := IsAncestor(dir, first, second); err != nil || !ok {
		t.Fatalf("first should be ancestor of second: ok=%v err=%v", ok, err)
	}
	if ok, err := IsAncestor(dir, second, first); err != nil || ok {
		t.Fatalf("second is not ancestor of first: ok=%v err=%v", ok, err)
	}
	if _, err := IsAncestor(dir, "not-a-ref", second); err == nil {
		t.Fatalf("bad ref should error, not report no")
	}
}

func TestChangedFiles_SplitsTrackedAndUntracked(t *testing.T) {
	dir := newRepo(t)
	write(t, dir, "a.txt", "edited\n")
	write(t, dir, "b.txt", "new file\n")

	tracked, untracked, err := ChangedFiles(dir, "")
	if err != nil {
		t.Fatalf("changed files: %v", err)
	}
	if len(tracked) != 1 || tracked[0] != "a.txt" {
		t.Fatalf("tracked: %v", tracked)
	}
	if len(untracked) != 1 || untracked[0] != "b.txt" {
		t.Fatalf("untracked: %v", untracked)
	}
}

func TestIsClean(t *testing.T) {
	dir := newRepo(t)
	if clean, err := IsClean(dir); err != nil || !clean {
		t.Fatalf("fresh repo: clean=%v err=%v", clean, err)
	}
	write(t, dir, "a.txt", "dirty\n")
	if clean, err := IsClean(dir); err != nil || clean {
		t.Fatalf("edited repo: clean=%v err=%v", clean, err)
	}
}
