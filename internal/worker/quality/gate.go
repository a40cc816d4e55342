// Package quality implements the deterministic code-quality gate the worker
// runs on code-changing tasks before closure.
package quality

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"github.com/strongdm/agentbus/internal/gitutil"
)

// Config is the injectable gate policy.
type Config struct {
	RepoRoot string
	// BaseRef is the diff base; empty means working tree vs HEAD.
	BaseRef string
	// Include/Exclude are doublestar globs over repo-relative paths.
	Include []string
	Exclude []string
	// RuntimeScriptsDir holds scripts whose changes must carry tests.
	RuntimeScriptsDir string
	// MaxPureAdditions rejects pure-additive deltas above this count.
	MaxPureAdditions int
	// ImbalanceRatio rejects additions exceeding deletions by this multiple
	// (only above MaxPureAdditions/2, so small deltas never trip it).
	ImbalanceRatio int
	// TaskID labels the report directory.
	TaskID string
}

func (c *Config) withDefaults() Config {
	out := *c
	if len(out.Include) == 0 {
		out.Include = []string{"**"}
	}
	if len(out.Exclude) == 0 {
		out.Exclude = []string{"vendor/**", "node_modules/**", ".git/**", ".codex/**"}
	}
	if out.RuntimeScriptsDir == "" {
		out.RuntimeScriptsDir = "scripts"
	}
	if out.MaxPureAdditions <= 0 {
		out.MaxPureAdditions = 1500
	}
	if out.ImbalanceRatio <= 0 {
		out.ImbalanceRatio = 20
	}
	if out.TaskID == "" {
		out.TaskID = "adhoc"
	}
	return out
}

// CheckResult is one named check outcome.
type CheckResult struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"` // pass | fail | warn
	Details []string `json:"details,omitempty"`
}

// Report is the machine-readable gate summary.
type Report struct {
	OK          bool          `json:"ok"`
	Checks      []CheckResult `json:"checks"`
	HardRules   []string      `json:"hardRules"`
	Errors      []string      `json:"errors,omitempty"`
	Warnings    []string      `json:"warnings,omitempty"`
	ReportPath  string        `json:"reportPath,omitempty"`
	SummaryPath string        `json:"summaryPath,omitempty"`
}

var hardRules = []string{
	"no-merge-conflict-markers",
	"no-quality-escapes",
	"no-temp-artifacts",
	"runtime-script-change-has-tests",
	"diff-volume-balanced",
	"no-duplicate-added-blocks",
}

type escapePattern struct {
	name string
	re   *regexp.Regexp
}

// Escape hatches that defeat type or lint checking. Scanned over additions
// only; pre-existing hits are advisory (legacy debt).
var escapePatterns = []escapePattern{
	{"todo-marker", regexp.MustCompile(`(?i)\b(TODO|FIXME|XXX)\b`)},
	{"lint-disable", regexp.MustCompile(`(eslint-disable|tslint:disable|//\s*nolint|#\s*noqa|pylint:\s*disable)`)},
	{"ts-ignore", regexp.MustCompile(`@ts-(ignore|nocheck|expect-error)`)},
	{"any-typing", regexp.MustCompile(`(:\s*any\b|\bas\s+any\b|as\s+unknown\s+as\b)`)},
	{"type-ignore", regexp.MustCompile(`#\s*type:\s*ignore`)},
	{"bare-except", regexp.MustCompile(`^\s*except\s*:\s*$`)},
	{"empty-catch", regexp.MustCompile(`catch\s*(\([^)]*\))?\s*\{\s*\}`)},
	{"unconditional-truthy", regexp.MustCompile(`\|\|\s*true\b`)},
}

var conflictMarker = regexp.MustCompile(`(?m)^(<{7}( .*)?|>{7}( .*)?|={7})$`)

var tempPathPrefixes = []string{"tmp/", "temp/", ".tmp/", "scratch/", "out/tmp/"}

// Run executes every check and writes the markdown report plus JSON summary
// under .codex/quality/logs/ inside the repo root.
func Run(cfg Config) (*Report, error) {
	cfg = cfg.withDefaults()
	if cfg.RepoRoot == "" {
		return nil, fmt.Errorf("repo root is required")
	}
	if !gitutil.IsRepo(cfg.RepoRoot) {
		return nil, fmt.Errorf("%s is not a git repository", cfg.RepoRoot)
	}

	baseRef := cfg.BaseRef
	if baseRef == "" {
		baseRef = "HEAD"
	}
	tracked, untracked, err := gitutil.ChangedFiles(cfg.RepoRoot, cfg.BaseRef)
	if err != nil {
		return nil, err
	}
	tracked = filterScope(tracked, cfg)
	untracked = filterScope(untracked, cfg)

	rawDiff, err := gitutil.DiffUnified(cfg.RepoRoot, baseRef)
	if err != nil {
		return nil, err
	}
	diff := ParseUnifiedDiff(rawDiff)
	// Untracked added files are scanned whole: every line counts as added.
	for _, file := range untracked {
		content, err := os.ReadFile(filepath.Join(cfg.RepoRoot, file))
		if err != nil {
			continue
		}
		for i, text := range strings.Split(string(content), "\n") {
			diff.Added = append(diff.Added, AddedLine{File: file, Line: i + 1, Text: text})
			diff.AddedN++
		}
	}

	report := &Report{OK: true, HardRules: hardRules}
	allChanged := append(append([]string{}, tracked...), untracked...)

	report.add(checkConflictMarkers(cfg, allChanged))
	report.add(checkQualityEscapes(diff))
	report.add(checkLegacyDebt(cfg, tracked, diff))
	report.add(checkTempArtifacts(allChanged))
	report.add(checkRuntimeScriptTests(cfg, allChanged))
	report.add(checkDiffVolume(cfg, diff))
	report.add(checkDuplicateBlocks(diff))
	if skillFiles := filterSkillFiles(allChanged); len(skillFiles) > 0 {
		report.add(checkSkillFiles(cfg, skillFiles))
	}

	if err := writeReports(cfg, report); err != nil {
		return report, err
	}
	return report, nil
}

func (r *Report) add(c CheckResult) {
	r.Checks = append(r.Checks, c)
	switch c.Status {
	case "fail":
		r.OK = false
		for _, d := range c.Details {
			r.Errors = append(r.Errors, c.Name+": "+d)
		}
		if len(c.Details) == 0 {
			r.Errors = append(r.Errors, c.Name+" failed")
		}
	case "warn":
		for _, d := range c.Details {
			r.Warnings = append(r.Warnings, c.Name+": "+d)
		}
	}
}

func filterScope(files []string, cfg Config) []string {
	var out []string
	for _, file := range files {
		if inScope(file, cfg) {
			out = append(out, file)
		}
	}
	return out
}

func inScope(file string, cfg Config) bool {
	for _, pattern := range cfg.Exclude {
		if ok, _ := doublestar.Match(pattern, file); ok {
			return false
		}
	}
	for _, pattern := range cfg.Include {
		if ok, _ := doublestar.Match(pattern, file); ok {
			return true
		}
	}
	return false
}

func checkConflictMarkers(cfg Config, files []string) CheckResult {
	result := CheckResult{Name: "no-merge-conflict-markers", Status: "pass"}
	for _, file := range files {
		content, err := os.ReadFile(filepath.Join(cfg.RepoRoot, file))
		if err != nil {
			continue
		}
		if conflictMarker.Match(content) {
			result.Status = "fail"
			result.Details = append(result.Details, file+" contains conflict markers")
		}
	}
	return result
}

func scanEscapes(file string, line int, text string) []string {
	var hits []string
	for _, pattern := range escapePatterns {
		if pattern.re.MatchString(text) {
			hits = append(hits, fmt.Sprintf("%s:%d %s", file, line, pattern.name))
		}
	}
	return hits
}

func checkQualityEscapes(diff *DiffStats) CheckResult {
	result := CheckResult{Name: "no-quality-escapes", Status: "pass"}
	for _, added := range diff.Added {
		result.Details = append(result.Details, scanEscapes(added.File, added.Line, added.Text)...)
	}
	if len(result.Details) > 0 {
		result.Status = "fail"
	}
	return result
}

// checkLegacyDebt flags escape hits that predate the change in touched
// tracked files. Advisory only.
func checkLegacyDebt(cfg Config, tracked []string, diff *DiffStats) CheckResult {
	result := CheckResult{Name: "legacy-quality-debt-advisory", Status: "pass"}
	addedSet := map[string]bool{}
	for _, added := range diff.Added {
		addedSet[fmt.Sprintf("%s:%d", added.File, added.Line)] = true
	}
	for _, file := range tracked {
		content, err := os.ReadFile(filepath.Join(cfg.RepoRoot, file))
		if err != nil {
			continue
		}
		for i, text := range strings.Split(string(content), "\n") {
			line := i + 1
			if addedSet[fmt.Sprintf("%s:%d", file, line)] {
				continue
			}
			result.Details = append(result.Details, scanEscapes(file, line, text)...)
		}
	}
	if len(result.Details) > 0 {
		result.Status = "warn"
	}
	return result
}

func checkTempArtifacts(files []string) CheckResult {
	result := CheckResult{Name: "no-temp-artifacts", Status: "pass"}
	for _, file := range files {
		for _, prefix := range tempPathPrefixes {
			if strings.HasPrefix(file, prefix) {
				result.Status = "fail"
				result.Details = append(result.Details, file+" is under a temp prefix")
			}
		}
		if strings.HasSuffix(file, ".tmp") {
			result.Status = "fail"
			result.Details = append(result.Details, file+" has a temp extension")
		}
	}
	return result
}

func isTestFile(file string) bool {
	base := filepath.Base(file)
	return strings.Contains(base, "_test.") ||
		strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.") ||
		strings.HasPrefix(file, "tests/") ||
		strings.Contains(file, "/tests/") ||
		strings.HasPrefix(base, "test_")
}

func checkRuntimeScriptTests(cfg Config, files []string) CheckResult {
	result := CheckResult{Name: "runtime-script-change-has-tests", Status: "pass"}
	prefix := strings.TrimSuffix(cfg.RuntimeScriptsDir, "/") + "/"
	var scripts []string
	hasTest := false
	for _, file := range files {
		if strings.HasPrefix(file, prefix) && !isTestFile(file) {
			scripts = append(scripts, file)
		}
		if isTestFile(file) {
			hasTest = true
		}
	}
	if len(scripts) > 0 && !hasTest {
		result.Status = "fail"
		for _, script := range scripts {
			result.Details = append(result.Details, script+" changed without a matching test file in the same delta")
		}
	}
	return result
}

func checkDiffVolume(cfg Config, diff *DiffStats) CheckResult {
	result := CheckResult{Name: "diff-volume-balanced", Status: "pass"}
	if diff.DeletedN == 0 && diff.AddedN > cfg.MaxPureAdditions {
		result.Status = "fail"
		result.Details = append(result.Details,
			fmt.Sprintf("pure-additive delta of %d lines exceeds %d", diff.AddedN, cfg.MaxPureAdditions))
		return result
	}
	if diff.DeletedN > 0 && diff.AddedN > cfg.MaxPureAdditions/2 && diff.AddedN > cfg.ImbalanceRatio*diff.DeletedN {
		result.Status = "fail"
		result.Details = append(result.Details,
			fmt.Sprintf("additions (%d) exceed deletions (%d) by more than %dx", diff.AddedN, diff.DeletedN, cfg.ImbalanceRatio))
	}
	return result
}

// checkDuplicateBlocks hashes every window of 3 consecutive non-trivial added
// lines; a key landing in more than one location flags copy-paste growth.
func checkDuplicateBlocks(diff *DiffStats) CheckResult {
	result := CheckResult{Name: "no-duplicate-added-blocks", Status: "pass"}
	type location struct {
		file string
		line int
	}
	byFile := map[string][]AddedLine{}
	for _, added := range diff.Added {
		if trivialLine(added.Text) {
			continue
		}
		byFile[added.File] = append(byFile[added.File], added)
	}
	windows := map[string][]location{}
	var files []string
	for file := range byFile {
		files = append(files, file)
	}
	sort.Strings(files)
	for _, file := range files {
		lines := byFile[file]
		for i := 0; i+2 < len(lines); i++ {
			key := blockKey(lines[i].Text, lines[i+1].Text, lines[i+2].Text)
			windows[key] = append(windows[key], location{file: file, line: lines[i].Line})
		}
	}
	var keys []string
	for key, locs := range windows {
		if len(locs) > 1 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		locs := windows[key]
		var parts []string
		for _, loc := range locs {
			parts = append(parts, fmt.Sprintf("%s:%d", loc.file, loc.line))
		}
		result.Details = append(result.Details, "duplicated 3-line block at "+strings.Join(parts, ", "))
	}
	if len(result.Details) > 0 {
		result.Status = "fail"
	}
	return result
}

func trivialLine(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 4 {
		return true
	}
	switch trimmed {
	case "}", "{", "})", "});", "end", "fi", "done", "else {", "} else {", "return", "return nil":
		return true
	}
	return false
}

func blockKey(a, b, c string) string {
	h := blake3.New()
	for _, line := range []string{a, b, c} {
		_, _ = h.WriteString(strings.Join(strings.Fields(line), " "))
		_, _ = h.WriteString("\n")
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func filterSkillFiles(files []string) []string {
	var out []string
	for _, file := range files {
		if strings.HasPrefix(file, "skills/") && strings.HasSuffix(file, ".md") {
			out = append(out, file)
		}
	}
	return out
}

// checkSkillFiles runs only when skill files changed: each must open with a
// markdown h1 title and declare a non-empty body.
func checkSkillFiles(cfg Config, files []string) CheckResult {
	result := CheckResult{Name: "skill-file-valid", Status: "pass"}
	for _, file := range files {
		content, err := os.ReadFile(filepath.Join(cfg.RepoRoot, file))
		if err != nil {
			result.Details = append(result.Details, file+": unreadable")
			result.Status = "fail"
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(content)), "\n")
		if len(lines) < 2 || !strings.HasPrefix(lines[0], "# ") {
			result.Status = "fail"
			result.Details = append(result.Details, file+": must start with a '# ' title and a body")
		}
	}
	return result
}

func writeReports(cfg Config, report *Report) error {
	dir := filepath.Join(cfg.RepoRoot, ".codex", "quality", "logs",
		fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405Z"), cfg.TaskID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	report.ReportPath = filepath.Join(dir, "report.md")
	report.SummaryPath = filepath.Join(dir, "summary.json")

	var md strings.Builder
	md.WriteString("# Quality gate report\n\n")
	fmt.Fprintf(&md, "ok: %v\n\n", report.OK)
	for _, check := range report.Checks {
		fmt.Fprintf(&md, "## %s: %s\n\n", check.Name, check.Status)
		for _, detail := range check.Details {
			fmt.Fprintf(&md, "- %s\n", detail)
		}
		if len(check.Details) > 0 {
			md.WriteString("\n")
		}
	}
	if err := os.WriteFile(report.ReportPath, []byte(md.String()), 0o644); err != nil {
		return err
	}
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(report.SummaryPath, append(b, '\n'), 0o644)
}
