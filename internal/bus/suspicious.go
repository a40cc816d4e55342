package bus

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// SuspiciousPolicy controls what delivery does with flagged content.
type SuspiciousPolicy string

const (
	PolicyBlock SuspiciousPolicy = "block"
	PolicyWarn  SuspiciousPolicy = "warn"
	PolicyAllow SuspiciousPolicy = "allow"
)

// SuspiciousContentError is the classified delivery refusal under PolicyBlock.
type SuspiciousContentError struct {
	Hits []string
}

func (e *SuspiciousContentError) Error() string {
	return fmt.Sprintf("suspicious content blocked: %s", strings.Join(e.Hits, ", "))
}

// SuspiciousPolicyFromEnv reads AGENTBUS_SUSPICIOUS_POLICY; block is the default.
func SuspiciousPolicyFromEnv() SuspiciousPolicy {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("AGENTBUS_SUSPICIOUS_POLICY"))) {
	case "warn":
		return PolicyWarn
	case "allow":
		return PolicyAllow
	default:
		return PolicyBlock
	}
}

type suspiciousPattern struct {
	name string
	re   *regexp.Regexp
}

// Patterns target destructive shell one-liners that would never appear in a
// legitimate task description. Matching is line-oriented over the rendered
// packet so the hits can be reported with context.
var suspiciousPatterns = []suspiciousPattern{
	{"recursive-root-delete", regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\s+(/|/\*|~|\$HOME)(\s|$)`)},
	{"filesystem-format", regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\s`)},
	{"raw-dd-to-device", regexp.MustCompile(`(?i)\bdd\s+[^\n]*of=/dev/(sd|hd|nvme|disk)`)},
	{"fork-bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;?\s*:`)},
	{"shutdown-or-reboot", regexp.MustCompile(`(?i)\b(shutdown|reboot|halt|poweroff)\b\s*(-[a-z]+\s*)*(now|\+?\d+|$)`)},
}

// ScanSuspicious reports named pattern hits in the rendered packet content.
func ScanSuspicious(rendered string) []string {
	var hits []string
	for _, p := range suspiciousPatterns {
		if p.re.MatchString(rendered) {
			hits = append(hits, p.name)
		}
	}
	return hits
}
