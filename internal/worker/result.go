package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/strongdm/agentbus/internal/bus"
)

// EngineResult is the structured output contract the engine must emit into
// its artifact file.
type EngineResult struct {
	Outcome       string             `json:"outcome"`
	Note          string             `json:"note,omitempty"`
	CommitSha     string             `json:"commitSha,omitempty"`
	SessionID     string             `json:"sessionId,omitempty"`
	AssistantText string             `json:"assistantText,omitempty"`
	Review        *ReviewReport      `json:"review,omitempty"`
	FollowUps     []bus.FollowUpSpec `json:"followUps,omitempty"`
}

// ReviewReport is the structured review evidence required on review-gated
// tasks.
type ReviewReport struct {
	Ran             bool            `json:"ran"`
	Method          string          `json:"method"`
	TargetCommitSha string          `json:"targetCommitSha"`
	Summary         string          `json:"summary"`
	FindingsCount   int             `json:"findingsCount"`
	Verdict         string          `json:"verdict"`
	Evidence        *ReviewEvidence `json:"evidence,omitempty"`
}

// ReviewEvidence points at the review artifact and the sections it contains.
type ReviewEvidence struct {
	ArtifactPath    string   `json:"artifactPath"`
	SectionsPresent []string `json:"sectionsPresent"`
}

// OutputSchemaError reports an artifact that failed the result contract.
type OutputSchemaError struct {
	Reason string
}

func (e *OutputSchemaError) Error() string {
	return "engine output schema invalid: " + e.Reason
}

// engineResultSchema is both handed to the engine CLI (so the provider
// enforces it server-side) and used locally to validate what came back.
const engineResultSchema = `{
  "type": "object",
  "properties": {
    "outcome": { "type": "string", "enum": ["done", "blocked", "failed", "needs_review", "skipped"] },
    "note": { "type": "string" },
    "commitSha": { "type": "string" },
    "sessionId": { "type": "string" },
    "assistantText": { "type": "string" },
    "review": {
      "type": "object",
      "properties": {
        "ran": { "type": "boolean" },
        "method": { "type": "string" },
        "targetCommitSha": { "type": "string" },
        "summary": { "type": "string" },
        "findingsCount": { "type": "integer", "minimum": 0 },
        "verdict": { "type": "string", "enum": ["pass", "changes_requested"] },
        "evidence": {
          "type": "object",
          "properties": {
            "artifactPath": { "type": "string" },
            "sectionsPresent": { "type": "array", "items": { "type": "string" } }
          }
        }
      }
    },
    "followUps": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "to": { "type": "array", "items": { "type": "string" }, "minItems": 1 },
          "title": { "type": "string" },
          "body": { "type": "string" },
          "priority": { "type": "string" },
          "signals": { "type": "object" },
          "references": { "type": "object" }
        },
        "required": ["to", "title", "body"]
      }
    }
  },
  "required": ["outcome"],
  "additionalProperties": true
}
`

var compiledResultSchema = jsonschema.MustCompileString("engine_result.json", engineResultSchema)

// ParseEngineResult reads and validates the engine's artifact file.
func ParseEngineResult(artifactPath string) (*EngineResult, error) {
	raw, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, &OutputSchemaError{Reason: fmt.Sprintf("read artifact: %v", err)}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &OutputSchemaError{Reason: fmt.Sprintf("artifact is not JSON: %v", err)}
	}
	if err := compiledResultSchema.Validate(doc); err != nil {
		return nil, &OutputSchemaError{Reason: err.Error()}
	}
	var result EngineResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &OutputSchemaError{Reason: fmt.Sprintf("decode artifact: %v", err)}
	}
	if !bus.ValidOutcome(result.Outcome) {
		return nil, &OutputSchemaError{Reason: fmt.Sprintf("unknown outcome %q", result.Outcome)}
	}
	return &result, nil
}

// nestedCLIInvocationHints catch an engine trying to re-invoke the CLI stack
// instead of using its built-in review. Disallowed on review-gated tasks.
var nestedCLIInvocationHints = []string{
	"codex review",
	"codex exec",
	"codex app-server",
	"codex resume",
}

// HasNestedCLIInvocation reports whether assistant text shows the engine
// shelling back into the engine CLI.
func HasNestedCLIInvocation(assistantText string) (string, bool) {
	lower := strings.ToLower(assistantText)
	for _, hint := range nestedCLIInvocationHints {
		if strings.Contains(lower, hint) {
			return hint, true
		}
	}
	return "", false
}
