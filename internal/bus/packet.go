package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Packet kinds carried in signals.kind. The set is closed; unknown kinds are
// delivered but the worker treats them as plain EXECUTE-style work.
const (
	KindUserRequest          = "USER_REQUEST"
	KindPlanRequest          = "PLAN_REQUEST"
	KindExecute              = "EXECUTE"
	KindOrchestratorUpdate   = "ORCHESTRATOR_UPDATE"
	KindTaskComplete         = "TASK_COMPLETE"
	KindReviewActionRequired = "REVIEW_ACTION_REQUIRED"
	KindOpusConsultRequest   = "OPUS_CONSULT_REQUEST"
	KindOpusConsultResponse  = "OPUS_CONSULT_RESPONSE"
	KindStatus               = "STATUS"
)

const headerDelimiter = "---"

// ErrNotPacket is the sentinel for content that does not start with the
// header delimiter. Callers use it to route undecodable files to deadletter.
var ErrNotPacket = errors.New("not a packet: missing header delimiter")

var safeIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,200}$`)

// Header is the structured front matter of a packet. Unknown top-level keys
// survive a parse/render round trip via Extra.
type Header struct {
	ID         string
	To         []string
	From       string
	Priority   string
	Title      string
	Signals    map[string]any
	References map[string]any
	Extra      map[string]any
}

// ValidationError reports a malformed packet or header field. It is never
// retried; the producer must fix the packet.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// SafeID reports whether id is usable as a packet id and a filename stem.
func SafeID(id string) bool {
	return safeIDPattern.MatchString(id)
}

// ParsePacket splits raw into header and body. The document must begin with a
// delimiter line, a JSON object spanning one or more lines, and a closing
// delimiter line; whitespace around delimiters and a missing trailing newline
// are tolerated.
func ParsePacket(raw string) (*Header, string, error) {
	lines := strings.Split(raw, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != headerDelimiter {
		return nil, "", ErrNotPacket
	}
	closing := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == headerDelimiter {
			closing = i
			break
		}
	}
	if closing < 0 {
		return nil, "", &ValidationError{Reason: "header delimiter pair is not closed"}
	}
	headerJSON := strings.Join(lines[1:closing], "\n")
	var doc map[string]any
	if err := json.Unmarshal([]byte(headerJSON), &doc); err != nil {
		return nil, "", &ValidationError{Reason: fmt.Sprintf("header is not a JSON object: %v", err)}
	}
	h, err := headerFromDoc(doc)
	if err != nil {
		return nil, "", err
	}
	body := ""
	if closing+1 < len(lines) {
		body = strings.Join(lines[closing+1:], "\n")
	}
	return h, body, nil
}

func headerFromDoc(doc map[string]any) (*Header, error) {
	h := &Header{Extra: map[string]any{}}
	for key, val := range doc {
		switch key {
		case "id":
			h.ID, _ = val.(string)
		case "from":
			h.From, _ = val.(string)
		case "priority":
			h.Priority, _ = val.(string)
		case "title":
			h.Title, _ = val.(string)
		case "to":
			switch t := val.(type) {
			case []any:
				for _, item := range t {
					s, ok := item.(string)
					if !ok {
						return nil, &ValidationError{Field: "to", Reason: "recipients must be strings"}
					}
					h.To = append(h.To, s)
				}
			case string:
				// Single-recipient shorthand accepted on parse, normalized on render.
				h.To = []string{t}
			default:
				return nil, &ValidationError{Field: "to", Reason: "must be a list of agent names"}
			}
		case "signals":
			m, ok := asStringMap(val)
			if !ok {
				return nil, &ValidationError{Field: "signals", Reason: "must be a mapping"}
			}
			h.Signals = m
		case "references":
			m, ok := asStringMap(val)
			if !ok {
				return nil, &ValidationError{Field: "references", Reason: "must be a mapping"}
			}
			h.References = m
		default:
			h.Extra[key] = val
		}
	}
	return h, nil
}

func asStringMap(v any) (map[string]any, bool) {
	if v == nil {
		return nil, true
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// ValidateHeader enforces required field presence and shape. Roster-dependent
// checks (unknown recipients) belong to delivery.
func ValidateHeader(h *Header) error {
	if h == nil {
		return &ValidationError{Reason: "header is required"}
	}
	if !SafeID(h.ID) {
		return &ValidationError{Field: "id", Reason: fmt.Sprintf("unsafe or missing id %q", h.ID)}
	}
	if len(h.To) == 0 {
		return &ValidationError{Field: "to", Reason: "at least one recipient is required"}
	}
	seen := map[string]bool{}
	for _, name := range h.To {
		name = strings.TrimSpace(name)
		if name == "" {
			return &ValidationError{Field: "to", Reason: "empty recipient name"}
		}
		if seen[name] {
			return &ValidationError{Field: "to", Reason: fmt.Sprintf("duplicate recipient %q", name)}
		}
		seen[name] = true
	}
	if strings.TrimSpace(h.From) == "" {
		return &ValidationError{Field: "from", Reason: "sender is required"}
	}
	if strings.TrimSpace(h.Title) == "" {
		return &ValidationError{Field: "title", Reason: "title is required"}
	}
	if strings.ContainsAny(h.Title, "\r\n") {
		return &ValidationError{Field: "title", Reason: "title must be a single line"}
	}
	return nil
}

// RenderPacket produces the canonical packet encoding: header block first,
// body trailing, body normalized to end with exactly one newline.
func RenderPacket(h *Header, body string) (string, error) {
	doc := map[string]any{
		"id":    h.ID,
		"to":    h.To,
		"from":  h.From,
		"title": h.Title,
	}
	if h.Priority != "" {
		doc["priority"] = h.Priority
	}
	if h.Signals != nil {
		doc["signals"] = h.Signals
	}
	if h.References != nil {
		doc["references"] = h.References
	}
	for k, v := range h.Extra {
		if _, taken := doc[k]; taken {
			continue
		}
		doc[k] = v
	}
	headerJSON, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode header: %w", err)
	}
	body = strings.TrimRight(body, "\n") + "\n"
	return headerDelimiter + "\n" + string(headerJSON) + "\n" + headerDelimiter + "\n" + body, nil
}

// Signal accessors. Reserved keys live in the open signals mapping so unknown
// producer fields survive rerender.

func (h *Header) signalString(key string) string {
	if h == nil || h.Signals == nil {
		return ""
	}
	s, _ := h.Signals[key].(string)
	return strings.TrimSpace(s)
}

func (h *Header) signalBool(key string, def bool) bool {
	if h == nil || h.Signals == nil {
		return def
	}
	v, ok := h.Signals[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func (h *Header) Kind() string  { return h.signalString("kind") }
func (h *Header) Phase() string { return h.signalString("phase") }

// RootID defaults to the packet's own id: a packet with no explicit root
// starts a workflow.
func (h *Header) RootID() string {
	if root := h.signalString("rootId"); root != "" {
		return root
	}
	return h.ID
}

// ParentID defaults to RootID for every non-USER_REQUEST packet.
func (h *Header) ParentID() string {
	if parent := h.signalString("parentId"); parent != "" {
		return parent
	}
	if h.Kind() == KindUserRequest {
		return ""
	}
	return h.RootID()
}

func (h *Header) Smoke() bool          { return h.signalBool("smoke", false) }
func (h *Header) ReviewRequired() bool { return h.signalBool("reviewRequired", false) }

// NotifyOrchestrator defaults to true: closure emits a TASK_COMPLETE notice
// unless the producer opted out.
func (h *Header) NotifyOrchestrator() bool { return h.signalBool("notifyOrchestrator", true) }

func (h *Header) referenceString(key string) string {
	if h == nil || h.References == nil {
		return ""
	}
	s, _ := h.References[key].(string)
	return strings.TrimSpace(s)
}

// GitContract is the git preflight contract carried in references.git.
type GitContract struct {
	BaseBranch        string
	BaseSha           string
	WorkBranch        string
	IntegrationBranch string
	ExpectedDeploy    string
}

// Git extracts references.git; a missing or malformed mapping yields nil.
func (h *Header) Git() *GitContract {
	if h == nil || h.References == nil {
		return nil
	}
	m, ok := h.References["git"].(map[string]any)
	if !ok {
		return nil
	}
	get := func(key string) string {
		s, _ := m[key].(string)
		return strings.TrimSpace(s)
	}
	return &GitContract{
		BaseBranch:        get("baseBranch"),
		BaseSha:           get("baseSha"),
		WorkBranch:        get("workBranch"),
		IntegrationBranch: get("integrationBranch"),
		ExpectedDeploy:    get("expectedDeploy"),
	}
}

// ReviewTarget is the signals.reviewTarget mapping on review-required packets.
type ReviewTarget struct {
	CommitSha    string
	SourceTaskID string
	SourceAgent  string
	ReceiptPath  string
	SourceKind   string
}

func (h *Header) ReviewTarget() *ReviewTarget {
	if h == nil || h.Signals == nil {
		return nil
	}
	m, ok := h.Signals["reviewTarget"].(map[string]any)
	if !ok {
		return nil
	}
	get := func(key string) string {
		s, _ := m[key].(string)
		return strings.TrimSpace(s)
	}
	return &ReviewTarget{
		CommitSha:    get("commitSha"),
		SourceTaskID: get("sourceTaskId"),
		SourceAgent:  get("sourceAgent"),
		ReceiptPath:  get("receiptPath"),
		SourceKind:   get("sourceKind"),
	}
}

// Clone returns a deep copy so callers can patch headers without aliasing
// the open mappings.
func (h *Header) Clone() *Header {
	if h == nil {
		return nil
	}
	out := &Header{
		ID:       h.ID,
		To:       append([]string{}, h.To...),
		From:     h.From,
		Priority: h.Priority,
		Title:    h.Title,
	}
	out.Signals = cloneMap(h.Signals)
	out.References = cloneMap(h.References)
	out.Extra = cloneMap(h.Extra)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if m, ok := v.(map[string]any); ok {
			out[k] = cloneMap(m)
			continue
		}
		if s, ok := v.([]any); ok {
			out[k] = append([]any{}, s...)
			continue
		}
		out[k] = v
	}
	return out
}

// HeaderSnapshot flattens a header into the JSON shape stored in receipts.
func HeaderSnapshot(h *Header) map[string]any {
	if h == nil {
		return nil
	}
	snap := map[string]any{
		"id":    h.ID,
		"to":    append([]string{}, h.To...),
		"from":  h.From,
		"title": h.Title,
	}
	if h.Priority != "" {
		snap["priority"] = h.Priority
	}
	if h.Signals != nil {
		snap["signals"] = cloneMap(h.Signals)
	}
	if h.References != nil {
		snap["references"] = cloneMap(h.References)
	}
	extraKeys := make([]string, 0, len(h.Extra))
	for k := range h.Extra {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		if _, taken := snap[k]; !taken {
			snap[k] = h.Extra[k]
		}
	}
	return snap
}
