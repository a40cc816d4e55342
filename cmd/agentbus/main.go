package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/oklog/ulid/v2"

	"github.com/strongdm/agentbus/internal/bus"
	"github.com/strongdm/agentbus/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		cmdInit(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "recent":
		cmdRecent(os.Args[2:])
	case "open-tasks":
		cmdOpenTasks(os.Args[2:])
	case "send":
		cmdSend(os.Args[2:])
	case "send-text":
		cmdSendText(os.Args[2:])
	case "update":
		cmdUpdate(os.Args[2:])
	case "open":
		cmdOpen(os.Args[2:])
	case "close":
		cmdClose(os.Args[2:])
	case "worker":
		cmdWorker(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  agentbus init [--bus-root <dir>] [--roster <file.yaml>]")
	fmt.Fprintln(os.Stderr, "  agentbus status [--agent <name>]")
	fmt.Fprintln(os.Stderr, "  agentbus recent [--agent <name>] [--limit <n>] [--format json|lines]")
	fmt.Fprintln(os.Stderr, "  agentbus open-tasks [--agent <name>] [--root-id <id>] [--limit <n>] [--format json|lines]")
	fmt.Fprintln(os.Stderr, "  agentbus send <file>")
	fmt.Fprintln(os.Stderr, "  agentbus send-text --to <a[,b]> [--from <name>] [--title <t>] [--body <t>|--body-file <f>|--body-stdin]")
	fmt.Fprintln(os.Stderr, "                     [--id <id>] [--priority <p>] [--kind <k>] [--phase <ph>] [--root-id <id>] [--parent-id <id>]")
	fmt.Fprintln(os.Stderr, "                     [--signal k=v]... [--ref k=v]... [--signals-json <obj>] [--references-json <obj>] [--smoke]")
	fmt.Fprintln(os.Stderr, "  agentbus update --agent <name> --id <id> [--by <who>] [--title <t>] [--priority <p>]")
	fmt.Fprintln(os.Stderr, "                  [--signal k=v]... [--ref k=v]... [--signals-json <obj>] [--references-json <obj>]")
	fmt.Fprintln(os.Stderr, "                  [--append <t>|--append-file <f>|--append-stdin]")
	fmt.Fprintln(os.Stderr, "  agentbus open --agent <name> --id <id> [--no-mark-seen]")
	fmt.Fprintln(os.Stderr, "  agentbus close --agent <name> --id <id> [--outcome <done|blocked|failed|needs_review|skipped>]")
	fmt.Fprintln(os.Stderr, "                 [--note <n>] [--commit-sha <sha>] [--receipt-json <obj>|--receipt-file <f>] [--no-notify-orchestrator]")
	fmt.Fprintln(os.Stderr, "  agentbus worker --agent <name> [--once] [--workdir <dir>] [--strict-git] [--auto-remediate <n>]")
	fmt.Fprintln(os.Stderr, "global: --bus-root <dir> --roster <file.yaml> (env: AGENTBUS_ROOT, AGENTBUS_ROSTER, AGENTBUS_SUSPICIOUS_POLICY)")
}

// common holds the flags every command accepts.
type common struct {
	busRoot    string
	rosterPath string
}

func (c *common) take(args []string, i *int) bool {
	switch args[*i] {
	case "--bus-root":
		c.busRoot = requireValue(args, i, "--bus-root")
		return true
	case "--roster":
		c.rosterPath = requireValue(args, i, "--roster")
		return true
	}
	return false
}

func (c *common) openBus() (*bus.Store, *bus.Roster) {
	roster, err := bus.LoadRoster(bus.RosterPathFromEnv(c.rosterPath))
	if err != nil {
		fatal(err)
	}
	store, err := bus.NewStore(bus.RootFromEnv(c.busRoot))
	if err != nil {
		fatal(err)
	}
	return store, roster
}

func requireValue(args []string, i *int, flag string) string {
	*i++
	if *i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
	return args[*i]
}

func unknownArg(arg string) {
	fmt.Fprintf(os.Stderr, "unknown arg: %s\n", arg)
	os.Exit(1)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	var suspicious *bus.SuspiciousContentError
	if errors.As(err, &suspicious) {
		os.Exit(2)
	}
	os.Exit(1)
}

func cmdInit(args []string) {
	var c common
	for i := 0; i < len(args); i++ {
		if c.take(args, &i) {
			continue
		}
		unknownArg(args[i])
	}
	store, roster := c.openBus()
	if err := store.EnsureBusRoot(roster); err != nil {
		fatal(err)
	}
	fmt.Printf("bus_root=%s\n", store.Root)
	fmt.Printf("agents=%s\n", strings.Join(roster.AgentNames(), ","))
	os.Exit(0)
}

func cmdStatus(args []string) {
	var c common
	var agent string
	for i := 0; i < len(args); i++ {
		if c.take(args, &i) {
			continue
		}
		switch args[i] {
		case "--agent":
			agent = requireValue(args, &i, "--agent")
		default:
			unknownArg(args[i])
		}
	}
	store, roster := c.openBus()
	agents := roster.AgentNames()
	if agent != "" {
		agents = []string{agent}
	}
	for _, name := range agents {
		var parts []string
		for _, state := range bus.AllStates {
			ids, err := store.ListInboxTaskIDs(name, state)
			if err != nil {
				fatal(err)
			}
			parts = append(parts, fmt.Sprintf("%s=%d", state, len(ids)))
		}
		fmt.Printf("%s %s\n", name, strings.Join(parts, " "))
	}
	os.Exit(0)
}

func cmdRecent(args []string) {
	var c common
	var agent string
	limit := 10
	format := "lines"
	for i := 0; i < len(args); i++ {
		if c.take(args, &i) {
			continue
		}
		switch args[i] {
		case "--agent":
			agent = requireValue(args, &i, "--agent")
		case "--limit":
			limit = requirePositiveInt(args, &i, "--limit")
		case "--format":
			format = requireFormat(args, &i)
		default:
			unknownArg(args[i])
		}
	}
	store, roster := c.openBus()
	agents := roster.AgentNames()
	if agent != "" {
		agents = []string{agent}
	}
	all := []*bus.Receipt{}
	for _, name := range agents {
		receipts, err := store.ListReceipts(name, limit)
		if err != nil {
			fatal(err)
		}
		all = append(all, receipts...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ClosedAt.After(all[j].ClosedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	if format == "json" {
		printJSON(all)
		os.Exit(0)
	}
	for _, r := range all {
		line := fmt.Sprintf("%s %s %s %s", r.ClosedAt.Format("2006-01-02T15:04:05Z07:00"), r.Agent, r.TaskID, r.Outcome)
		if r.CommitSha != "" {
			line += " " + r.CommitSha
		}
		if r.Note != "" {
			line += " " + firstLine(r.Note)
		}
		fmt.Println(line)
	}
	os.Exit(0)
}

type openTaskRow struct {
	Agent    string `json:"agent"`
	State    string `json:"state"`
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Priority string `json:"priority"`
	Title    string `json:"title"`
	RootID   string `json:"rootId"`
	Path     string `json:"path"`
}

func cmdOpenTasks(args []string) {
	var c common
	var agent, rootID string
	limit := 0
	format := "lines"
	for i := 0; i < len(args); i++ {
		if c.take(args, &i) {
			continue
		}
		switch args[i] {
		case "--agent":
			agent = requireValue(args, &i, "--agent")
		case "--root-id":
			rootID = requireValue(args, &i, "--root-id")
		case "--limit":
			limit = requirePositiveInt(args, &i, "--limit")
		case "--format":
			format = requireFormat(args, &i)
		default:
			unknownArg(args[i])
		}
	}
	store, roster := c.openBus()
	agents := roster.AgentNames()
	if agent != "" {
		agents = []string{agent}
	}
	rows := []openTaskRow{}
	for _, name := range agents {
		for _, state := range []string{bus.StateInProgress, bus.StateSeen, bus.StateNew} {
			ids, err := store.ListInboxTaskIDs(name, state)
			if err != nil {
				fatal(err)
			}
			for _, id := range ids {
				task, err := store.OpenTask(name, id, false)
				if err != nil {
					fmt.Fprintf(os.Stderr, "WARNING: %s/%s: %v\n", state, id, err)
					continue
				}
				if rootID != "" && task.Header.RootID() != rootID {
					continue
				}
				rows = append(rows, openTaskRow{
					Agent:    name,
					State:    state,
					ID:       id,
					Kind:     task.Header.Kind(),
					Priority: task.Header.Priority,
					Title:    task.Header.Title,
					RootID:   task.Header.RootID(),
					Path:     task.Path,
				})
			}
		}
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	if format == "json" {
		printJSON(rows)
		os.Exit(0)
	}
	for _, row := range rows {
		fmt.Printf("%s %s %s kind=%s priority=%s title=%q\n",
			row.Agent, row.State, row.ID, row.Kind, row.Priority, row.Title)
	}
	os.Exit(0)
}

// cmdSend delivers a pre-rendered packet file as-is.
func cmdSend(args []string) {
	var c common
	var file string
	for i := 0; i < len(args); i++ {
		if c.take(args, &i) {
			continue
		}
		if strings.HasPrefix(args[i], "--") {
			unknownArg(args[i])
		}
		if file != "" {
			fmt.Fprintln(os.Stderr, "send takes a single packet file")
			os.Exit(1)
		}
		file = args[i]
	}
	if file == "" {
		usage()
		os.Exit(1)
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		fatal(err)
	}
	h, body, err := bus.ParsePacket(string(raw))
	if err != nil {
		fatal(err)
	}
	store, roster := c.openBus()
	res, err := store.Deliver(roster, h, body, bus.SuspiciousPolicyFromEnv())
	if err != nil {
		fatal(err)
	}
	printDelivery(h.ID, res)
	os.Exit(0)
}

// cmdSendText synthesizes a packet from flags and text.
func cmdSendText(args []string) {
	var c common
	var to, from, title, id, priority, kind, phase, rootID, parentID string
	var body, bodyFile, signalsJSON, referencesJSON string
	var bodyStdin, smoke bool
	signals := map[string]any{}
	references := map[string]any{}
	for i := 0; i < len(args); i++ {
		if c.take(args, &i) {
			continue
		}
		switch args[i] {
		case "--to":
			to = requireValue(args, &i, "--to")
		case "--from":
			from = requireValue(args, &i, "--from")
		case "--title":
			title = requireValue(args, &i, "--title")
		case "--id":
			id = requireValue(args, &i, "--id")
		case "--priority":
			priority = requireValue(args, &i, "--priority")
		case "--kind":
			kind = requireValue(args, &i, "--kind")
		case "--phase":
			phase = requireValue(args, &i, "--phase")
		case "--root-id":
			rootID = requireValue(args, &i, "--root-id")
		case "--parent-id":
			parentID = requireValue(args, &i, "--parent-id")
		case "--signal":
			addPair(signals, requireValue(args, &i, "--signal"), "--signal")
		case "--ref":
			addPair(references, requireValue(args, &i, "--ref"), "--ref")
		case "--signals-json":
			signalsJSON = requireValue(args, &i, "--signals-json")
		case "--references-json":
			referencesJSON = requireValue(args, &i, "--references-json")
		case "--smoke":
			smoke = true
		case "--body":
			body = requireValue(args, &i, "--body")
		case "--body-file":
			bodyFile = requireValue(args, &i, "--body-file")
		case "--body-stdin":
			bodyStdin = true
		default:
			unknownArg(args[i])
		}
	}
	if to == "" {
		usage()
		os.Exit(1)
	}
	mergeJSONFlag(signals, signalsJSON, "--signals-json")
	mergeJSONFlag(references, referencesJSON, "--references-json")
	text := bodySource(body, bodyFile, bodyStdin, "--body")
	if title == "" {
		title = firstLine(text)
		if len(title) > 80 {
			title = title[:80]
		}
	}
	if title == "" {
		fmt.Fprintln(os.Stderr, "send-text needs --title or a body to derive it from")
		os.Exit(1)
	}
	if from == "" {
		from = "daddy"
	}
	if id == "" {
		id = strings.ToLower(ulid.Make().String())
	}
	if kind != "" {
		signals["kind"] = kind
	}
	if phase != "" {
		signals["phase"] = phase
	}
	if rootID != "" {
		signals["rootId"] = rootID
	}
	if parentID != "" {
		signals["parentId"] = parentID
	}
	if smoke {
		signals["smoke"] = true
	}
	h := &bus.Header{
		ID:         id,
		To:         splitList(to),
		From:       from,
		Title:      title,
		Priority:   priority,
		Signals:    signals,
		References: references,
	}
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	store, roster := c.openBus()
	res, err := store.Deliver(roster, h, text, bus.SuspiciousPolicyFromEnv())
	if err != nil {
		fatal(err)
	}
	printDelivery(id, res)
	os.Exit(0)
}

func printDelivery(id string, res *bus.DeliverResult) {
	fmt.Printf("id=%s\n", id)
	for _, p := range res.Paths {
		fmt.Printf("delivered=%s\n", p)
	}
	for _, hit := range res.SuspiciousHits {
		fmt.Fprintf(os.Stderr, "WARNING: suspicious content: %s\n", hit)
	}
}

func cmdUpdate(args []string) {
	var c common
	var agent, id, by, title, priority string
	var appendText, appendFile, signalsJSON, referencesJSON string
	var appendStdin bool
	signals := map[string]any{}
	references := map[string]any{}
	for i := 0; i < len(args); i++ {
		if c.take(args, &i) {
			continue
		}
		switch args[i] {
		case "--agent":
			agent = requireValue(args, &i, "--agent")
		case "--id":
			id = requireValue(args, &i, "--id")
		case "--by":
			by = requireValue(args, &i, "--by")
		case "--title":
			title = requireValue(args, &i, "--title")
		case "--priority":
			priority = requireValue(args, &i, "--priority")
		case "--signal":
			addPair(signals, requireValue(args, &i, "--signal"), "--signal")
		case "--ref":
			addPair(references, requireValue(args, &i, "--ref"), "--ref")
		case "--signals-json":
			signalsJSON = requireValue(args, &i, "--signals-json")
		case "--references-json":
			referencesJSON = requireValue(args, &i, "--references-json")
		case "--append":
			appendText = requireValue(args, &i, "--append")
		case "--append-file":
			appendFile = requireValue(args, &i, "--append-file")
		case "--append-stdin":
			appendStdin = true
		default:
			unknownArg(args[i])
		}
	}
	if agent == "" || id == "" {
		usage()
		os.Exit(1)
	}
	if by == "" {
		by = "daddy"
	}
	mergeJSONFlag(signals, signalsJSON, "--signals-json")
	mergeJSONFlag(references, referencesJSON, "--references-json")
	store, _ := c.openBus()
	path, err := store.UpdateTask(agent, id, bus.UpdatePatch{
		Title:      title,
		Priority:   priority,
		Signals:    signals,
		References: references,
		Append:     bodySource(appendText, appendFile, appendStdin, "--append"),
		UpdatedBy:  by,
	})
	if err != nil {
		fatal(err)
	}
	fmt.Printf("updated=%s\n", path)
	os.Exit(0)
}

func cmdOpen(args []string) {
	var c common
	var agent, id string
	var noMarkSeen bool
	for i := 0; i < len(args); i++ {
		if c.take(args, &i) {
			continue
		}
		switch args[i] {
		case "--agent":
			agent = requireValue(args, &i, "--agent")
		case "--id":
			id = requireValue(args, &i, "--id")
		case "--no-mark-seen":
			noMarkSeen = true
		default:
			unknownArg(args[i])
		}
	}
	if agent == "" || id == "" {
		usage()
		os.Exit(1)
	}
	store, _ := c.openBus()
	task, err := store.OpenTask(agent, id, !noMarkSeen)
	if err != nil {
		fatal(err)
	}
	rendered, err := bus.RenderPacket(task.Header, task.Body)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("state=%s\npath=%s\n", task.State, task.Path)
	fmt.Print(rendered)
	os.Exit(0)
}

func cmdClose(args []string) {
	var c common
	var agent, id, outcome, note, commit, receiptJSON, receiptFile string
	var noNotify bool
	for i := 0; i < len(args); i++ {
		if c.take(args, &i) {
			continue
		}
		switch args[i] {
		case "--agent":
			agent = requireValue(args, &i, "--agent")
		case "--id":
			id = requireValue(args, &i, "--id")
		case "--outcome":
			outcome = requireValue(args, &i, "--outcome")
		case "--note":
			note = requireValue(args, &i, "--note")
		case "--commit-sha":
			commit = requireValue(args, &i, "--commit-sha")
		case "--receipt-json":
			receiptJSON = requireValue(args, &i, "--receipt-json")
		case "--receipt-file":
			receiptFile = requireValue(args, &i, "--receipt-file")
		case "--no-notify-orchestrator":
			noNotify = true
		default:
			unknownArg(args[i])
		}
	}
	if agent == "" || id == "" {
		usage()
		os.Exit(1)
	}
	if outcome == "" {
		outcome = bus.OutcomeDone
	}
	if receiptJSON != "" && receiptFile != "" {
		fmt.Fprintln(os.Stderr, "--receipt-json and --receipt-file are mutually exclusive")
		os.Exit(1)
	}
	if receiptFile != "" {
		b, err := os.ReadFile(receiptFile)
		if err != nil {
			fatal(err)
		}
		receiptJSON = string(b)
	}
	extra := map[string]any{}
	mergeJSONFlag(extra, receiptJSON, "--receipt-json")
	store, roster := c.openBus()
	res, err := store.Close(roster, bus.CloseRequest{
		Agent:              agent,
		ID:                 id,
		Outcome:            outcome,
		Note:               note,
		CommitSha:          commit,
		ReceiptExtra:       extra,
		NotifyOrchestrator: !noNotify,
		Policy:             bus.SuspiciousPolicyFromEnv(),
	})
	if err != nil {
		fatal(err)
	}
	fmt.Printf("receipt=%s\n", res.ReceiptPath)
	fmt.Printf("receipt_created=%t\n", res.ReceiptCreated)
	if res.NoticePath != "" {
		fmt.Printf("notice=%s\n", res.NoticePath)
	}
	os.Exit(0)
}

func cmdWorker(args []string) {
	var c common
	var agent, workdir string
	var once, strictGit bool
	autoRemediate := 0
	for i := 0; i < len(args); i++ {
		if c.take(args, &i) {
			continue
		}
		switch args[i] {
		case "--agent":
			agent = requireValue(args, &i, "--agent")
		case "--workdir":
			workdir = requireValue(args, &i, "--workdir")
		case "--once":
			once = true
		case "--strict-git":
			strictGit = true
		case "--auto-remediate":
			v := requireValue(args, &i, "--auto-remediate")
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				fmt.Fprintf(os.Stderr, "--auto-remediate %q is not a non-negative integer\n", v)
				os.Exit(1)
			}
			autoRemediate = n
		default:
			unknownArg(args[i])
		}
	}
	if agent == "" {
		usage()
		os.Exit(1)
	}
	store, roster := c.openBus()
	if !roster.KnownAgent(agent) {
		fmt.Fprintf(os.Stderr, "unknown agent %q\n", agent)
		os.Exit(1)
	}
	if err := store.EnsureBusRoot(roster); err != nil {
		fatal(err)
	}
	w, err := worker.New(worker.Config{
		Agent:              agent,
		Store:              store,
		Roster:             roster,
		Workdir:            workdir,
		Policy:             bus.SuspiciousPolicyFromEnv(),
		StrictGitPreflight: strictGit,
		AutoRemediate:      autoRemediate,
		Once:               once,
	})
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := w.Run(ctx); err != nil {
		if errors.Is(err, worker.ErrDuplicateWorker) {
			fmt.Fprintf(os.Stderr, "worker for %s already running\n", agent)
			os.Exit(1)
		}
		fatal(err)
	}
	os.Exit(0)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func addPair(dst map[string]any, raw, flag string) {
	parts := strings.SplitN(raw, "=", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		fmt.Fprintf(os.Stderr, "%s %q is invalid; expected key=value\n", flag, raw)
		os.Exit(1)
	}
	key := strings.TrimSpace(parts[0])
	val := parts[1]
	switch val {
	case "true":
		dst[key] = true
	case "false":
		dst[key] = false
	default:
		dst[key] = val
	}
}

// bodySource resolves one of the inline, file, or stdin text forms. The three
// are mutually exclusive; flag names the inline form for error messages.
func bodySource(inline, file string, stdin bool, flag string) string {
	set := 0
	for _, on := range []bool{inline != "", file != "", stdin} {
		if on {
			set++
		}
	}
	if set > 1 {
		fmt.Fprintf(os.Stderr, "%s, %s-file and %s-stdin are mutually exclusive\n", flag, flag, flag)
		os.Exit(1)
	}
	switch {
	case inline != "":
		return inline
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			fatal(err)
		}
		return string(b)
	case stdin:
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatal(err)
		}
		return string(b)
	}
	return ""
}

// mergeJSONFlag unmarshals a JSON object flag into dst, overriding any
// key=value pairs set earlier on the command line.
func mergeJSONFlag(dst map[string]any, raw, flag string) {
	if raw == "" {
		return
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		fmt.Fprintf(os.Stderr, "%s is not a JSON object: %v\n", flag, err)
		os.Exit(1)
	}
	for k, v := range m {
		dst[k] = v
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal(err)
	}
}

func requirePositiveInt(args []string, i *int, flag string) int {
	v := requireValue(args, i, flag)
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		fmt.Fprintf(os.Stderr, "%s %q is not a positive integer\n", flag, v)
		os.Exit(1)
	}
	return n
}

func requireFormat(args []string, i *int) string {
	v := requireValue(args, i, "--format")
	if v != "json" && v != "lines" {
		fmt.Fprintf(os.Stderr, "--format %q is not json or lines\n", v)
		os.Exit(1)
	}
	return v
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
