package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/chatwatch/chatwatch/internal/datadir"
	"github.com/chatwatch/chatwatch/internal/status"
)

func main() {
	dataDirFlag := flag.String("data-dir", "", "data directory (overrides CHATWATCH_DATA_DIR and ~/.chatwatch)")
	addrFlag := flag.String("addr", "127.0.0.1:8180", "daemon HTTP address")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	dataDir := *dataDirFlag
	if dataDir == "" {
		dataDir = datadir.Base()
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &ctl{
		base:    "http://" + *addrFlag,
		dataDir: dataDir,
		json:    *jsonFlag,
		client:  &http.Client{Timeout: 10 * time.Second},
	}

	switch args[0] {
	case "status":
		c.cmdStatus()
	case "interrupt":
		c.cmdInterrupt()
	case "scan":
		c.cmdScan(args[1:])
	case "changes":
		c.cmdChanges(args[1:])
	case "top-edited":
		c.cmdTopEdited()
	case "sessions":
		c.cmdSessions()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatwatchctl [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status              Show run status")
	fmt.Fprintln(os.Stderr, "  interrupt           Request interruption of the active run")
	fmt.Fprintln(os.Stderr, "  scan [full] [conversation <id>] [limit <n>]")
	fmt.Fprintln(os.Stderr, "                      Start a scan run")
	fmt.Fprintln(os.Stderr, "  changes [<hours>]   Show recent change history (default 24h)")
	fmt.Fprintln(os.Stderr, "  top-edited          Show the most edited messages")
	fmt.Fprintln(os.Stderr, "  sessions            Show recent scan sessions")
}

type ctl struct {
	base    string
	dataDir string
	json    bool
	client  *http.Client
}

func (c *ctl) get(path string, out any) error {
	resp, err := c.client.Get(c.base + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *ctl) post(path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.client.Post(c.base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon returned %s: %s", resp.Status, bytes.TrimSpace(respBody))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// cmdStatus asks the daemon first and falls back to the status file, so a
// stopped daemon still answers "what was the last run doing".
func (c *ctl) cmdStatus() {
	var out map[string]any
	if err := c.get("/api/status", &out); err == nil {
		if c.json {
			outputJSON(out)
			return
		}
		run, _ := out["run"].(map[string]any)
		fmt.Printf("Phase:     %v\n", out["phase"])
		fmt.Printf("Active:    %v\n", run["is_active"])
		fmt.Printf("Operation: %v\n", run["current_operation"])
		if conv, ok := run["current_conversation"].(string); ok && conv != "" {
			fmt.Printf("Current:   %s\n", conv)
		}
		if prog, ok := run["progress"].(map[string]any); ok {
			fmt.Printf("Progress:  %v/%v (eta %.0fs)\n",
				prog["processed_units"], prog["total_units"], prog["eta_seconds"])
		}
		fmt.Printf("Bridge:    running=%v\n", out["bridge_running"])
		return
	}

	snap, err := status.Read(datadir.StatusPath(c.dataDir))
	if err != nil {
		fatal(fmt.Errorf("daemon unreachable and no status file: %w", err))
	}
	if c.json {
		outputJSON(snap)
		return
	}
	fmt.Println("(daemon unreachable, showing last recorded status)")
	fmt.Printf("Phase:     %s\n", snap.Phase)
	fmt.Printf("Operation: %s\n", snap.CurrentOperation)
	fmt.Printf("Updated:   %s\n", time.UnixMilli(snap.LastUpdate).Format(time.RFC3339))
}

func (c *ctl) cmdInterrupt() {
	var out map[string]any
	if err := c.post("/api/interrupt", nil, &out); err != nil {
		fatal(err)
	}
	if c.json {
		outputJSON(out)
		return
	}
	fmt.Println("Interruption requested. The run will stop at the next message boundary.")
}

func (c *ctl) cmdScan(args []string) {
	req := map[string]any{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "full":
			req["force_full"] = true
		case "conversation":
			if i+1 >= len(args) {
				fatal(fmt.Errorf("conversation requires an id"))
			}
			i++
			req["conversation"] = args[i]
		case "limit":
			if i+1 >= len(args) {
				fatal(fmt.Errorf("limit requires a number"))
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fatal(fmt.Errorf("limit: %w", err))
			}
			req["limit"] = n
		default:
			fatal(fmt.Errorf("unknown scan option: %s", args[i]))
		}
	}

	var out map[string]any
	if err := c.post("/api/scan", req, &out); err != nil {
		fatal(err)
	}
	if c.json {
		outputJSON(out)
		return
	}
	fmt.Println("Scan started. Use 'chatwatchctl status' to follow progress.")
}

func (c *ctl) cmdChanges(args []string) {
	hours := 24
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fatal(fmt.Errorf("hours: %w", err))
		}
		hours = n
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour).UnixMilli()

	var out struct {
		Entries []struct {
			ConversationID string  `json:"conversation_id"`
			MsgID          string  `json:"msg_id"`
			Action         string  `json:"action"`
			OldBody        *string `json:"old_body"`
			NewBody        *string `json:"new_body"`
			RecordedAt     int64   `json:"recorded_at"`
		} `json:"entries"`
	}
	q := url.Values{"since": {strconv.FormatInt(since, 10)}}
	if err := c.get("/api/history?"+q.Encode(), &out); err != nil {
		fatal(err)
	}
	if c.json {
		outputJSON(out)
		return
	}
	if len(out.Entries) == 0 {
		fmt.Printf("No changes in the last %dh.\n", hours)
		return
	}
	for _, e := range out.Entries {
		ts := time.UnixMilli(e.RecordedAt).Format("2006-01-02 15:04")
		switch e.Action {
		case "edited":
			fmt.Printf("%s  edited   %s/%s: %s -> %s\n", ts, e.ConversationID, e.MsgID, str(e.OldBody), str(e.NewBody))
		case "deleted":
			fmt.Printf("%s  deleted  %s/%s: %s\n", ts, e.ConversationID, e.MsgID, str(e.OldBody))
		default:
			fmt.Printf("%s  %-8s %s/%s\n", ts, e.Action, e.ConversationID, e.MsgID)
		}
	}
}

func (c *ctl) cmdTopEdited() {
	var out struct {
		Messages []struct {
			ConversationID string  `json:"conversation_id"`
			MsgID          string  `json:"msg_id"`
			EditCount      int     `json:"edit_count"`
			CurrentBody    *string `json:"current_body"`
		} `json:"messages"`
	}
	if err := c.get("/api/history/top-messages", &out); err != nil {
		fatal(err)
	}
	if c.json {
		outputJSON(out)
		return
	}
	for _, m := range out.Messages {
		fmt.Printf("%3d edits  %s/%s  %s\n", m.EditCount, m.ConversationID, m.MsgID, str(m.CurrentBody))
	}
}

func (c *ctl) cmdSessions() {
	var out struct {
		Sessions []struct {
			ID              string `json:"id"`
			StartedAt       int64  `json:"started_at"`
			EndedAt         int64  `json:"ended_at"`
			TotalMessages   int    `json:"total_messages"`
			ChangesDetected int    `json:"changes_detected"`
		} `json:"sessions"`
	}
	if err := c.get("/api/sessions", &out); err != nil {
		fatal(err)
	}
	if c.json {
		outputJSON(out)
		return
	}
	for _, s := range out.Sessions {
		state := "running"
		if s.EndedAt > 0 {
			state = time.UnixMilli(s.EndedAt).Sub(time.UnixMilli(s.StartedAt)).Round(time.Second).String()
		}
		fmt.Printf("%s  %s  %d messages, %d changes (%s)\n",
			time.UnixMilli(s.StartedAt).Format("2006-01-02 15:04"), s.ID[:8], s.TotalMessages, s.ChangesDetected, state)
	}
}

func str(s *string) string {
	if s == nil {
		return "<no text>"
	}
	return *s
}

func outputJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(data))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
