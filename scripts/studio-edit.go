package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type options struct {
	server      string
	agentID     string
	displayName string
	kind        string
	path        string
	payloadJSON string
	count       int
	watch       time.Duration
}

type frame struct {
	Type      string          `json:"type"`
	Sequence  int64           `json:"sequence,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Intent    json.RawMessage `json:"intent,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func main() {
	var opt options

	flag.StringVar(&opt.server, "server", "ws://127.0.0.1:8080", "studio server base URL")
	flag.StringVar(&opt.agentID, "agent-id", "smoke-agent", "agent being edited")
	flag.StringVar(&opt.displayName, "name", "smoke", "display name")
	flag.StringVar(&opt.kind, "kind", "component_update", "change kind: component_create|component_update|component_delete|agent_update")
	flag.StringVar(&opt.path, "path", "/prompts/0", "target path")
	flag.StringVar(&opt.payloadJSON, "payload-json", `{"text":"hello"}`, "payload JSON; %d is replaced by the edit number")
	flag.IntVar(&opt.count, "count", 1, "number of edits to submit")
	flag.DurationVar(&opt.watch, "watch", 0, "keep printing frames for this long after the edits")
	flag.Parse()

	if err := run(opt); err != nil {
		log.Fatal(err)
	}
}

// run joins the session, submits count edits and prints every server frame
// as one JSON line.
func run(opt options) error {
	endpoint, err := url.Parse(strings.TrimRight(opt.server, "/") + "/v1/studio/agents/" + url.PathEscape(opt.agentID) + "/ws")
	if err != nil {
		return err
	}
	endpoint.RawQuery = url.Values{"display_name": {opt.displayName}}.Encode()

	ws, resp, err := websocket.DefaultDialer.Dial(endpoint.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer ws.Close()

	out := json.NewEncoder(os.Stdout)
	read := func() (frame, error) {
		var raw json.RawMessage
		if err := ws.ReadJSON(&raw); err != nil {
			return frame{}, err
		}
		_ = out.Encode(raw)
		var f frame
		return f, json.Unmarshal(raw, &f)
	}

	welcome, err := read()
	if err != nil {
		return err
	}
	if welcome.Type != "welcome" {
		return fmt.Errorf("expected welcome, got %s", welcome.Type)
	}
	if err := ws.WriteJSON(frame{Type: "ack", Sequence: welcome.Sequence}); err != nil {
		return err
	}

	for i := 1; i <= opt.count; i++ {
		payload := opt.payloadJSON
		if strings.Contains(payload, "%d") {
			payload = fmt.Sprintf(payload, i)
		}
		intent := map[string]any{"kind": opt.kind, "targetPath": opt.path}
		if opt.kind != "component_delete" {
			intent["payload"] = json.RawMessage(payload)
		}
		raw, err := json.Marshal(intent)
		if err != nil {
			return err
		}
		requestID := fmt.Sprintf("edit-%d", i)
		if err := ws.WriteJSON(frame{Type: "submit", RequestID: requestID, Intent: raw}); err != nil {
			return err
		}
		if err := awaitReply(ws, read, requestID); err != nil {
			return err
		}
	}

	if opt.watch > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(opt.watch))
		for {
			f, err := read()
			if err != nil {
				break
			}
			if f.Type == "change" {
				_ = ws.WriteJSON(frame{Type: "ack", Sequence: f.Sequence})
			}
		}
	}
	return ws.WriteJSON(frame{Type: "leave"})
}

func awaitReply(ws *websocket.Conn, read func() (frame, error), requestID string) error {
	for {
		f, err := read()
		if err != nil {
			return err
		}
		switch {
		case f.Type == "change":
			if err := ws.WriteJSON(frame{Type: "ack", Sequence: f.Sequence}); err != nil {
				return err
			}
		case f.RequestID != requestID:
		case f.Type == "error":
			return fmt.Errorf("%s: %s", f.Error, f.Message)
		case f.Type == "submitted":
			return nil
		}
	}
}
