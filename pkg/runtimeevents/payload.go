package runtimeevents

import (
	"encoding/json"
	"fmt"
	"strings"
)

type envelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// decodeParams unmarshals the params of a payload whose method equals kind.
// It reports false for malformed payloads or a method mismatch.
func decodeParams(kind, payload string, out any) bool {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return false
	}
	if env.Method != kind || len(env.Params) == 0 || env.Params[0] != '{' {
		return false
	}
	return json.Unmarshal(env.Params, out) == nil
}

type errorInfo struct {
	Message string `json:"message"`
}

type turnInfo struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Error  *errorInfo `json:"error"`
}

type userInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
	URL  string `json:"url"`
	Path string `json:"path"`
	Name string `json:"name"`
}

// item is the union of runtime thread item shapes; only fields used for
// durable text are decoded.
type item struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	Status           string            `json:"status"`
	Text             string            `json:"text"`
	Summary          []string          `json:"summary"`
	Content          json.RawMessage   `json:"content"`
	Command          string            `json:"command"`
	AggregatedOutput *string           `json:"aggregatedOutput"`
	Changes          []json.RawMessage `json:"changes"`
	Server           string            `json:"server"`
	Tool             string            `json:"tool"`
	Error            *errorInfo        `json:"error"`
	Query            string            `json:"query"`
	Path             string            `json:"path"`
	Review           string            `json:"review"`
}

func (it item) role() string {
	switch it.Type {
	case "userMessage":
		return "user"
	case "agentMessage", "plan", "reasoning":
		return "assistant"
	case "commandExecution", "fileChange", "mcpToolCall", "collabAgentToolCall", "webSearch":
		return "tool"
	default:
		return "system"
	}
}

func flattenUserInput(in userInput) string {
	switch in.Type {
	case "text":
		return in.Text
	case "image":
		return "[image] " + in.URL
	case "localImage":
		return "[localImage] " + in.Path
	case "skill":
		return fmt.Sprintf("[skill] %s (%s)", in.Name, in.Path)
	case "mention":
		return fmt.Sprintf("[mention] %s (%s)", in.Name, in.Path)
	default:
		return ""
	}
}

func (it item) text() string {
	switch it.Type {
	case "userMessage":
		var inputs []userInput
		_ = json.Unmarshal(it.Content, &inputs)
		parts := make([]string, 0, len(inputs))
		for _, in := range inputs {
			parts = append(parts, flattenUserInput(in))
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	case "agentMessage", "plan":
		return it.Text
	case "reasoning":
		var content []string
		_ = json.Unmarshal(it.Content, &content)
		parts := append(append([]string{}, it.Summary...), content...)
		return strings.TrimSpace(strings.Join(parts, "\n"))
	case "commandExecution":
		if it.AggregatedOutput != nil {
			return *it.AggregatedOutput
		}
		return it.Command
	case "fileChange":
		return fmt.Sprintf("File changes: %d", len(it.Changes))
	case "mcpToolCall":
		if it.Error != nil {
			return it.Error.Message
		}
		return it.Server + "/" + it.Tool
	case "collabAgentToolCall":
		return fmt.Sprintf("%s (%s)", it.Tool, it.Status)
	case "webSearch":
		return it.Query
	case "imageView":
		return it.Path
	case "enteredReviewMode", "exitedReviewMode":
		return it.Review
	case "contextCompaction":
		return "Context compaction"
	default:
		return ""
	}
}

func (it item) completedStatus() string {
	if it.Type == "commandExecution" || it.Type == "fileChange" {
		switch it.Status {
		case "failed":
			return "failed"
		case "declined":
			return "interrupted"
		}
	}
	return "completed"
}

// PayloadTurnID extracts the canonical turn id carried inside a payload, if any.
func PayloadTurnID(kind, payload string) string {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || len(env.Params) == 0 {
		return ""
	}
	if strings.HasPrefix(kind, "codex/event/") {
		var p struct {
			Msg struct {
				TurnIDSnake string `json:"turn_id"`
				TurnID      string `json:"turnId"`
			} `json:"msg"`
		}
		if json.Unmarshal(env.Params, &p) != nil {
			return ""
		}
		if p.Msg.TurnIDSnake != "" {
			return p.Msg.TurnIDSnake
		}
		return p.Msg.TurnID
	}
	var p struct {
		TurnID string    `json:"turnId"`
		Turn   *turnInfo `json:"turn"`
	}
	if json.Unmarshal(env.Params, &p) != nil {
		return ""
	}
	if (kind == KindTurnStarted || kind == KindTurnCompleted) && p.Turn != nil {
		return p.Turn.ID
	}
	return p.TurnID
}

// Payload renders a runtime envelope for kind. It is used by the bulk importer
// to synthesize events from a history snapshot.
func Payload(kind string, params any) (string, error) {
	b, err := json.Marshal(struct {
		Method string `json:"method"`
		Params any    `json:"params"`
	}{Method: kind, Params: params})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
