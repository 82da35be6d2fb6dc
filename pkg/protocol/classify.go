package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// envelope is the top-level shape shared by all known entry types.
// Message stays raw because unknown entries may carry a non-object there.
type envelope struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	CWD       string          `json:"cwd"`
	Model     string          `json:"model"`
	Tools     []string        `json:"tools"`
	Message   json.RawMessage `json:"message"`

	// result entry fields
	IsError      bool            `json:"is_error"`
	Result       string          `json:"result"`
	DurationMS   int64           `json:"duration_ms"`
	NumTurns     int             `json:"num_turns"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	Usage        json.RawMessage `json:"usage"`

	// synthetic system/error entry fields
	Error    string `json:"error"`
	ExitCode int    `json:"exit_code"`
}

type messageBody struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// Classify turns one protocol line into a Variant. It never fails: lines
// that match no known shape come back as Raw with a diagnostic reason.
func Classify(line []byte) Variant {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Raw{Line: line, Reason: "empty line"}
	}

	var e envelope
	if err := json.Unmarshal(trimmed, &e); err != nil {
		return Raw{Line: line, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	switch e.Type {
	case "system":
		return classifySystem(e)
	case "user":
		return classifyUser(line, e)
	case "assistant":
		return classifyAssistant(line, e)
	case "result":
		return Result{
			Subtype:      e.Subtype,
			IsError:      e.IsError || subtypeIsError(e.Subtype),
			Text:         e.Result,
			DurationMS:   e.DurationMS,
			NumTurns:     e.NumTurns,
			TotalCostUSD: e.TotalCostUSD,
			SessionID:    e.SessionID,
			Usage:        e.Usage,
		}
	case "":
		return Raw{Line: line, Reason: "missing type field"}
	default:
		return Raw{Line: line, Reason: fmt.Sprintf("unknown entry type %q", e.Type)}
	}
}

func classifySystem(e envelope) Variant {
	switch {
	case e.Subtype == "init":
		return SystemInit{
			SessionID: e.SessionID,
			Model:     e.Model,
			CWD:       e.CWD,
			Tools:     e.Tools,
		}
	case subtypeIsError(e.Subtype):
		msg := e.Error
		if msg == "" {
			msg = e.Subtype
		}
		return SystemError{Subtype: e.Subtype, Message: msg, ExitCode: e.ExitCode}
	default:
		return SystemGeneric{Subtype: e.Subtype}
	}
}

func classifyUser(line []byte, e envelope) Variant {
	body, err := decodeMessage(e.Message)
	if err != nil {
		return Raw{Line: line, Reason: fmt.Sprintf("user entry: %v", err)}
	}

	// Content is either a bare string or a block array.
	var text string
	if err := json.Unmarshal(body.Content, &text); err == nil {
		return UserPrompt{Text: text}
	}

	blocks, err := decodeBlocks(body.Content)
	if err != nil {
		return Raw{Line: line, Reason: fmt.Sprintf("user content: %v", err)}
	}

	var results []ToolResult
	var texts []string
	for _, b := range blocks {
		switch b.Type {
		case "tool_result":
			results = append(results, ToolResult{
				ToolUseID: b.ToolUseID,
				Content:   flattenContent(b.Content),
				IsError:   b.IsError,
			})
		case "text":
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		}
	}

	if len(results) > 0 {
		return UserToolResult{Results: results}
	}
	if len(texts) > 0 {
		return UserPrompt{Text: strings.Join(texts, "\n")}
	}
	return Raw{Line: line, Reason: "user content has no text or tool_result blocks"}
}

func classifyAssistant(line []byte, e envelope) Variant {
	body, err := decodeMessage(e.Message)
	if err != nil {
		return Raw{Line: line, Reason: fmt.Sprintf("assistant entry: %v", err)}
	}

	rawBlocks, err := decodeBlocks(body.Content)
	if err != nil {
		return Raw{Line: line, Reason: fmt.Sprintf("assistant content: %v", err)}
	}

	var blocks []ContentBlock
	for _, b := range rawBlocks {
		switch b.Type {
		case "text":
			blocks = append(blocks, ContentBlock{Type: "text", Text: b.Text})
		case "thinking":
			blocks = append(blocks, ContentBlock{Type: "thinking", Text: b.Thinking})
		case "tool_use":
			blocks = append(blocks, ContentBlock{
				Type:      "tool_use",
				ToolUseID: b.ID,
				ToolName:  b.Name,
				ToolInput: b.Input,
			})
		}
	}

	return Assistant{MessageID: body.ID, Model: body.Model, Blocks: blocks}
}

func decodeMessage(raw json.RawMessage) (*messageBody, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing message object")
	}
	var body messageBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decoding message object: %w", err)
	}
	if len(body.Content) == 0 {
		return nil, fmt.Errorf("message has no content")
	}
	return &body, nil
}

func decodeBlocks(raw json.RawMessage) ([]contentBlock, error) {
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("decoding content blocks: %w", err)
	}
	return blocks, nil
}

// flattenContent renders a tool_result content field as text. The field
// is a bare string in the common case, or an array of text blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func subtypeIsError(subtype string) bool {
	lowered := strings.ToLower(subtype)
	return strings.Contains(lowered, "error") || strings.Contains(lowered, "failed") || strings.Contains(lowered, "failure")
}

// ToolOutcome is the correlated outcome of one tool_use.
type ToolOutcome struct {
	Content string
	IsError bool
}

// BuildToolResults correlates tool_result blocks to their tool_use ids
// over any window of classified variants. Purely derived; later results
// for the same id win.
func BuildToolResults(variants []Variant) map[string]ToolOutcome {
	out := make(map[string]ToolOutcome)
	for _, v := range variants {
		utr, ok := v.(UserToolResult)
		if !ok {
			continue
		}
		for _, r := range utr.Results {
			if r.ToolUseID == "" {
				continue
			}
			out[r.ToolUseID] = ToolOutcome{Content: r.Content, IsError: r.IsError}
		}
	}
	return out
}
