// Package protocol classifies the assistant's line-oriented JSON stream
// into a closed set of typed variants. Classification is total: any line
// that fails every known shape becomes a Raw variant carrying the
// original payload, so a malformed line can never crash or vanish from
// the pipeline. The package is pure; it performs no I/O.
package protocol

import "encoding/json"

// MaxLineBytes is the scanner buffer ceiling consumers should allow for
// a single protocol line. Tool results routinely embed whole files.
const MaxLineBytes = 10 * 1024 * 1024

// VariantKind discriminates the classified variants.
type VariantKind string

const (
	KindSystemInit     VariantKind = "system_init"
	KindSystemError    VariantKind = "system_error"
	KindSystemGeneric  VariantKind = "system_generic"
	KindUserPrompt     VariantKind = "user_prompt"
	KindUserToolResult VariantKind = "user_tool_result"
	KindAssistant      VariantKind = "assistant"
	KindResult         VariantKind = "result"
	KindRaw            VariantKind = "raw"
)

// Variant is one classified protocol line.
type Variant interface {
	Kind() VariantKind
}

// SystemInit is the stream preamble announcing the assistant session.
type SystemInit struct {
	SessionID string
	Model     string
	CWD       string
	Tools     []string
}

func (SystemInit) Kind() VariantKind { return KindSystemInit }

// SystemError is a system entry reporting a failure, including the
// synthetic failure entries the runner persists when a turn dies.
type SystemError struct {
	Subtype  string
	Message  string
	ExitCode int
}

func (SystemError) Kind() VariantKind { return KindSystemError }

// SystemGeneric is any other system entry.
type SystemGeneric struct {
	Subtype string
}

func (SystemGeneric) Kind() VariantKind { return KindSystemGeneric }

// UserPrompt is a user message whose content is plain text.
type UserPrompt struct {
	Text string
}

func (UserPrompt) Kind() VariantKind { return KindUserPrompt }

// ToolResult is one tool_result block inside a user message.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// UserToolResult is a user message carrying tool_result blocks.
type UserToolResult struct {
	Results []ToolResult
}

func (UserToolResult) Kind() VariantKind { return KindUserToolResult }

// ContentBlock is one block of an assistant message.
type ContentBlock struct {
	Type      string // text, thinking, tool_use
	Text      string // text and thinking blocks
	ToolUseID string
	ToolName  string
	ToolInput json.RawMessage
}

// Assistant is an assistant message: text, thinking, and tool_use blocks.
type Assistant struct {
	MessageID string
	Model     string
	Blocks    []ContentBlock
}

func (Assistant) Kind() VariantKind { return KindAssistant }

// ToolUses returns only the tool_use blocks.
func (a Assistant) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range a.Blocks {
		if b.Type == "tool_use" {
			uses = append(uses, b)
		}
	}
	return uses
}

// Text returns the concatenated text blocks.
func (a Assistant) Text() string {
	var out string
	for _, b := range a.Blocks {
		if b.Type != "text" || b.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

// Result terminates a turn.
type Result struct {
	Subtype      string
	IsError      bool
	Text         string
	DurationMS   int64
	NumTurns     int
	TotalCostUSD float64
	SessionID    string
	Usage        json.RawMessage
}

func (Result) Kind() VariantKind { return KindResult }

// Raw is the fallback arm: the unmodified line plus a diagnostic reason.
type Raw struct {
	Line   []byte
	Reason string
}

func (Raw) Kind() VariantKind { return KindRaw }

// CoarseType maps a variant to the persisted message type: "system",
// "user", "assistant" or "result". Raw lines persist as "system".
func CoarseType(v Variant) string {
	switch v.Kind() {
	case KindUserPrompt, KindUserToolResult:
		return "user"
	case KindAssistant:
		return "assistant"
	case KindResult:
		return "result"
	default:
		return "system"
	}
}
