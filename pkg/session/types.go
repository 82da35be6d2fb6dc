// Package session defines the persisted model for assistant sessions and
// their messages, the status transition rules, and the error taxonomy
// surfaced to callers of the orchestration API.
package session

import (
	"encoding/json"
	"time"
)

// Session represents one assistant workspace bound to a repository.
type Session struct {
	ID            string
	RepoURL       string
	Branch        string
	Workspace     string // absolute host path, bind-mounted into the container
	ContainerID   string // empty until a container exists; empty again after archive
	Status        Status
	StatusMessage string // diagnostic for error/stopped states, empty when none
	InitialPrompt string // sent as the first turn after creation, empty when none
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MessageType is the coarse classification a message is persisted under.
type MessageType string

const (
	TypeSystem    MessageType = "system"
	TypeUser      MessageType = "user"
	TypeAssistant MessageType = "assistant"
	TypeResult    MessageType = "result"
)

// Message is one protocol line (or synthetic equivalent) persisted for a
// session. Sequence is assigned by the store at insert time: per-session,
// strictly increasing, gapless. A message never changes after insert,
// with one exception: the most recent message of a session may be patched
// to set Interrupted when a turn is cut short.
type Message struct {
	ID          string
	SessionID   string
	Sequence    int64
	Type        MessageType
	Content     json.RawMessage
	Interrupted bool
	CreatedAt   time.Time
}

// RepoSettings carries per-repository configuration injected into a
// session's container at creation time. Values arrive already decrypted.
type RepoSettings struct {
	EnvVars    map[string]string
	MCPServers json.RawMessage // written verbatim to <workspace>/.mcp.json
}
