// Package workspace manages per-session working directories under a
// configured root. Each session gets one directory, bind-mounted into
// its container, holding the cloned repository and the injected
// .mcp.json. Teardown refuses to delete anything outside the root.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/brendanlong/clawed-burrow-sub001/pkg/pathutil"
)

// MCPConfigFile is the settings file written into a fresh workspace for
// the assistant to pick up.
const MCPConfigFile = ".mcp.json"

// Manager creates and removes session workspaces under Root.
type Manager struct {
	root string
}

// New resolves root (expanding a leading ~) and ensures it exists.
func New(root string) (*Manager, error) {
	resolved, err := pathutil.ExpandHome(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if pathutil.IsFilesystemRoot(resolved) {
		return nil, fmt.Errorf("workspace root must not be the filesystem root")
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &Manager{root: resolved}, nil
}

// Root returns the resolved workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Path returns where the session's workspace lives, whether or not it
// exists yet.
func (m *Manager) Path(sessionID string) string {
	return filepath.Join(m.root, sessionID)
}

// Create makes the session's workspace directory and returns its path.
// An existing directory is an error; creation is not idempotent, the
// caller owns the decision to reuse.
func (m *Manager) Create(sessionID string) (string, error) {
	dir := m.Path(sessionID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}
	return dir, nil
}

// WriteMCPConfig writes the repository's MCP server settings into the
// workspace. servers arrives as the raw decrypted JSON object mapping
// server names to definitions.
func (m *Manager) WriteMCPConfig(dir string, servers json.RawMessage) error {
	if len(servers) == 0 {
		return nil
	}
	if !pathutil.Within(m.root, dir) {
		return fmt.Errorf("workspace %s is outside root %s", dir, m.root)
	}

	payload, err := json.MarshalIndent(map[string]json.RawMessage{
		"mcpServers": servers,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding mcp config: %w", err)
	}
	payload = append(payload, '\n')

	if err := os.WriteFile(filepath.Join(dir, MCPConfigFile), payload, 0o644); err != nil {
		return fmt.Errorf("writing mcp config: %w", err)
	}
	return nil
}

// Remove deletes the workspace directory and everything in it. Paths
// outside the root are rejected; a missing directory is a no-op.
func (m *Manager) Remove(dir string) error {
	cleaned := filepath.Clean(dir)
	if cleaned == m.root || !pathutil.Within(m.root, cleaned) {
		return fmt.Errorf("refusing to remove %s: outside workspace root %s", dir, m.root)
	}
	if err := os.RemoveAll(cleaned); err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}
	return nil
}
