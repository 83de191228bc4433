package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// Notifier pushes events to connected clients.
type Notifier interface {
	Notify(ctx context.Context, orgID string, payload map[string]any) error
}

// MCPNotifier implements Notifier using MCP push notifications. Used to
// tell a connected client that a run suspended on an approval.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the organization's session.
// Best-effort: returns nil if no client is connected for the org.
func (n *MCPNotifier) Notify(_ context.Context, orgID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(orgID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send; not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
