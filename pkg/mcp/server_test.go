package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoomServer(t *testing.T) {
	s := NewLoomServer(LoomServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewLoomServer(LoomServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 16)

	expectedTools := []string{
		"workflow.save",
		"workflow.validate",
		"workflow.run",
		"workflow.resume",
		"workflow.diagram",
		"run.status",
		"run.cancel",
		"approvals.create",
		"approvals.status",
		"records.find_unprocessed",
		"records.record_processed",
		"actions.catalog",
		"docs.syntax",
		"secrets.store",
		"secrets.list",
		"secrets.delete",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name     string
		toolName string
		phrase   string
	}{
		{"save", "workflow.save", "Validate and save a workflow definition"},
		{"validate", "workflow.validate", "without saving"},
		{"run", "workflow.run", "Start a run of a saved workflow"},
		{"resume", "workflow.resume", "suspended on an approval"},
		{"status", "run.status", "current state and history"},
		{"cancel", "run.cancel", "Cancel a running or suspended run"},
		{"approvals_create", "approvals.create", "standalone approval request"},
		{"approvals_status", "approvals.status", "how it was resolved"},
		{"find_unprocessed", "records.find_unprocessed", "claim records"},
		{"record_processed", "records.record_processed", "Mark a record as processed"},
		{"diagram", "workflow.diagram", "Mermaid flowchart"},
		{"catalog", "actions.catalog", "List registered actions"},
		{"docs", "docs.syntax", "definition language reference"},
		{"secrets_store", "secrets.store", "encrypted secret"},
		{"secrets_list", "secrets.list", "Values are never returned"},
		{"secrets_delete", "secrets.delete", "Delete an organization secret"},
	}

	s := NewLoomServer(LoomServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Contains(t, tool.Tool.Description, tc.phrase)
		})
	}
}
