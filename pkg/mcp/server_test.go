package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnsembleServer(t *testing.T) {
	s := NewEnsembleServer(EnsembleServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
}

func TestToolRegistration(t *testing.T) {
	s := NewEnsembleServer(EnsembleServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	expectedTools := []string{
		"ensemble.execute",
		"ensemble.cancel",
		"ensemble.status",
		"ensemble.history",
		"ensemble.query",
		"ensemble.subscribe",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"execute", "ensemble.execute", "Execute a workflow and wait for its textual result"},
		{"cancel", "ensemble.cancel", "Request cooperative cancellation of a running workflow"},
		{"status", "ensemble.status", "Get a workflow run's state and its emitted steps"},
		{"history", "ensemble.history", "Fetch a chat's transcript in chronological order"},
		{"query", "ensemble.query", "Query workflow runs or replay a workflow's event log"},
		{"subscribe", "ensemble.subscribe", "Subscribe this session to a room's live workflow notifications"},
	}

	s := NewEnsembleServer(EnsembleServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
