package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStepflowServer(t *testing.T) {
	s := newToolServer(t)

	require.NotNil(t, s.MCPServer())
	require.NotNil(t, s.notifier)

	tools := s.tools()
	assert.Len(t, tools, 5)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"stepflow.start",
		"stepflow.resume",
		"stepflow.send_event",
		"stepflow.status",
		"stepflow.runs",
	}, names)
}
