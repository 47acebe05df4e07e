package stepflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

// The facade covers a full embed: build a graph, run it, suspend at a gate,
// and resume to completion, all without touching internal packages.
func TestEmbeddedEngine_SuspendResume(t *testing.T) {
	eng, err := NewEngine(NewMemoryStore(), nil, Options{})
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)

	eng.Executors().RegisterFunc("gate", func(_ context.Context, ec *ExecContext) (json.RawMessage, error) {
		if ec.ResumeData == nil {
			return nil, ec.Suspend(nil)
		}
		return ec.ResumeData, nil
	})

	def, err := NewWorkflow("embed").Step("gate", "gate").Commit()
	require.NoError(t, err)
	eng.RegisterWorkflow(def)

	ctx := context.Background()
	_, err = eng.CreateRun(ctx, "embed", "r1", "")
	require.NoError(t, err)

	snap, err := eng.Start(ctx, "embed", "r1", nil)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusSuspended, snap.Status)
	require.Len(t, snap.Suspended, 1)

	snap, err = eng.Resume(ctx, "embed", "r1", snap.Suspended[0].Path, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccess, snap.Status)
	assert.JSONEq(t, `{"ok":true}`, string(snap.Output))
}
