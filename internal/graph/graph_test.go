package graph

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertGraphError(t *testing.T, err error) *schema.EngineError {
	t.Helper()
	require.Error(t, err)
	var engErr *schema.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, schema.ErrCodeGraphValidation, engErr.Code)
	return engErr
}

func TestBuilder_SingleStep(t *testing.T) {
	def, err := New("wf").Step("fetch", "http-fetch").Commit()
	require.NoError(t, err)

	assert.Equal(t, "wf", def.ID())
	assert.Equal(t, schema.NodeStep, def.Root().Kind)
	assert.Equal(t, "fetch", def.Root().ID)
}

func TestBuilder_MultipleNodesWrappedInSequence(t *testing.T) {
	def, err := New("wf").
		Step("a", "exec-a").
		Step("b", "exec-b").
		Commit()
	require.NoError(t, err)

	root := def.Root()
	assert.Equal(t, schema.NodeSequence, root.Kind)
	require.Len(t, root.Children, 2)
	assert.Equal(t, "a", root.Children[0].ID)
	assert.Equal(t, "b", root.Children[1].ID)
}

func TestBuilder_ControlFlowNodes(t *testing.T) {
	def, err := New("wf").
		Branch("route",
			Arm(`inputs.mode == "fast"`, Step("fast", "fast-path")),
			Arm("true", Step("slow", "slow-path")),
		).
		Parallel("fanout", Step("p1", "worker"), Step("p2", "worker")).
		DoUntil("retry", Step("attempt", "flaky"), `steps["attempt"].ok == true`).
		Foreach("each", Step("item", "per-item"), 4).
		Map("shape", `{ids: [.input[].id]}`).
		Sleep("pause", 30*time.Second).
		WaitForEvent("approval", "approved", time.Hour).
		Commit()
	require.NoError(t, err)

	root := def.Root()
	require.Equal(t, schema.NodeSequence, root.Kind)
	require.Len(t, root.Children, 7)
	assert.Equal(t, schema.NodeBranch, root.Children[0].Kind)
	assert.Equal(t, schema.NodeParallel, root.Children[1].Kind)
	assert.Equal(t, schema.NodeDoUntil, root.Children[2].Kind)
	assert.Equal(t, 4, root.Children[3].Concurrency)
	assert.Equal(t, schema.NodeMap, root.Children[4].Kind)
	assert.Equal(t, schema.Duration(30*time.Second), root.Children[5].Duration)
	assert.Equal(t, "approved", root.Children[6].Event)
}

func TestCommit_ValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*Definition, error)
	}{
		{"empty workflow ID", func() (*Definition, error) {
			return New("").Step("a", "x").Commit()
		}},
		{"no nodes", func() (*Definition, error) {
			return New("wf").Commit()
		}},
		{"empty node ID", func() (*Definition, error) {
			return New("wf").Step("", "x").Commit()
		}},
		{"duplicate node IDs", func() (*Definition, error) {
			return New("wf").Step("a", "x").Step("a", "y").Commit()
		}},
		{"step without executor", func() (*Definition, error) {
			return New("wf").Step("a", "").Commit()
		}},
		{"branch without arms", func() (*Definition, error) {
			return New("wf").Branch("b").Commit()
		}},
		{"branch arm empty condition", func() (*Definition, error) {
			return New("wf").Branch("b", Arm("", Step("a", "x"))).Commit()
		}},
		{"parallel without children", func() (*Definition, error) {
			return New("wf").Parallel("p").Commit()
		}},
		{"dowhile empty condition", func() (*Definition, error) {
			return New("wf").DoWhile("l", Step("a", "x"), "").Commit()
		}},
		{"foreach negative concurrency", func() (*Definition, error) {
			return New("wf").Foreach("f", Step("a", "x"), -1).Commit()
		}},
		{"map empty transform", func() (*Definition, error) {
			return New("wf").Map("m", "").Commit()
		}},
		{"sleep with neither duration nor until", func() (*Definition, error) {
			return New("wf").Then(schema.Node{Kind: schema.NodeSleep, ID: "s"}).Commit()
		}},
		{"sleep with both duration and until", func() (*Definition, error) {
			at := time.Now()
			return New("wf").Then(schema.Node{
				Kind: schema.NodeSleep, ID: "s",
				Duration: schema.Duration(time.Second), Until: &at,
			}).Commit()
		}},
		{"waitForEvent empty event name", func() (*Definition, error) {
			return New("wf").WaitForEvent("w", "", 0).Commit()
		}},
		{"unknown node kind", func() (*Definition, error) {
			return New("wf").Then(schema.Node{Kind: "mystery", ID: "m"}).Commit()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := tt.build()
			assert.Nil(t, def)
			assertGraphError(t, err)
		})
	}
}

func TestCommit_DuplicateIDAcrossNesting(t *testing.T) {
	_, err := New("wf").
		Parallel("p", Step("dup", "x"), Seq("inner", Step("dup", "y"))).
		Commit()
	assertGraphError(t, err)
}

func TestDefinition_JSONRoundTrip(t *testing.T) {
	def, err := New("wf").
		Step("a", "exec-a").
		DoWhile("loop", StepWithResumeSchema("b", "exec-b",
			json.RawMessage(`{"type":"object"}`)), "inputs.again == true").
		Commit()
	require.NoError(t, err)

	data, err := json.Marshal(def)
	require.NoError(t, err)

	restored, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, def.ID(), restored.ID())
	assert.Equal(t, def.Root(), restored.Root())
}

func TestParse_InvalidPayloads(t *testing.T) {
	_, err := Parse([]byte(`{`))
	assertGraphError(t, err)

	_, err = Parse([]byte(`{"id":"wf","root":{"kind":"step","id":"a"}}`))
	assertGraphError(t, err)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "root", ChildPath("", "root"))
	assert.Equal(t, "root.fetch", ChildPath("root", "fetch"))
	assert.Equal(t, "root.loop[2]", IterPath("root.loop", 2))
	assert.Equal(t, "root.loop[2].fetch", ChildPath(IterPath("root.loop", 2), "fetch"))

	assert.True(t, within("root.loop[2].fetch", "root.loop"))
	assert.True(t, within("root.loop", "root.loop"))
	assert.False(t, within("root.loop2", "root.loop"))
	assert.False(t, within("root", "root.loop"))
}
