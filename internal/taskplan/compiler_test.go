// internal/taskplan/compiler_test.go
package taskplan

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/agentcore/api/schemas"
)

func withSequentialIDs(t *testing.T) {
	t.Helper()
	original := uuidNewString
	n := 0
	uuidNewString = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	t.Cleanup(func() { uuidNewString = original })
}

func TestCompile_FencedJSON(t *testing.T) {
	withSequentialIDs(t)
	c := NewCompiler()

	output := "Here is the plan:\n```json\n" +
		`[{"name": "Survey the repo", "goal": "Understand layout", "substeps": ["list files", "read go.mod"]},` +
		`{"name": "Apply the fix", "goal": "Patch the bug"}]` +
		"\n```\nLet me know if this works."

	state, err := c.Compile(output, "bugfix")
	require.NoError(t, err)

	assert.Equal(t, "bugfix", state.PipelineName)
	assert.Equal(t, "id-1", state.PipelineID)
	require.Len(t, state.Tasks, 2)

	first := state.Tasks[0]
	assert.Equal(t, "Survey the repo", first.Name)
	assert.Equal(t, "Understand layout", first.Goal)
	assert.Equal(t, schemas.TaskPending, first.Status)
	require.Len(t, first.Substeps, 2)
	assert.Equal(t, "list files", first.Substeps[0].Name)

	assert.Equal(t, first.ID, state.CurrentTaskID, "the first task starts as current")
}

func TestCompile_BareArrayInProse(t *testing.T) {
	withSequentialIDs(t)
	c := NewCompiler()

	output := `Sure. The tasks: [{"name": "only task", "goal": "do it"}] and that is all.`

	state, err := c.Compile(output, "p")
	require.NoError(t, err)
	require.Len(t, state.Tasks, 1)
	assert.Equal(t, "only task", state.Tasks[0].Name)
}

func TestCompile_BracketsInsideStrings(t *testing.T) {
	withSequentialIDs(t)
	c := NewCompiler()

	// The value contains brackets and an escaped quote; depth counting must
	// not terminate early.
	output := `[{"name": "parse [a] and \"b]\"", "goal": "g"}]`

	state, err := c.Compile(output, "p")
	require.NoError(t, err)
	require.Len(t, state.Tasks, 1)
	assert.Equal(t, `parse [a] and "b]"`, state.Tasks[0].Name)
}

func TestCompile_ObjectSubsteps(t *testing.T) {
	withSequentialIDs(t)
	c := NewCompiler()

	output := `[{"name": "t", "substeps": [{"name": "alpha"}, "beta", "  "]}]`

	state, err := c.Compile(output, "p")
	require.NoError(t, err)
	require.Len(t, state.Tasks[0].Substeps, 2, "blank substeps are dropped")
	assert.Equal(t, "alpha", state.Tasks[0].Substeps[0].Name)
	assert.Equal(t, "beta", state.Tasks[0].Substeps[1].Name)
}

func TestCompile_EmptyArrayIsAnEmptyPipeline(t *testing.T) {
	withSequentialIDs(t)
	c := NewCompiler()

	state, err := c.Compile("No work needed: []", "p")
	require.NoError(t, err)
	assert.Empty(t, state.Tasks)
	assert.Empty(t, state.CurrentTaskID, "no current task without tasks")
	assert.Equal(t, "id-1", state.PipelineID)
}

func TestCompile_Failures(t *testing.T) {
	c := NewCompiler()

	cases := []struct {
		name   string
		output string
	}{
		{"no array", "I could not produce a plan."},
		{"unbalanced", `[{"name": "t"`},
		{"nameless task", `[{"goal": "g"}]`},
		{"not objects", `[1, 2, 3]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Compile(tc.output, "p")
			assert.Error(t, err)
		})
	}
}
