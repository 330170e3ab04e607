// internal/taskplan/compiler.go
package taskplan

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/quarrylabs/agentcore/api/schemas"
	"github.com/quarrylabs/agentcore/internal/observability"
)

// Allows for mocking in tests.
var uuidNewString = uuid.NewString

// rawTask is the shape the planner model is asked to emit. Substeps may be
// plain strings or objects with a name; both are accepted.
type rawTask struct {
	Name     string       `json:"name"`
	Goal     string       `json:"goal"`
	Substeps []rawSubstep `json:"substeps"`
}

type rawSubstep struct {
	Name string
}

// UnmarshalJSON accepts either "step text" or {"name": "step text"}.
func (s *rawSubstep) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		s.Name = asString
		return nil
	}
	var asObject struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &asObject); err != nil {
		return err
	}
	s.Name = asObject.Name
	return nil
}

// Compiler turns planner model output into an executable task pipeline.
type Compiler struct {
	logger *zap.Logger
}

func NewCompiler() *Compiler {
	return &Compiler{logger: observability.GetLogger().Named("taskplan")}
}

// Compile extracts the task array from raw model output and builds a
// TaskState. Models wrap JSON in prose and markdown fences unpredictably, so
// extraction tries a fenced block first and falls back to the first balanced
// top-level array in the text.
func (c *Compiler) Compile(modelOutput, pipelineName string) (schemas.TaskState, error) {
	payload, err := extractJSONArray(modelOutput)
	if err != nil {
		return schemas.TaskState{}, fmt.Errorf("no task array in planner output: %w", err)
	}

	var raw []rawTask
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return schemas.TaskState{}, fmt.Errorf("failed to unmarshal task array: %w", err)
	}

	// An empty array is a valid answer: the pipeline exists with no current
	// task, and the caller decides what an empty plan means.
	state := schemas.TaskState{
		PipelineID:   uuidNewString(),
		PipelineName: pipelineName,
	}
	for i, rt := range raw {
		if strings.TrimSpace(rt.Name) == "" {
			return schemas.TaskState{}, fmt.Errorf("task %d has no name", i)
		}
		task := schemas.Task{
			ID:     uuidNewString(),
			Name:   strings.TrimSpace(rt.Name),
			Goal:   strings.TrimSpace(rt.Goal),
			Status: schemas.TaskPending,
		}
		for _, rs := range rt.Substeps {
			name := strings.TrimSpace(rs.Name)
			if name == "" {
				continue
			}
			task.Substeps = append(task.Substeps, schemas.Substep{
				ID:     uuidNewString(),
				Name:   name,
				Status: schemas.TaskPending,
			})
		}
		state.Tasks = append(state.Tasks, task)
	}
	if len(state.Tasks) > 0 {
		state.CurrentTaskID = state.Tasks[0].ID
	}

	c.logger.Info("Compiled task pipeline.",
		zap.String("pipeline_id", state.PipelineID),
		zap.Int("task_count", len(state.Tasks)))
	return state, nil
}

// extractJSONArray finds the task array inside arbitrary model prose. A
// ```json fenced block wins; otherwise the first balanced top-level [...] is
// taken, tracking string and escape state so brackets inside values do not
// confuse the depth count.
func extractJSONArray(text string) (string, error) {
	if fenced, ok := extractFencedBlock(text); ok {
		text = fenced
	}

	start := strings.IndexByte(text, '[')
	if start < 0 {
		return "", fmt.Errorf("no array start found")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '[':
			if !inString {
				depth++
			}
		case ']':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1], nil
				}
			}
		}
	}
	return "", fmt.Errorf("unbalanced array starting at offset %d", start)
}

// extractFencedBlock returns the contents of the first ```json (or bare ```)
// fenced block, if one is present and closed.
func extractFencedBlock(text string) (string, bool) {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(text, marker)
		if start < 0 {
			continue
		}
		rest := text[start+len(marker):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		return rest[:end], true
	}
	return "", false
}
