// internal/prompt/compiler.go
package prompt

import (
	"fmt"
	"strings"

	"github.com/quarrylabs/agentcore/api/schemas"
)

// maxFactsPerCategory caps how many recent facts of one category make it
// into the prompt; older ones fall off first.
const maxFactsPerCategory = 20

// RenderRequest carries everything the compiler needs for one model call.
type RenderRequest struct {
	State *schemas.AgentState
	Tools []schemas.ToolSpec
	Info  Snapshot
	// Planning switches the output protocol: a planning call asks for a
	// JSON task array, an execution call asks for tool tags.
	Planning bool
}

// Compiler renders the system prompt from the identity registry and the
// request's situational data.
type Compiler struct {
	identities *IdentityRegistry
}

func NewCompiler(identities *IdentityRegistry) *Compiler {
	return &Compiler{identities: identities}
}

// Render produces the full system prompt. Section order is fixed: persona,
// capabilities, situation, then the output protocol last so it is closest to
// the model's continuation point.
func (c *Compiler) Render(req RenderRequest) (string, error) {
	if req.State == nil {
		return "", fmt.Errorf("agent state is required")
	}

	var b strings.Builder

	for _, id := range c.identities.ForKind(IdentityCore) {
		b.WriteString(strings.TrimSpace(id.Text))
		b.WriteString("\n\n")
	}
	for _, kind := range []IdentityKind{IdentityTask, IdentityViewpoint} {
		for _, id := range c.identities.ForKind(kind) {
			b.WriteString(strings.TrimSpace(id.Text))
			b.WriteString("\n\n")
		}
	}

	if !req.Planning && len(req.Tools) > 0 {
		b.WriteString("## Available Tools\n\n")
		b.WriteString("Invoke at most one tool per response, using its tag form.\n\n")
		for _, spec := range req.Tools {
			writeToolSection(&b, spec)
		}
	}

	writeSituation(&b, req)

	if req.Planning {
		b.WriteString(`## Output Protocol

Respond with a single JSON array of task objects. Each task has "name",
"goal", and optionally "substeps" (an array of strings). Output nothing
except the array, optionally inside a json code fence.
`)
	} else {
		b.WriteString(`## Output Protocol

Work on the current task. To act, emit exactly one tool call in tag form as
documented above. When the current task is finished, respond with the single
line TASK_COMPLETE and nothing else. Plain text outside a tool call is shown
to the user as commentary.
`)
	}

	return b.String(), nil
}

func writeToolSection(b *strings.Builder, spec schemas.ToolSpec) {
	fmt.Fprintf(b, "### %s\n", spec.Name)
	if spec.Description != "" {
		b.WriteString(spec.Description)
		b.WriteString("\n")
	}
	b.WriteString("Usage:\n```\n<")
	b.WriteString(spec.Name)
	b.WriteString(">\n")
	for _, p := range spec.Params {
		req := ""
		if p.Required {
			req = " (required)"
		}
		fmt.Fprintf(b, "<%s>...%s</%s>\n", p.Name, req, p.Name)
	}
	fmt.Fprintf(b, "</%s>\n```\n\n", spec.Name)
}

func writeSituation(b *strings.Builder, req RenderRequest) {
	state := req.State

	b.WriteString("## Situation\n\n")
	fmt.Fprintf(b, "Project root: %s\n", state.WorldState.ProjectRoot)

	if task := state.TaskState.CurrentTask(); task != nil {
		fmt.Fprintf(b, "Current task: %s", task.Name)
		if task.Goal != "" {
			fmt.Fprintf(b, " (goal: %s)", task.Goal)
		}
		b.WriteString("\n")
	}
	if len(state.TaskState.Tasks) > 0 {
		b.WriteString("Task pipeline:\n")
		for _, task := range state.TaskState.Tasks {
			marker := " "
			if task.ID == state.TaskState.CurrentTaskID {
				marker = ">"
			}
			fmt.Fprintf(b, "%s [%s] %s\n", marker, task.Status, task.Name)
		}
	}

	if len(req.Info.VisibleFiles) > 0 {
		b.WriteString("\nFiles you may reference:\n")
		for _, path := range req.Info.VisibleFiles {
			fmt.Fprintf(b, "- %s\n", path)
		}
	}
	if len(req.Info.VisibleSymbols) > 0 {
		b.WriteString("\nSymbols you may reference:\n")
		for _, name := range req.Info.VisibleSymbols {
			fmt.Fprintf(b, "- %s\n", name)
		}
	}

	writeFacts(b, req.Info.Facts)
	b.WriteString("\n")
}

// writeFacts groups facts by category, keeping the most recent entries of
// each. Category order follows first appearance so the prompt is stable
// across renders.
func writeFacts(b *strings.Builder, facts []Fact) {
	if len(facts) == 0 {
		return
	}

	var order []string
	grouped := make(map[string][]Fact)
	for _, f := range facts {
		if _, seen := grouped[f.Category]; !seen {
			order = append(order, f.Category)
		}
		grouped[f.Category] = append(grouped[f.Category], f)
	}

	b.WriteString("\nKnown facts:\n")
	for _, category := range order {
		group := grouped[category]
		if len(group) > maxFactsPerCategory {
			group = group[len(group)-maxFactsPerCategory:]
		}
		for _, f := range group {
			fmt.Fprintf(b, "- [%s] %s\n", category, f.Content)
		}
	}
}
