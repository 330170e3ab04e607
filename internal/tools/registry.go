// internal/tools/registry.go
package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/quarrylabs/agentcore/api/schemas"
	"github.com/quarrylabs/agentcore/internal/config"
	"github.com/quarrylabs/agentcore/internal/observability"
)

// ValidationError reports why a parameter set was refused before execution.
type ValidationError struct {
	ToolName string
	Detail   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameters for tool %s: %s", e.ToolName, e.Detail)
}

type entry struct {
	spec     schemas.ToolSpec
	executor schemas.ToolExecutor
	schema   *jsonschema.Schema
}

// Registry holds the executable capabilities. Registration order is
// preserved because the stream parser uses it to break tag ties and the
// prompt compiler lists tools in a stable order.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry

	timeout time.Duration
	logger  *zap.Logger
}

func NewRegistry(cfg config.RuntimeConfig) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		timeout: cfg.ToolTimeout,
		logger:  observability.GetLogger().Named("tools"),
	}
}

// Register adds a tool. The parameter specs are compiled into a JSON schema
// once here so Validate is cheap per call.
func (r *Registry) Register(spec schemas.ToolSpec, executor schemas.ToolExecutor) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if executor == nil {
		return fmt.Errorf("tool %s has no executor", spec.Name)
	}

	compiled, err := compileParamSchema(spec)
	if err != nil {
		return fmt.Errorf("failed to compile schema for tool %s: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[spec.Name]; exists {
		return fmt.Errorf("tool %s is already registered", spec.Name)
	}
	r.entries[spec.Name] = &entry{spec: spec, executor: executor, schema: compiled}
	r.order = append(r.order, spec.Name)

	r.logger.Debug("Registered tool.",
		zap.String("tool", spec.Name),
		zap.String("risk", string(spec.Risk)))
	return nil
}

// Specs returns the registered tool specs in registration order.
func (r *Registry) Specs() []schemas.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schemas.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].spec)
	}
	return out
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Risk resolves a tool's declared risk category. Shaped to serve as the
// approval manager's lookup.
func (r *Registry) Risk(name string) (schemas.RiskCategory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return "", false
	}
	return e.spec.Risk, true
}

// Validate checks a parameter set against the tool's schema without
// executing anything.
func (r *Registry) Validate(name string, params map[string]string) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool %s", name)
	}

	doc, err := coerceParams(e.spec, params)
	if err != nil {
		return &ValidationError{ToolName: name, Detail: err.Error()}
	}
	if err := e.schema.Validate(doc); err != nil {
		return &ValidationError{ToolName: name, Detail: err.Error()}
	}
	return nil
}

// Execute validates and runs a tool under the per-call timeout. Execution
// failures and timeouts come back as a failed ExecutionResult, not an
// error: the loop feeds them to the model as observations. An error return
// means the invocation never ran at all.
func (r *Registry) Execute(ctx context.Context, inv schemas.ToolInvocation) (*schemas.ExecutionResult, error) {
	r.mu.RLock()
	e, ok := r.entries[inv.ToolName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %s", inv.ToolName)
	}
	if err := r.Validate(inv.ToolName, inv.Params); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	result, err := e.executor.Execute(runCtx, inv)
	elapsed := time.Since(started)

	if err != nil {
		exitCode := 1
		detail := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			exitCode = 124
			detail = fmt.Sprintf("tool %s timed out after %s", inv.ToolName, r.timeout)
		}
		r.logger.Warn("Tool execution failed.",
			zap.String("tool", inv.ToolName),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return &schemas.ExecutionResult{ExitCode: exitCode, Stderr: detail}, nil
	}
	if result == nil {
		return nil, fmt.Errorf("tool %s returned no result", inv.ToolName)
	}

	r.logger.Debug("Tool executed.",
		zap.String("tool", inv.ToolName),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("elapsed", elapsed))
	return result, nil
}

// compileParamSchema builds the JSON schema for a tool's declared
// parameters. Unknown parameters are rejected so the model cannot smuggle
// arguments past validation.
func compileParamSchema(spec schemas.ToolSpec) (*jsonschema.Schema, error) {
	properties := make(map[string]interface{}, len(spec.Params))
	var required []string
	for _, p := range spec.Params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		properties[p.Name] = map[string]interface{}{"type": typ}
		if p.Required {
			required = append(required, p.Name)
		}
	}

	doc := map[string]interface{}{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	raw, err := json.MarshalToString(doc)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString(spec.Name+".schema.json", raw)
}

// coerceParams converts the parser's string values into the JSON types the
// schema declares, so "42" validates against an integer parameter.
func coerceParams(spec schemas.ToolSpec, params map[string]string) (map[string]interface{}, error) {
	types := make(map[string]string, len(spec.Params))
	for _, p := range spec.Params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		types[p.Name] = typ
	}

	doc := make(map[string]interface{}, len(params))
	for name, value := range params {
		typ, declared := types[name]
		if !declared {
			// Leave it as a string; the schema rejects it as an
			// additional property.
			doc[name] = value
			continue
		}
		switch typ {
		case "integer":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %q is not an integer", name, value)
			}
			// The validator expects json.Unmarshal's value types.
			doc[name] = float64(n)
		case "number":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %q is not a number", name, value)
			}
			doc[name] = f
		case "boolean":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %q is not a boolean", name, value)
			}
			doc[name] = b
		default:
			doc[name] = value
		}
	}
	return doc, nil
}
