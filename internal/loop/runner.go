// internal/loop/runner.go
package loop

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quarrylabs/agentcore/api/schemas"
	"github.com/quarrylabs/agentcore/internal/observability"
)

// Runner owns loop execution across sessions. It enforces the single-owner
// rule: at most one loop id is current per session, and a second invocation
// while one is in flight is refused rather than queued.
type Runner struct {
	deps        Deps
	meta        schemas.AgentMeta
	projectRoot string

	mu     sync.Mutex
	states map[string]*schemas.AgentState
	owners map[string]string // sessionID -> current loop id

	group  errgroup.Group
	logger *zap.Logger
}

func NewRunner(deps Deps, meta schemas.AgentMeta, projectRoot string) *Runner {
	return &Runner{
		deps:        deps,
		meta:        meta,
		projectRoot: projectRoot,
		states:      make(map[string]*schemas.AgentState),
		owners:      make(map[string]string),
		logger:      observability.GetLogger().Named("runner"),
	}
}

// Invoke starts a loop run for the session and returns its loop id. The run
// proceeds on a background goroutine; progress flows through the sink.
func (r *Runner) Invoke(ctx context.Context, sessionID, userID, userPrompt string, sink schemas.EventSink) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}

	r.mu.Lock()
	if owner, busy := r.owners[sessionID]; busy {
		r.mu.Unlock()
		return "", fmt.Errorf("session %s is already running loop %s", sessionID, owner)
	}

	state, ok := r.states[sessionID]
	if !ok {
		var err error
		state, err = schemas.NewAgentState(sessionID, r.projectRoot, r.meta)
		if err != nil {
			r.mu.Unlock()
			return "", err
		}
	}
	if state.Status == schemas.StatusFrozen {
		r.mu.Unlock()
		return "", fmt.Errorf("session %s is frozen", sessionID)
	}

	loopID := uuidNewString()
	r.owners[sessionID] = loopID
	r.mu.Unlock()

	l := New(r.deps, sink, sessionID, userID, loopID)

	r.group.Go(func() error {
		final, err := l.Run(ctx, state, userPrompt)

		r.mu.Lock()
		if final != nil {
			r.states[sessionID] = final
		}
		delete(r.owners, sessionID)
		r.mu.Unlock()

		// Release ownership in the published snapshot too.
		r.releaseSnapshot(context.WithoutCancel(ctx), sessionID, final)

		if err != nil {
			r.logger.Warn("Loop run ended with error.",
				zap.String("session_id", sessionID),
				zap.String("loop_id", loopID),
				zap.Error(err))
		}
		// Run errors are reported through the sink's error event; they do
		// not fail the runner.
		return nil
	})

	return loopID, nil
}

func (r *Runner) releaseSnapshot(ctx context.Context, sessionID string, state *schemas.AgentState) {
	snap, err := r.deps.Sessions.Load(ctx, sessionID)
	if err != nil || snap == nil {
		return
	}
	snap.CurrentLoopID = ""
	if state != nil {
		snap.Status = state.Status
		snap.TaskState = state.TaskState
	}
	if err := r.deps.Sessions.Save(ctx, snap); err != nil {
		r.logger.Warn("Failed to release session snapshot.", zap.Error(err))
	}
}

// Interrupt raises the cooperative stop flag; the running loop honors it at
// its next suspension point.
func (r *Runner) Interrupt(ctx context.Context, sessionID string) error {
	return r.deps.Sessions.RequestInterrupt(ctx, sessionID)
}

// Freeze parks an idle session so invocations are refused until Unfreeze.
func (r *Runner) Freeze(sessionID string) error {
	return r.setStatus(sessionID, schemas.StatusFrozen)
}

// Unfreeze returns a frozen session to IDLE.
func (r *Runner) Unfreeze(sessionID string) error {
	return r.setStatus(sessionID, schemas.StatusIdle)
}

func (r *Runner) setStatus(sessionID string, status schemas.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.owners[sessionID]; busy {
		return fmt.Errorf("session %s has a loop in flight", sessionID)
	}
	state, ok := r.states[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	next, out := r.deps.Mutator.SetStatus(state, status)
	if !out.Accepted {
		return fmt.Errorf("cannot set status: %s", out.Reason)
	}
	r.states[sessionID] = next
	return nil
}

// State returns the runner's copy of a session's agent state.
func (r *Runner) State(sessionID string) (*schemas.AgentState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[sessionID]
	return state, ok
}

// Wait blocks until all in-flight loop runs finish. Call during shutdown.
func (r *Runner) Wait() error {
	return r.group.Wait()
}
