package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/toutatis-dev/huddle/internal/audit"
	"github.com/toutatis-dev/huddle/internal/observability"
	"github.com/toutatis-dev/huddle/internal/storage"
	"github.com/toutatis-dev/huddle/internal/toolcontract"
	"github.com/toutatis-dev/huddle/pkg/models"
)

// DefaultTTL is how long a pending action stays approvable.
const DefaultTTL = 24 * time.Hour

// ErrExpired refuses a decision on an action whose approval window has
// closed. The action transitions to expired as a side effect.
var ErrExpired = errors.New("approval window expired")

// ErrActionNotFound reports an unknown action id.
type ErrActionNotFound struct {
	ID string
}

func (e *ErrActionNotFound) Error() string {
	return fmt.Sprintf("no action with id %s", e.ID)
}

// StateError refuses a transition out of a terminal status.
type StateError struct {
	ID     string
	Status models.ActionStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("action %s is already %s and cannot change", e.ID, e.Status)
}

// PolicyError reports a proposal the active agent profile does not permit.
type PolicyError struct {
	Tool   string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("tool %q refused: %s", e.Tool, e.Reason)
}

// Decision is a user verdict on a pending action.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// Proposal is a tool invocation suggested by an AI reply, before
// validation and registration.
type Proposal struct {
	Tool      string
	Arguments map[string]any
	Summary   string
}

// Service owns the action state machine. Actions live in an in-memory
// map guarded by a mutex; every transition is appended to the actions
// audit log first, so a replay on startup reconstructs the same state.
// Approved actions execute on a background goroutine.
type Service struct {
	mu      sync.Mutex
	actions map[string]*models.ToolAction
	results map[string]*models.ActionResult
	order   []string

	log     *audit.Logger
	runner  *Runner
	logger  *observability.Logger
	metrics *observability.Metrics

	// now is swapped in tests to control the clock.
	now func() time.Time

	// notify, when set, receives each finished execution.
	notify func(*models.ToolAction, *models.ActionResult)

	wg sync.WaitGroup
}

// NewService wires the action service to its audit log and runner.
func NewService(store *storage.Store, layout storage.Layout, runner *Runner, logger *observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		actions: make(map[string]*models.ToolAction),
		results: make(map[string]*models.ActionResult),
		log:     audit.NewLogger(store, layout.ActionsLog(), logger),
		runner:  runner,
		logger:  logger.WithFields("component", "actions"),
		metrics: metrics,
		now:     time.Now,
	}
}

// SetNotify registers a callback invoked after each execution finishes,
// with copies of the final action and its result.
func (s *Service) SetNotify(fn func(*models.ToolAction, *models.ActionResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = fn
}

// Runner exposes the underlying runner for tool path management.
func (s *Service) Runner() *Runner { return s.runner }

// Create validates a proposal against the tool contract and the active
// profile's tool policy, then registers a pending action with a 24 hour
// approval window. The created row is audited before it becomes visible.
func (s *Service) Create(ctx context.Context, p Proposal, user string, profile *models.AgentProfile, requestID, room string) (*models.ToolAction, error) {
	def, err := toolcontract.ValidateFor(p.Tool, p.Arguments)
	if err != nil {
		return nil, err
	}
	if err := checkPolicy(p.Tool, profile); err != nil {
		return nil, err
	}

	now := s.now()
	summary := p.Summary
	if summary == "" {
		summary = def.Description
	}
	action := &models.ToolAction{
		ActionID:       models.NewActionID(),
		TS:             now,
		User:           user,
		AgentProfile:   profile.ID,
		Tool:           p.Tool,
		Summary:        summary,
		CommandPreview: BuildPreview(p.Tool, p.Arguments),
		RiskLevel:      def.Risk,
		Status:         models.ActionPending,
		Inputs:         p.Arguments,
		RequestID:      requestID,
		Room:           room,
		ExpiresAt:      now.Add(DefaultTTL),
		TTLSeconds:     int(DefaultTTL / time.Second),
	}

	detail, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.log.Append(ctx, &audit.Record{
		Kind:      audit.KindActionCreated,
		Actor:     user,
		Room:      room,
		ActionID:  action.ActionID,
		RequestID: requestID,
		ProfileID: profile.ID,
		Status:    string(models.ActionPending),
		Detail:    detail,
	}); err != nil {
		return nil, fmt.Errorf("audit action: %w", err)
	}
	s.actions[action.ActionID] = action
	s.order = append(s.order, action.ActionID)

	s.metrics.RecordAction(string(models.ActionPending))
	s.logger.Info(ctx, "action created",
		"action_id", action.ActionID,
		"tool", action.Tool,
		"risk", string(action.RiskLevel),
		"user", user)
	return cloneAction(action), nil
}

func checkPolicy(tool string, profile *models.AgentProfile) error {
	if profile == nil {
		return &PolicyError{Tool: tool, Reason: "no agent profile is active"}
	}
	switch profile.ToolPolicy.Mode {
	case "", "off":
		return &PolicyError{Tool: tool, Reason: fmt.Sprintf("profile %q has tools disabled", profile.ID)}
	}
	if !profile.ToolPolicy.AllowsTool(tool) {
		return &PolicyError{Tool: tool, Reason: fmt.Sprintf("not in profile %q allowed tools", profile.ID)}
	}
	return nil
}

// Decide applies a user verdict to a pending action. Terminal actions
// refuse any further decision. A decision arriving after the approval
// window expires the action instead of applying the verdict, and the
// returned error wraps ErrExpired.
func (s *Service) Decide(ctx context.Context, id string, decision Decision, decider string) (*models.ToolAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	action, ok := s.actions[id]
	if !ok {
		return nil, &ErrActionNotFound{ID: id}
	}
	if action.Status.Terminal() {
		return nil, &StateError{ID: id, Status: action.Status}
	}
	if action.Status != models.ActionPending {
		return nil, &StateError{ID: id, Status: action.Status}
	}

	if action.PastTTL(s.now()) {
		if err := s.transitionLocked(ctx, action, models.ActionExpired, decider, nil); err != nil {
			return nil, err
		}
		return cloneAction(action), fmt.Errorf("action %s: %w", id, ErrExpired)
	}

	switch decision {
	case DecisionDeny:
		if err := s.transitionLocked(ctx, action, models.ActionDenied, decider, nil); err != nil {
			return nil, err
		}
		return cloneAction(action), nil
	case DecisionApprove:
		if err := s.transitionLocked(ctx, action, models.ActionApproved, decider, nil); err != nil {
			return nil, err
		}
		run := cloneAction(action)
		s.wg.Add(1)
		go s.execute(run)
		return cloneAction(action), nil
	}
	return nil, fmt.Errorf("unknown decision %q", decision)
}

// transitionLocked audits a status change and applies it. Callers hold
// the service mutex.
func (s *Service) transitionLocked(ctx context.Context, action *models.ToolAction, to models.ActionStatus, actor string, detail json.RawMessage) error {
	kind := audit.KindActionDecision
	if to == models.ActionCompleted || to == models.ActionFailed {
		kind = audit.KindActionResult
	}
	if err := s.log.Append(ctx, &audit.Record{
		Kind:      kind,
		Actor:     actor,
		Room:      action.Room,
		ActionID:  action.ActionID,
		RequestID: action.RequestID,
		Status:    string(to),
		Detail:    detail,
	}); err != nil {
		return fmt.Errorf("audit action: %w", err)
	}
	action.Status = to
	s.metrics.RecordAction(string(to))
	s.logger.Info(ctx, "action transitioned",
		"action_id", action.ActionID,
		"status", string(to),
		"actor", actor)
	return nil
}

// execute runs one approved action off the decision path. Running is an
// in-memory state only; the audit log records creation, the decision,
// and the final result.
func (s *Service) execute(action *models.ToolAction) {
	defer s.wg.Done()
	ctx := context.Background()

	s.mu.Lock()
	if live, ok := s.actions[action.ActionID]; ok {
		live.Status = models.ActionRunning
	}
	s.mu.Unlock()

	start := time.Now()
	res := s.runner.Execute(ctx, action)

	final := models.ActionCompleted
	if res.ExitCode != 0 || res.Err != "" {
		final = models.ActionFailed
	}
	detail, err := json.Marshal(res)
	if err != nil {
		detail = nil
	}

	s.mu.Lock()
	live, ok := s.actions[action.ActionID]
	if ok {
		if err := s.transitionLocked(ctx, live, final, "system", detail); err != nil {
			s.logger.Error(ctx, "audit append failed after execution",
				"action_id", action.ActionID, "error", err.Error())
			live.Status = final
		}
		s.results[action.ActionID] = res
	}
	notify := s.notify
	s.mu.Unlock()

	s.metrics.RecordToolExecution(action.Tool, string(final), time.Since(start).Seconds())
	if notify != nil {
		done := cloneAction(action)
		done.Status = final
		notify(done, res)
	}
}

// Get returns copies of an action and its result, if any.
func (s *Service) Get(id string) (*models.ToolAction, *models.ActionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	action, ok := s.actions[id]
	if !ok {
		return nil, nil, &ErrActionNotFound{ID: id}
	}
	var res *models.ActionResult
	if r, ok := s.results[id]; ok {
		cp := *r
		res = &cp
	}
	return cloneAction(action), res, nil
}

// List returns copies of all known actions in creation order.
func (s *Service) List() []*models.ToolAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ToolAction, 0, len(s.order))
	for _, id := range s.order {
		if a, ok := s.actions[id]; ok {
			out = append(out, cloneAction(a))
		}
	}
	return out
}

// Pending returns copies of actions still awaiting a decision.
func (s *Service) Pending() []*models.ToolAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ToolAction, 0)
	for _, id := range s.order {
		if a, ok := s.actions[id]; ok && a.Status == models.ActionPending {
			out = append(out, cloneAction(a))
		}
	}
	return out
}

// Prune drops every non-pending action from memory and reports how many
// were removed. The audit log is never rewritten.
func (s *Service) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		a, ok := s.actions[id]
		if !ok {
			continue
		}
		if a.Status == models.ActionPending {
			kept = append(kept, id)
			continue
		}
		delete(s.actions, id)
		delete(s.results, id)
		removed++
	}
	s.order = kept
	return removed
}

// ExpireOverdue transitions every pending action past its approval
// window to expired. The periodic sweep calls this once a minute.
func (s *Service) ExpireOverdue(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	expired := 0
	for _, id := range s.order {
		a, ok := s.actions[id]
		if !ok || a.Status != models.ActionPending || !a.PastTTL(now) {
			continue
		}
		if err := s.transitionLocked(ctx, a, models.ActionExpired, "system", nil); err != nil {
			s.logger.Warn(ctx, "expiry sweep append failed",
				"action_id", id, "error", err.Error())
			continue
		}
		expired++
	}
	return expired
}

// Rehydrate rebuilds the in-memory action map from the audit log.
// Creation rows register actions, decision rows apply their status, and
// result rows finalize status and attach the result. An action approved
// before shutdown but never executed stays approved; it is not re-run.
func (s *Service) Rehydrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = make(map[string]*models.ToolAction)
	s.results = make(map[string]*models.ActionResult)
	s.order = nil

	return s.log.Replay(ctx, func(rec *audit.Record) error {
		switch rec.Kind {
		case audit.KindActionCreated:
			var action models.ToolAction
			if err := json.Unmarshal(rec.Detail, &action); err != nil {
				s.logger.Warn(ctx, "skipping undecodable action row",
					"action_id", rec.ActionID, "error", err.Error())
				return nil
			}
			if action.ActionID == "" {
				return nil
			}
			s.actions[action.ActionID] = &action
			s.order = append(s.order, action.ActionID)
		case audit.KindActionDecision:
			if a, ok := s.actions[rec.ActionID]; ok && rec.Status != "" {
				a.Status = models.ActionStatus(rec.Status)
			}
		case audit.KindActionResult:
			a, ok := s.actions[rec.ActionID]
			if !ok {
				return nil
			}
			if rec.Status != "" {
				a.Status = models.ActionStatus(rec.Status)
			}
			if len(rec.Detail) > 0 {
				var res models.ActionResult
				if err := json.Unmarshal(rec.Detail, &res); err == nil {
					s.results[rec.ActionID] = &res
				}
			}
		}
		return nil
	})
}

// Wait blocks until every in-flight execution has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func cloneAction(a *models.ToolAction) *models.ToolAction {
	cp := *a
	if a.Inputs != nil {
		cp.Inputs = make(map[string]any, len(a.Inputs))
		for k, v := range a.Inputs {
			cp.Inputs[k] = v
		}
	}
	return &cp
}
