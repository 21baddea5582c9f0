package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/toutatis-dev/huddle/internal/actions"
	"github.com/toutatis-dev/huddle/internal/bus"
	"github.com/toutatis-dev/huddle/internal/memory"
	"github.com/toutatis-dev/huddle/internal/observability"
	"github.com/toutatis-dev/huddle/internal/providers"
	"github.com/toutatis-dev/huddle/internal/routing"
	"github.com/toutatis-dev/huddle/internal/storage"
	"github.com/toutatis-dev/huddle/pkg/models"
)

// DefaultRetryDelay is the pause before the single transient retry.
const DefaultRetryDelay = 1200 * time.Millisecond

// previewTail bounds the live spinner preview length in runes.
const previewTail = 160

// cancelledRowText is the system row written when a request is cancelled.
const cancelledRowText = "AI request cancelled."

// Request describes one /ai invocation with its route already resolved.
type Request struct {
	Room string
	User string
	Text string

	Route   *routing.Route
	Invoker providers.Invoker

	// System is the active profile's system prompt, empty for none.
	System string
	Stream bool

	UseMemory     bool
	Scopes        []models.MemoryScope
	RerankInvoker providers.Invoker
	RerankModel   string

	Act     bool
	Profile *models.AgentProfile
}

// Deps wires the service to the rest of the runtime. State defaults to
// a fresh slot; Memory, Actions, Bus, and Tracer may be nil, disabling
// the corresponding pipeline stage or notification path.
type Deps struct {
	State   *State
	Store   *storage.Store
	Memory  *memory.Selector
	Actions *actions.Service
	Bus     *bus.Bus
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Service runs AI requests: one at a time, prompt row first, then a
// background worker that builds memory context, calls the provider with
// a single transient retry, optionally collects action proposals, and
// persists the response with its citation rows.
type Service struct {
	state   *State
	store   *storage.Store
	memory  *memory.Selector
	actions *actions.Service
	bus     *bus.Bus
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	// retryDelay is shortened in tests.
	retryDelay time.Duration

	wg sync.WaitGroup
}

// NewService builds the AI request service.
func NewService(deps Deps) *Service {
	state := deps.State
	if state == nil {
		state = NewState()
	}
	return &Service{
		state:      state,
		store:      deps.Store,
		memory:     deps.Memory,
		actions:    deps.Actions,
		bus:        deps.Bus,
		logger:     deps.Logger.WithFields("component", "ai"),
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		retryDelay: DefaultRetryDelay,
	}
}

// State exposes the request slot for status rendering and cancellation.
func (s *Service) State() *State { return s.state }

// Cancel flags the active request and reports whether one was running.
func (s *Service) Cancel() bool { return s.state.Cancel() }

// Wait blocks until the in-flight worker, if any, has finished.
func (s *Service) Wait() { s.wg.Wait() }

// Submit reserves the request slot, persists the ai_prompt row, and
// starts the execution worker. It returns the new request id, or
// ErrBusy while another request is active.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	if req.Route == nil || req.Invoker == nil {
		return "", errors.New("ai request needs a resolved route and provider")
	}
	if strings.TrimSpace(req.Text) == "" {
		return "", errors.New("ai request needs a prompt")
	}

	id, err := s.state.Begin(req.Route.Provider, req.Route.Model, req.Room, scopeLabel(req))
	if err != nil {
		return "", err
	}

	prompt := &models.Event{
		Type:      models.EventAIPrompt,
		Author:    req.User,
		Text:      req.Text,
		Provider:  req.Route.Provider,
		Model:     req.Route.Model,
		RequestID: id,
	}
	if err := s.store.AppendEvent(ctx, req.Room, prompt); err != nil {
		s.state.Clear(id)
		return "", fmt.Errorf("persist prompt: %w", err)
	}

	s.metrics.RecordAIRequest("started")
	s.logger.Info(ctx, "ai request started",
		"request_id", id,
		"provider", req.Route.Provider,
		"model", req.Route.Model,
		"room", req.Room,
		"route_reason", req.Route.Reason)

	s.wg.Add(1)
	go s.run(req, id)
	return id, nil
}

// run is the execution worker. The cancel flag is checked before and
// after every suspension point; once observed, nothing further is
// persisted except the single cancellation row.
func (s *Service) run(req Request, id string) {
	defer s.wg.Done()

	stop := s.state.Watch(id)
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	go func() {
		select {
		case <-stop:
			cancelCtx()
		case <-ctx.Done():
		}
	}()

	ctx, span := s.tracer.Start(ctx, "ai.request",
		attribute.String("ai.provider", req.Route.Provider),
		attribute.String("ai.model", req.Route.Model),
		attribute.String("ai.room", req.Room))
	defer span.End()

	cancelled := func() bool {
		select {
		case <-stop:
			return true
		default:
			return false
		}
	}

	if cancelled() {
		s.finishCancelled(req, id)
		return
	}

	effective := req.Text
	var used []*models.MemoryEntry
	if req.UseMemory && s.memory != nil {
		scopes := req.Scopes
		if len(scopes) == 0 {
			scopes = models.AllMemoryScopes
		}
		mctx, mspan := s.tracer.Start(ctx, "memory.select")
		entries, warning := s.memory.SelectForPrompt(mctx, req.Text, scopes, req.RerankInvoker, req.RerankModel)
		mspan.End()
		if warning != "" {
			s.notifyLocal(req.Room, warning)
		}
		var block string
		block, used = memory.ContextBlock(entries)
		if block != "" {
			effective = block + "\n\n" + req.Text
		}
		if cancelled() {
			s.finishCancelled(req, id)
			return
		}
	}

	var preview strings.Builder
	call := providers.Request{
		Model:  req.Route.Model,
		System: req.System,
		Prompt: effective,
		Stream: req.Stream,
	}
	if req.Stream {
		call.OnToken = func(token string) {
			preview.WriteString(token)
			s.state.SetPreview(tailRunes(preview.String(), previewTail))
		}
	}

	pctx, pspan := s.tracer.Start(ctx, "provider.invoke")
	resp, err := s.invokeWithRetry(pctx, req.Invoker, call, stop)
	if err != nil {
		s.tracer.RecordError(pspan, err)
	}
	pspan.End()

	if cancelled() {
		s.finishCancelled(req, id)
		return
	}
	if err != nil {
		s.finishFailed(ctx, req, id, err)
		return
	}

	finalText := resp.Text
	var created []*models.ToolAction
	if req.Act && s.actions != nil {
		actx, aspan := s.tracer.Start(ctx, "actions.propose")
		proposals, answer := s.proposeActions(actx, req, id, effective, resp.Text, stop)
		aspan.End()
		if cancelled() {
			s.finishCancelled(req, id)
			return
		}
		created = proposals
		if answer != "" {
			finalText = answer
		}
	}

	response := &models.Event{
		Type:             models.EventAIResponse,
		Author:           req.User,
		Text:             finalText,
		Provider:         req.Route.Provider,
		Model:            req.Route.Model,
		RequestID:        id,
		MemoryIDsUsed:    entryIDs(used),
		MemoryTopicsUsed: entryTopics(used),
	}
	if err := s.store.AppendEvent(ctx, req.Room, response); err != nil {
		s.logger.Error(ctx, "persist response failed", "request_id", id, "error", err.Error())
		s.metrics.RecordAIRequest("failed")
		s.notifyLocal(req.Room, "AI response could not be written: "+err.Error())
		s.state.Clear(id)
		return
	}

	if ids := entryIDs(used); len(ids) > 0 {
		s.systemRow(ctx, req.Room, id, "Memory used: "+strings.Join(ids, ", "))
	}
	for _, a := range created {
		s.systemRow(ctx, req.Room, id, fmt.Sprintf(
			"Action %s proposed (%s): %s. Approve with /approve %s.",
			a.ActionID, a.Tool, a.Summary, a.ActionID))
	}

	s.metrics.RecordAIRequest("completed")
	s.logger.Info(ctx, "ai request completed", "request_id", id, "room", req.Room)
	s.state.Clear(id)
	s.refresh(req.Room)
}

// invokeWithRetry calls the provider, retrying exactly once after a
// transient failure. The backoff pause honors cancellation.
func (s *Service) invokeWithRetry(ctx context.Context, invoker providers.Invoker, call providers.Request, stop <-chan struct{}) (*providers.Response, error) {
	resp, err := invoker.Invoke(ctx, call)
	if err == nil || !providers.IsTransient(err) {
		return resp, err
	}

	s.state.IncRetry()
	s.metrics.RecordAIRequest("retried")
	s.logger.Warn(ctx, "provider call failed, retrying once",
		"reason", string(providers.ReasonOf(err)))

	select {
	case <-time.After(s.retryDelay):
	case <-stop:
		return nil, err
	case <-ctx.Done():
		return nil, err
	}
	return invoker.Invoke(ctx, call)
}

// proposeActions issues the second, strict-JSON call of an --act request
// and registers every proposal the contract and policy accept. A failure
// here never fails the request; the plain answer from the first call
// stands.
func (s *Service) proposeActions(ctx context.Context, req Request, requestID, effectivePrompt, firstAnswer string, stop <-chan struct{}) ([]*models.ToolAction, string) {
	call := providers.Request{
		Model:  req.Route.Model,
		System: req.System,
		Prompt: buildActPrompt(effectivePrompt, firstAnswer),
	}
	resp, err := s.invokeWithRetry(ctx, req.Invoker, call, stop)
	if err != nil {
		s.notifyLocal(req.Room, "Action proposal call failed: "+err.Error())
		return nil, ""
	}

	var reply actReply
	if err := actContract.Parse(resp.Text, &reply); err != nil {
		s.notifyLocal(req.Room, "Action proposals were not valid JSON; keeping the plain answer.")
		return nil, ""
	}

	var created []*models.ToolAction
	for _, p := range reply.ProposedActions {
		action, err := s.actions.Create(ctx, actions.Proposal{
			Tool:      p.Tool,
			Arguments: p.Arguments,
			Summary:   p.Summary,
		}, req.User, req.Profile, requestID, req.Room)
		if err != nil {
			s.notifyLocal(req.Room, fmt.Sprintf("Proposal %q refused: %v", p.Tool, err))
			continue
		}
		created = append(created, action)
	}
	return created, strings.TrimSpace(reply.Answer)
}

// finishCancelled writes the single cancellation row and releases the
// slot. No response text is persisted, streamed or not.
func (s *Service) finishCancelled(req Request, id string) {
	ctx := context.Background()
	ev := &models.Event{
		Type:      models.EventSystem,
		Author:    "system",
		Text:      cancelledRowText,
		RequestID: id,
	}
	if err := s.store.AppendEvent(ctx, req.Room, ev); err != nil {
		s.logger.Warn(ctx, "cancellation row append failed", "request_id", id, "error", err.Error())
	}
	s.metrics.RecordAIRequest("cancelled")
	s.logger.Info(ctx, "ai request cancelled", "request_id", id)
	s.state.Clear(id)
	s.refresh(req.Room)
}

func (s *Service) finishFailed(ctx context.Context, req Request, id string, cause error) {
	ev := &models.Event{
		Type:      models.EventSystem,
		Author:    "system",
		Text:      "AI request failed: " + cause.Error(),
		RequestID: id,
	}
	if err := s.store.AppendEvent(ctx, req.Room, ev); err != nil {
		s.logger.Warn(ctx, "failure row append failed", "request_id", id, "error", err.Error())
	}
	s.metrics.RecordAIRequest("failed")
	s.logger.Warn(ctx, "ai request failed", "request_id", id, "error", cause.Error())
	s.state.Clear(id)
	s.refresh(req.Room)
}

// systemRow persists one system event into the room log.
func (s *Service) systemRow(ctx context.Context, room, requestID, text string) {
	ev := &models.Event{
		Type:      models.EventSystem,
		Author:    "system",
		Text:      text,
		RequestID: requestID,
	}
	if err := s.store.AppendEvent(ctx, room, ev); err != nil {
		s.logger.Warn(ctx, "system row append failed", "room", room, "error", err.Error())
	}
}

// notifyLocal shows a message in this client's UI without persisting it.
func (s *Service) notifyLocal(room, text string) {
	if s.bus == nil {
		return
	}
	s.bus.PublishOrFallback(bus.Event{Topic: bus.TopicSystemMessage, Room: room, Text: text}, false, nil)
}

// refresh asks the UI to repaint after new rows landed.
func (s *Service) refresh(room string) {
	if s.bus == nil {
		return
	}
	s.bus.PublishOrFallback(bus.Event{Topic: bus.TopicRefreshOutput, Room: room}, false, nil)
}

func scopeLabel(req Request) string {
	if !req.UseMemory {
		return "off"
	}
	if len(req.Scopes) == 0 {
		return "all"
	}
	parts := make([]string, 0, len(req.Scopes))
	for _, sc := range req.Scopes {
		parts = append(parts, string(sc))
	}
	return strings.Join(parts, ",")
}

func entryIDs(entries []*models.MemoryEntry) []string {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

// entryTopics returns the distinct topics of the cited entries in
// first-seen order.
func entryTopics(entries []*models.MemoryEntry) []string {
	if len(entries) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(entries))
	var topics []string
	for _, e := range entries {
		t := strings.TrimSpace(e.Topic)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		topics = append(topics, t)
	}
	return topics
}

func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
