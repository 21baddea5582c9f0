package actions

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/toutatis-dev/huddle/internal/audit"
	"github.com/toutatis-dev/huddle/internal/storage"
	"github.com/toutatis-dev/huddle/internal/toolcontract"
	"github.com/toutatis-dev/huddle/pkg/models"
)

type serviceFixture struct {
	svc    *Service
	store  *storage.Store
	layout storage.Layout
	runner *Runner
}

func newTestService(t *testing.T) *serviceFixture {
	t.Helper()
	dir := t.TempDir()
	layout := storage.NewLayout(filepath.Join(dir, "shared"), filepath.Join(dir, ".local_chat"))
	if err := layout.EnsureBase(); err != nil {
		t.Fatal(err)
	}
	if err := layout.EnsureLocal(); err != nil {
		t.Fatal(err)
	}
	store := storage.New(layout, nil, nil)
	runner := NewRunner(t.TempDir(), 0, nil)
	return &serviceFixture{
		svc:    NewService(store, layout, runner, nil, nil),
		store:  store,
		layout: layout,
		runner: runner,
	}
}

func devProfile() *models.AgentProfile {
	return &models.AgentProfile{
		ID:   "dev",
		Name: "Dev",
		ToolPolicy: models.ToolPolicy{
			Mode:            "act",
			RequireApproval: true,
			AllowedTools:    []string{"read_file", "list_dir", "search_text", "run_command", "write_note"},
		},
	}
}

func (f *serviceFixture) auditRows(t *testing.T) []*audit.Record {
	t.Helper()
	rows, err := f.svc.log.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	return rows
}

type execDone struct {
	action *models.ToolAction
	result *models.ActionResult
}

func watchExecutions(svc *Service) chan execDone {
	ch := make(chan execDone, 4)
	svc.SetNotify(func(a *models.ToolAction, r *models.ActionResult) {
		ch <- execDone{action: a, result: r}
	})
	return ch
}

func waitExec(t *testing.T, ch chan execDone) execDone {
	t.Helper()
	select {
	case done := <-ch:
		return done
	case <-time.After(10 * time.Second):
		t.Fatal("execution did not finish")
		return execDone{}
	}
}

func TestCreateRegistersPendingAction(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	action, err := f.svc.Create(ctx, Proposal{
		Tool:      "read_file",
		Arguments: map[string]any{"path": "a.txt"},
		Summary:   "Read a.txt",
	}, "ana", devProfile(), "req0000001", "general")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if len(action.ActionID) != 8 {
		t.Fatalf("ActionID = %q, want 8 hex chars", action.ActionID)
	}
	if action.Status != models.ActionPending {
		t.Fatalf("Status = %s, want pending", action.Status)
	}
	if action.RiskLevel != models.RiskLow {
		t.Fatalf("RiskLevel = %s, want low", action.RiskLevel)
	}
	if got := action.ExpiresAt.Sub(action.TS); got != DefaultTTL {
		t.Fatalf("approval window = %s, want %s", got, DefaultTTL)
	}
	if action.TTLSeconds != int(DefaultTTL/time.Second) {
		t.Fatalf("TTLSeconds = %d", action.TTLSeconds)
	}
	if action.CommandPreview != "read_file path=a.txt" {
		t.Fatalf("CommandPreview = %q", action.CommandPreview)
	}
	if action.User != "ana" || action.AgentProfile != "dev" || action.Room != "general" {
		t.Fatalf("attribution = %q/%q/%q", action.User, action.AgentProfile, action.Room)
	}

	if got := len(f.svc.List()); got != 1 {
		t.Fatalf("List len = %d", got)
	}
	rows := f.auditRows(t)
	if len(rows) != 1 || rows[0].Kind != audit.KindActionCreated {
		t.Fatalf("audit rows = %+v", rows)
	}
	if rows[0].Status != string(models.ActionPending) || rows[0].ActionID != action.ActionID {
		t.Fatalf("created row = %+v", rows[0])
	}
}

func TestCreateRejectsUnknownTool(t *testing.T) {
	f := newTestService(t)
	_, err := f.svc.Create(context.Background(), Proposal{Tool: "drop_tables"}, "ana", devProfile(), "", "")
	var unknown *toolcontract.ErrUnknownTool
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
	if len(f.auditRows(t)) != 0 {
		t.Fatal("refused proposal must not be audited")
	}
}

func TestCreateRejectsInvalidArguments(t *testing.T) {
	f := newTestService(t)
	_, err := f.svc.Create(context.Background(), Proposal{
		Tool:      "read_file",
		Arguments: map[string]any{"path": 42},
	}, "ana", devProfile(), "", "")
	if err == nil {
		t.Fatal("want validation error")
	}
	if len(f.svc.List()) != 0 {
		t.Fatal("invalid proposal must not register")
	}
}

func TestCreateEnforcesProfilePolicy(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()
	proposal := Proposal{Tool: "read_file", Arguments: map[string]any{"path": "a.txt"}}

	var policyErr *PolicyError

	if _, err := f.svc.Create(ctx, proposal, "ana", nil, "", ""); !errors.As(err, &policyErr) {
		t.Fatalf("nil profile err = %v", err)
	}

	off := devProfile()
	off.ToolPolicy.Mode = "off"
	if _, err := f.svc.Create(ctx, proposal, "ana", off, "", ""); !errors.As(err, &policyErr) {
		t.Fatalf("mode off err = %v", err)
	}

	limited := devProfile()
	limited.ToolPolicy.AllowedTools = []string{"list_dir"}
	if _, err := f.svc.Create(ctx, proposal, "ana", limited, "", ""); !errors.As(err, &policyErr) {
		t.Fatalf("disallowed tool err = %v", err)
	}

	if len(f.svc.List()) != 0 || len(f.auditRows(t)) != 0 {
		t.Fatal("policy refusals must leave no trace")
	}
}

func TestDenyIsTerminal(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()
	action, err := f.svc.Create(ctx, Proposal{
		Tool: "read_file", Arguments: map[string]any{"path": "a.txt"},
	}, "ana", devProfile(), "", "")
	if err != nil {
		t.Fatal(err)
	}

	denied, err := f.svc.Decide(ctx, action.ActionID, DecisionDeny, "ben")
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if denied.Status != models.ActionDenied {
		t.Fatalf("Status = %s", denied.Status)
	}

	var stateErr *StateError
	if _, err := f.svc.Decide(ctx, action.ActionID, DecisionApprove, "ben"); !errors.As(err, &stateErr) {
		t.Fatalf("approve after deny err = %v, want StateError", err)
	}
	if _, err := f.svc.Decide(ctx, action.ActionID, DecisionDeny, "ben"); !errors.As(err, &stateErr) {
		t.Fatalf("second deny err = %v, want StateError", err)
	}

	got, _, err := f.svc.Get(action.ActionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ActionDenied {
		t.Fatalf("terminal status drifted to %s", got.Status)
	}
}

func TestDecideUnknownAction(t *testing.T) {
	f := newTestService(t)
	var notFound *ErrActionNotFound
	if _, err := f.svc.Decide(context.Background(), "deadbeef", DecisionApprove, "ana"); !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ErrActionNotFound", err)
	}
}

func TestApproveRunsToCompletion(t *testing.T) {
	skipOnWindows(t)
	f := newTestService(t)
	ctx := context.Background()
	ch := watchExecutions(f.svc)

	if err := os.WriteFile(filepath.Join(f.runner.BaseDir(), "plan.md"), []byte("step one\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	action, err := f.svc.Create(ctx, Proposal{
		Tool: "read_file", Arguments: map[string]any{"path": "plan.md"},
	}, "ana", devProfile(), "", "general")
	if err != nil {
		t.Fatal(err)
	}

	approved, err := f.svc.Decide(ctx, action.ActionID, DecisionApprove, "ana")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != models.ActionApproved {
		t.Fatalf("Status right after approve = %s", approved.Status)
	}

	done := waitExec(t, ch)
	f.svc.Wait()

	if done.action.Status != models.ActionCompleted {
		t.Fatalf("final status = %s", done.action.Status)
	}
	if done.result.ExitCode != 0 || !strings.Contains(done.result.Output, "step one") {
		t.Fatalf("result = %+v", done.result)
	}

	got, res, err := f.svc.Get(action.ActionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ActionCompleted || res == nil || res.ExitCode != 0 {
		t.Fatalf("stored state = %s result %+v", got.Status, res)
	}

	rows := f.auditRows(t)
	if len(rows) != 3 {
		t.Fatalf("audit rows = %d, want created/decision/result", len(rows))
	}
	if rows[1].Kind != audit.KindActionDecision || rows[1].Status != string(models.ActionApproved) {
		t.Fatalf("decision row = %+v", rows[1])
	}
	if rows[2].Kind != audit.KindActionResult || rows[2].Status != string(models.ActionCompleted) {
		t.Fatalf("result row = %+v", rows[2])
	}
	var replayed models.ActionResult
	if err := json.Unmarshal(rows[2].Detail, &replayed); err != nil || replayed.ExitCode != 0 {
		t.Fatalf("result detail = %s err=%v", rows[2].Detail, err)
	}
}

func TestApproveRecordsFailedExecution(t *testing.T) {
	skipOnWindows(t)
	f := newTestService(t)
	ctx := context.Background()
	ch := watchExecutions(f.svc)

	action, err := f.svc.Create(ctx, Proposal{
		Tool: "run_command", Arguments: map[string]any{"command": "false"},
	}, "ana", devProfile(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if action.RiskLevel != models.RiskHigh {
		t.Fatalf("run_command risk = %s, want high", action.RiskLevel)
	}

	if _, err := f.svc.Decide(ctx, action.ActionID, DecisionApprove, "ana"); err != nil {
		t.Fatal(err)
	}
	done := waitExec(t, ch)
	f.svc.Wait()

	if done.action.Status != models.ActionFailed {
		t.Fatalf("final status = %s, want failed", done.action.Status)
	}
	if done.result.ExitCode == 0 {
		t.Fatal("failed run reported exit 0")
	}

	got, _, err := f.svc.Get(action.ActionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ActionFailed {
		t.Fatalf("stored status = %s", got.Status)
	}
}

func TestDecideAfterTTLExpiresAction(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return base }

	action, err := f.svc.Create(ctx, Proposal{
		Tool: "read_file", Arguments: map[string]any{"path": "a.txt"},
	}, "ana", devProfile(), "", "")
	if err != nil {
		t.Fatal(err)
	}

	f.svc.now = func() time.Time { return base.Add(DefaultTTL + time.Minute) }

	expired, err := f.svc.Decide(ctx, action.ActionID, DecisionApprove, "ana")
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if !strings.Contains(err.Error(), "expired") {
		t.Fatalf("err text = %q, must mention expiry", err.Error())
	}
	if expired == nil || expired.Status != models.ActionExpired {
		t.Fatalf("action after late approve = %+v", expired)
	}

	var stateErr *StateError
	if _, err := f.svc.Decide(ctx, action.ActionID, DecisionDeny, "ana"); !errors.As(err, &stateErr) {
		t.Fatalf("decide after expiry err = %v, want StateError", err)
	}

	rows := f.auditRows(t)
	if len(rows) != 2 {
		t.Fatalf("audit rows = %d", len(rows))
	}
	if rows[1].Kind != audit.KindActionDecision || rows[1].Status != string(models.ActionExpired) {
		t.Fatalf("expiry row = %+v", rows[1])
	}
}

func TestExpireOverdueSweepsOnlyOverduePending(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return base }
	early, err := f.svc.Create(ctx, Proposal{
		Tool: "read_file", Arguments: map[string]any{"path": "a.txt"},
	}, "ana", devProfile(), "", "")
	if err != nil {
		t.Fatal(err)
	}

	f.svc.now = func() time.Time { return base.Add(time.Hour) }
	late, err := f.svc.Create(ctx, Proposal{
		Tool: "read_file", Arguments: map[string]any{"path": "b.txt"},
	}, "ana", devProfile(), "", "")
	if err != nil {
		t.Fatal(err)
	}

	f.svc.now = func() time.Time { return base.Add(DefaultTTL + 30*time.Minute) }
	if got := f.svc.ExpireOverdue(ctx); got != 1 {
		t.Fatalf("ExpireOverdue = %d, want 1", got)
	}

	a, _, _ := f.svc.Get(early.ActionID)
	b, _, _ := f.svc.Get(late.ActionID)
	if a.Status != models.ActionExpired {
		t.Fatalf("overdue action = %s", a.Status)
	}
	if b.Status != models.ActionPending {
		t.Fatalf("in-window action = %s", b.Status)
	}

	// A second sweep finds nothing new.
	if got := f.svc.ExpireOverdue(ctx); got != 0 {
		t.Fatalf("second sweep = %d", got)
	}
}

func TestPruneKeepsPendingAndAuditLog(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, Proposal{
		Tool: "read_file", Arguments: map[string]any{"path": "a.txt"},
	}, "ana", devProfile(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.Create(ctx, Proposal{
		Tool: "read_file", Arguments: map[string]any{"path": "b.txt"},
	}, "ana", devProfile(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Decide(ctx, first.ActionID, DecisionDeny, "ana"); err != nil {
		t.Fatal(err)
	}

	before := len(f.auditRows(t))
	if got := f.svc.Prune(); got != 1 {
		t.Fatalf("Prune = %d, want 1", got)
	}

	remaining := f.svc.List()
	if len(remaining) != 1 || remaining[0].ActionID != second.ActionID {
		t.Fatalf("remaining = %+v", remaining)
	}
	if after := len(f.auditRows(t)); after != before {
		t.Fatalf("prune touched audit log: %d -> %d rows", before, after)
	}
	var notFound *ErrActionNotFound
	if _, _, err := f.svc.Get(first.ActionID); !errors.As(err, &notFound) {
		t.Fatalf("pruned action still readable: %v", err)
	}
}

func TestRehydrateRebuildsStateFromAudit(t *testing.T) {
	skipOnWindows(t)
	f := newTestService(t)
	ctx := context.Background()
	ch := watchExecutions(f.svc)

	if err := os.WriteFile(filepath.Join(f.runner.BaseDir(), "plan.md"), []byte("ok\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	denied, err := f.svc.Create(ctx, Proposal{
		Tool: "read_file", Arguments: map[string]any{"path": "a.txt"},
	}, "ana", devProfile(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Decide(ctx, denied.ActionID, DecisionDeny, "ana"); err != nil {
		t.Fatal(err)
	}

	completed, err := f.svc.Create(ctx, Proposal{
		Tool: "read_file", Arguments: map[string]any{"path": "plan.md"},
	}, "ana", devProfile(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Decide(ctx, completed.ActionID, DecisionApprove, "ana"); err != nil {
		t.Fatal(err)
	}
	waitExec(t, ch)
	f.svc.Wait()

	pending, err := f.svc.Create(ctx, Proposal{
		Tool: "read_file", Arguments: map[string]any{"path": "b.txt"},
	}, "ana", devProfile(), "", "")
	if err != nil {
		t.Fatal(err)
	}

	fresh := NewService(f.store, f.layout, f.runner, nil, nil)
	if err := fresh.Rehydrate(ctx); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}

	all := fresh.List()
	if len(all) != 3 {
		t.Fatalf("rehydrated %d actions, want 3", len(all))
	}
	wantStatus := map[string]models.ActionStatus{
		denied.ActionID:    models.ActionDenied,
		completed.ActionID: models.ActionCompleted,
		pending.ActionID:   models.ActionPending,
	}
	for _, a := range all {
		if a.Status != wantStatus[a.ActionID] {
			t.Fatalf("action %s status = %s, want %s", a.ActionID, a.Status, wantStatus[a.ActionID])
		}
	}

	got, res, err := fresh.Get(completed.ActionID)
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || res.ExitCode != 0 {
		t.Fatalf("rehydrated result = %+v", res)
	}
	if got.ExpiresAt.Unix() != completed.ExpiresAt.Unix() {
		t.Fatalf("ExpiresAt drifted: %v vs %v", got.ExpiresAt, completed.ExpiresAt)
	}
}

func TestRehydrateApprovedWithoutResultStaysApproved(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	action := &models.ToolAction{
		ActionID:   models.NewActionID(),
		TS:         time.Now().UTC(),
		User:       "ana",
		Tool:       "read_file",
		Status:     models.ActionPending,
		Inputs:     map[string]any{"path": "a.txt"},
		ExpiresAt:  time.Now().UTC().Add(DefaultTTL),
		TTLSeconds: int(DefaultTTL / time.Second),
	}
	detail, err := json.Marshal(action)
	if err != nil {
		t.Fatal(err)
	}
	log := audit.NewLogger(f.store, f.layout.ActionsLog(), nil)
	if err := log.Append(ctx, &audit.Record{
		Kind: audit.KindActionCreated, ActionID: action.ActionID,
		Status: string(models.ActionPending), Detail: detail,
	}); err != nil {
		t.Fatal(err)
	}
	if err := log.Append(ctx, &audit.Record{
		Kind: audit.KindActionDecision, ActionID: action.ActionID,
		Status: string(models.ActionApproved), Actor: "ana",
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Rehydrate(ctx); err != nil {
		t.Fatal(err)
	}
	got, res, err := f.svc.Get(action.ActionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ActionApproved {
		t.Fatalf("status = %s, want approved with no auto re-run", got.Status)
	}
	if res != nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPendingFiltersByStatus(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	keep, err := f.svc.Create(ctx, Proposal{
		Tool: "read_file", Arguments: map[string]any{"path": "a.txt"},
	}, "ana", devProfile(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	drop, err := f.svc.Create(ctx, Proposal{
		Tool: "read_file", Arguments: map[string]any{"path": "b.txt"},
	}, "ana", devProfile(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Decide(ctx, drop.ActionID, DecisionDeny, "ana"); err != nil {
		t.Fatal(err)
	}

	pending := f.svc.Pending()
	if len(pending) != 1 || pending[0].ActionID != keep.ActionID {
		t.Fatalf("pending = %+v", pending)
	}
}
