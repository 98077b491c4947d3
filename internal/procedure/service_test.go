package procedure

import (
	"context"
	"testing"

	"github.com/gestia/tramite/model"
)

// --- Test helpers ---

func testRctx() *model.RequestContext {
	return &model.RequestContext{
		ActorID: "user-garcia",
		Email:   "garcia@example.com",
		Roles:   []string{"user"},
	}
}

// mockRefs reports fixed in-use answers.
type mockRefs struct {
	templateInUse bool
	stepInUse     bool
}

func (m *mockRefs) TemplateInUse(_ context.Context, _ int64) (bool, error) {
	return m.templateInUse, nil
}

func (m *mockRefs) StepTemplateInUse(_ context.Context, _ int64) (bool, error) {
	return m.stepInUse, nil
}

func newTestService() (*Service, *MemoryStore, *mockRefs) {
	store := NewMemoryStore()
	refs := &mockRefs{}
	return NewService(store, refs), store, refs
}

func mustCreateTemplate(t *testing.T, svc *Service, name string) model.ProcedureTemplate {
	t.Helper()
	created, err := svc.CreateTemplate(context.Background(), testRctx(), model.ProcedureTemplate{
		Name:     name,
		Category: "personnel",
		Level:    model.TierCompany,
	})
	if err != nil {
		t.Fatalf("CreateTemplate error: %v", err)
	}
	return created
}

func mustAddStep(t *testing.T, svc *Service, templateID int64, title string) model.StepTemplate {
	t.Helper()
	step, err := svc.AddStep(context.Background(), testRctx(), model.StepTemplate{
		TemplateID: templateID,
		Title:      title,
	})
	if err != nil {
		t.Fatalf("AddStep(%s) error: %v", title, err)
	}
	return step
}

// --- Template tests ---

func TestService_CreateTemplate_defaults(t *testing.T) {
	svc, _, _ := newTestService()

	created, err := svc.CreateTemplate(context.Background(), testRctx(), model.ProcedureTemplate{
		Name:     "Leave Request",
		Category: "personnel",
	})
	if err != nil {
		t.Fatalf("CreateTemplate error: %v", err)
	}
	if created.ID == 0 {
		t.Error("expected assigned ID")
	}
	if created.Status != model.TemplateStatusDraft {
		t.Errorf("Status = %q, want draft", created.Status)
	}
	if created.Version != "1.0" {
		t.Errorf("Version = %q, want 1.0", created.Version)
	}
	if created.Level != model.TierGeneral {
		t.Errorf("Level = %q, want %q", created.Level, model.TierGeneral)
	}
	if created.CreatedBy != "user-garcia" {
		t.Errorf("CreatedBy = %q", created.CreatedBy)
	}

	history, err := svc.History(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history count = %d, want 1", len(history))
	}
	if history[0].Note != "initial creation" {
		t.Errorf("history note = %q", history[0].Note)
	}
	if history[0].Version != "1.0" {
		t.Errorf("history version = %q", history[0].Version)
	}
}

func TestService_CreateTemplate_missingName(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.CreateTemplate(context.Background(), testRctx(), model.ProcedureTemplate{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if envErr.Code != model.ErrValidationError {
		t.Errorf("code = %s", envErr.Code)
	}
}

func TestService_CreateTemplate_duplicate(t *testing.T) {
	svc, _, _ := newTestService()

	mustCreateTemplate(t, svc, "Leave Request")
	_, err := svc.CreateTemplate(context.Background(), testRctx(), model.ProcedureTemplate{
		Name:     "Leave Request",
		Category: "personnel",
		Level:    model.TierCompany,
	})
	if err == nil {
		t.Fatal("expected conflict error")
	}
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if envErr.Code != model.ErrConflict {
		t.Errorf("code = %s", envErr.Code)
	}
}

func TestService_UpdateTemplate_historyOnVersionChange(t *testing.T) {
	svc, _, _ := newTestService()
	tmpl := mustCreateTemplate(t, svc, "Leave Request")

	tmpl.Version = "2.0"
	updated, err := svc.UpdateTemplate(context.Background(), testRctx(), tmpl, "")
	if err != nil {
		t.Fatalf("UpdateTemplate error: %v", err)
	}
	if updated.Version != "2.0" {
		t.Errorf("Version = %q", updated.Version)
	}

	history, _ := svc.History(context.Background(), tmpl.ID)
	if len(history) != 2 {
		t.Fatalf("history count = %d, want 2", len(history))
	}
}

func TestService_UpdateTemplate_noHistoryWithoutChange(t *testing.T) {
	svc, _, _ := newTestService()
	tmpl := mustCreateTemplate(t, svc, "Leave Request")

	tmpl.Description = "updated description"
	if _, err := svc.UpdateTemplate(context.Background(), testRctx(), tmpl, ""); err != nil {
		t.Fatalf("UpdateTemplate error: %v", err)
	}

	history, _ := svc.History(context.Background(), tmpl.ID)
	if len(history) != 1 {
		t.Errorf("history count = %d, want 1 (no version change, no note)", len(history))
	}
}

func TestService_NewVersion(t *testing.T) {
	svc, _, _ := newTestService()
	tmpl := mustCreateTemplate(t, svc, "Leave Request")

	bumped, err := svc.NewVersion(context.Background(), testRctx(), tmpl.ID, "added review step")
	if err != nil {
		t.Fatalf("NewVersion error: %v", err)
	}
	if bumped.Version != "1.1" {
		t.Errorf("Version = %q, want 1.1", bumped.Version)
	}

	history, _ := svc.History(context.Background(), tmpl.ID)
	if len(history) != 2 {
		t.Fatalf("history count = %d, want 2", len(history))
	}
	if history[0].Note != "added review step" {
		t.Errorf("latest history note = %q", history[0].Note)
	}
}

func TestBumpMinorVersion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1.0", "1.1"},
		{"1.9", "1.10"},
		{"2.3", "2.4"},
		{"3", "3.1"},
		{"abc", "abc.1"},
	}
	for _, tt := range tests {
		if got := bumpMinorVersion(tt.in); got != tt.want {
			t.Errorf("bumpMinorVersion(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestService_DeleteTemplate_protectedWhenInUse(t *testing.T) {
	svc, _, refs := newTestService()
	tmpl := mustCreateTemplate(t, svc, "Leave Request")
	refs.templateInUse = true

	err := svc.DeleteTemplate(context.Background(), tmpl.ID)
	if err == nil {
		t.Fatal("expected protection error")
	}
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if envErr.Code != model.ErrTemplateInUse {
		t.Errorf("code = %s", envErr.Code)
	}
}

func TestService_DeleteTemplate_success(t *testing.T) {
	svc, _, _ := newTestService()
	tmpl := mustCreateTemplate(t, svc, "Leave Request")

	if err := svc.DeleteTemplate(context.Background(), tmpl.ID); err != nil {
		t.Fatalf("DeleteTemplate error: %v", err)
	}
	if _, err := svc.GetTemplate(context.Background(), tmpl.ID); err == nil {
		t.Error("expected not found after delete")
	}
}

// --- Chain tests ---

func TestService_Chain(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	top := mustCreateTemplate(t, svc, "Command Review")
	mid, err := svc.CreateTemplate(ctx, testRctx(), model.ProcedureTemplate{
		Name: "Company Review", Category: "personnel", Level: model.TierCompany,
		RelatedTemplateID: &top.ID,
	})
	if err != nil {
		t.Fatalf("CreateTemplate error: %v", err)
	}
	bottom, err := svc.CreateTemplate(ctx, testRctx(), model.ProcedureTemplate{
		Name: "Post Review", Category: "personnel", Level: model.TierPost,
		RelatedTemplateID: &mid.ID,
	})
	if err != nil {
		t.Fatalf("CreateTemplate error: %v", err)
	}

	chain, err := svc.Chain(ctx, bottom.ID)
	if err != nil {
		t.Fatalf("Chain error: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	if chain[0].ID != bottom.ID || chain[1].ID != mid.ID || chain[2].ID != top.ID {
		t.Errorf("chain order = %d, %d, %d", chain[0].ID, chain[1].ID, chain[2].ID)
	}

	// Start/end classification.
	start, _ := svc.IsProcessStart(ctx, bottom.ID)
	if !start {
		t.Error("bottom should be a process start")
	}
	start, _ = svc.IsProcessStart(ctx, mid.ID)
	if start {
		t.Error("mid should not be a process start")
	}
	end, _ := svc.IsProcessEnd(ctx, top.ID)
	if !end {
		t.Error("top should be a process end")
	}
	end, _ = svc.IsProcessEnd(ctx, bottom.ID)
	if end {
		t.Error("bottom should not be a process end")
	}
}

func TestService_Chain_cycleGuard(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	a := mustCreateTemplate(t, svc, "A")
	b, err := svc.CreateTemplate(ctx, testRctx(), model.ProcedureTemplate{
		Name: "B", Category: "personnel", Level: model.TierCompany,
		RelatedTemplateID: &a.ID,
	})
	if err != nil {
		t.Fatalf("CreateTemplate error: %v", err)
	}

	// Close the loop directly in the store.
	a.RelatedTemplateID = &b.ID
	if err := store.UpdateTemplate(ctx, a); err != nil {
		t.Fatalf("UpdateTemplate error: %v", err)
	}

	chain, err := svc.Chain(ctx, a.ID)
	if err != nil {
		t.Fatalf("Chain error: %v", err)
	}
	if len(chain) != 2 {
		t.Errorf("chain length = %d, want 2 (cycle broken)", len(chain))
	}
}

// --- Step tests ---

func TestService_AddStep_sequenceAssignment(t *testing.T) {
	svc, _, _ := newTestService()
	tmpl := mustCreateTemplate(t, svc, "Leave Request")

	first := mustAddStep(t, svc, tmpl.ID, "Submit form")
	second := mustAddStep(t, svc, tmpl.ID, "Supervisor review")
	third := mustAddStep(t, svc, tmpl.ID, "Final approval")

	if first.Sequence != 1 || second.Sequence != 2 || third.Sequence != 3 {
		t.Errorf("sequences = %d, %d, %d", first.Sequence, second.Sequence, third.Sequence)
	}

	steps, err := svc.Steps(context.Background(), tmpl.ID)
	if err != nil {
		t.Fatalf("Steps error: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("steps count = %d", len(steps))
	}
	for i, st := range steps {
		if st.Sequence != i+1 {
			t.Errorf("steps[%d].Sequence = %d, want %d", i, st.Sequence, i+1)
		}
	}
}

func TestService_AddStep_branchValidation(t *testing.T) {
	svc, _, _ := newTestService()
	tmpl := mustCreateTemplate(t, svc, "Leave Request")
	target := mustAddStep(t, svc, tmpl.ID, "Archive")

	// Valid branch target.
	_, err := svc.AddStep(context.Background(), testRctx(), model.StepTemplate{
		TemplateID: tmpl.ID,
		Title:      "Decision",
		Branches: []model.Branch{
			{Label: "approve", TargetStepID: target.ID},
		},
	})
	if err != nil {
		t.Fatalf("AddStep with valid branch error: %v", err)
	}

	// Unknown branch target.
	_, err = svc.AddStep(context.Background(), testRctx(), model.StepTemplate{
		TemplateID: tmpl.ID,
		Title:      "Bad decision",
		Branches: []model.Branch{
			{Label: "reject", TargetStepID: 9999},
		},
	})
	if err == nil {
		t.Fatal("expected validation error for unknown branch target")
	}
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if envErr.Code != model.ErrValidationError {
		t.Errorf("code = %s", envErr.Code)
	}
}

func TestService_UpdateStep_sequenceImmutable(t *testing.T) {
	svc, _, _ := newTestService()
	tmpl := mustCreateTemplate(t, svc, "Leave Request")
	step := mustAddStep(t, svc, tmpl.ID, "Submit form")

	step.Title = "Submit request form"
	step.Sequence = 42
	if err := svc.UpdateStep(context.Background(), testRctx(), step); err != nil {
		t.Fatalf("UpdateStep error: %v", err)
	}

	got, _ := svc.GetStep(context.Background(), step.ID)
	if got.Title != "Submit request form" {
		t.Errorf("Title = %q", got.Title)
	}
	if got.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1 (immutable)", got.Sequence)
	}
}

func TestService_UpdateStep_selfBranchRejected(t *testing.T) {
	svc, _, _ := newTestService()
	tmpl := mustCreateTemplate(t, svc, "Leave Request")
	step := mustAddStep(t, svc, tmpl.ID, "Decision")

	step.Branches = []model.Branch{{Label: "loop", TargetStepID: step.ID}}
	err := svc.UpdateStep(context.Background(), testRctx(), step)
	if err == nil {
		t.Fatal("expected validation error for self-targeting branch")
	}
}

// --- Step deletion tests ---

func TestService_DeleteStep_renumbersAndPrunes(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	tmpl := mustCreateTemplate(t, svc, "Leave Request")

	s1 := mustAddStep(t, svc, tmpl.ID, "Submit")
	s2 := mustAddStep(t, svc, tmpl.ID, "Review")
	s3 := mustAddStep(t, svc, tmpl.ID, "Approve")
	s4 := mustAddStep(t, svc, tmpl.ID, "Archive")

	// s1 branches to s2 (to be deleted) and s3.
	s1.Branches = []model.Branch{
		{Label: "escalate", TargetStepID: s2.ID},
		{Label: "skip", TargetStepID: s3.ID},
	}
	if err := svc.UpdateStep(ctx, testRctx(), s1); err != nil {
		t.Fatalf("UpdateStep error: %v", err)
	}

	if err := svc.DeleteStep(ctx, testRctx(), s2.ID); err != nil {
		t.Fatalf("DeleteStep error: %v", err)
	}

	steps, _ := svc.Steps(ctx, tmpl.ID)
	if len(steps) != 3 {
		t.Fatalf("steps count = %d, want 3", len(steps))
	}

	// Sequences are contiguous from 1 with no gap.
	for i, st := range steps {
		if st.Sequence != i+1 {
			t.Errorf("steps[%d].Sequence = %d, want %d", i, st.Sequence, i+1)
		}
	}
	if steps[0].ID != s1.ID || steps[1].ID != s3.ID || steps[2].ID != s4.ID {
		t.Errorf("step order = %d, %d, %d", steps[0].ID, steps[1].ID, steps[2].ID)
	}

	// The branch to the deleted step is pruned; the other survives.
	if len(steps[0].Branches) != 1 {
		t.Fatalf("branches count = %d, want 1", len(steps[0].Branches))
	}
	if steps[0].Branches[0].TargetStepID != s3.ID {
		t.Errorf("surviving branch target = %d, want %d", steps[0].Branches[0].TargetStepID, s3.ID)
	}
}

func TestService_DeleteStep_protectedWhenInUse(t *testing.T) {
	svc, _, refs := newTestService()
	tmpl := mustCreateTemplate(t, svc, "Leave Request")
	step := mustAddStep(t, svc, tmpl.ID, "Submit")
	refs.stepInUse = true

	err := svc.DeleteStep(context.Background(), testRctx(), step.ID)
	if err == nil {
		t.Fatal("expected protection error")
	}
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if envErr.Code != model.ErrStepProtected {
		t.Errorf("code = %s", envErr.Code)
	}
}

func TestStepDeletionPlan(t *testing.T) {
	steps := []model.StepTemplate{
		{ID: 10, Sequence: 1, Branches: []model.Branch{{Label: "jump", TargetStepID: 30}}},
		{ID: 20, Sequence: 2},
		{ID: 30, Sequence: 3},
		{ID: 40, Sequence: 4, Branches: []model.Branch{
			{Label: "back", TargetStepID: 10},
			{Label: "redo", TargetStepID: 30},
		}},
	}

	changed := stepDeletionPlan(steps, steps[2]) // delete ID 30, sequence 3

	// Step 10: branch pruned, sequence unchanged.
	// Step 20: untouched, not in plan.
	// Step 40: sequence 4 -> 3, one branch pruned.
	if len(changed) != 2 {
		t.Fatalf("changed count = %d, want 2", len(changed))
	}

	byID := make(map[int64]model.StepTemplate)
	for _, st := range changed {
		byID[st.ID] = st
	}

	first, ok := byID[10]
	if !ok {
		t.Fatal("expected step 10 in plan")
	}
	if first.Sequence != 1 {
		t.Errorf("step 10 sequence = %d, want 1", first.Sequence)
	}
	if len(first.Branches) != 0 {
		t.Errorf("step 10 branches = %d, want 0", len(first.Branches))
	}

	last, ok := byID[40]
	if !ok {
		t.Fatal("expected step 40 in plan")
	}
	if last.Sequence != 3 {
		t.Errorf("step 40 sequence = %d, want 3", last.Sequence)
	}
	if len(last.Branches) != 1 || last.Branches[0].TargetStepID != 10 {
		t.Errorf("step 40 branches = %+v", last.Branches)
	}

	if _, ok := byID[20]; ok {
		t.Error("step 20 should not be in plan (unchanged)")
	}
}

func TestStepDeletionPlan_firstStep(t *testing.T) {
	steps := []model.StepTemplate{
		{ID: 10, Sequence: 1},
		{ID: 20, Sequence: 2},
		{ID: 30, Sequence: 3},
	}

	changed := stepDeletionPlan(steps, steps[0])
	if len(changed) != 2 {
		t.Fatalf("changed count = %d, want 2", len(changed))
	}
	if changed[0].ID != 20 || changed[0].Sequence != 1 {
		t.Errorf("changed[0] = %+v", changed[0])
	}
	if changed[1].ID != 30 || changed[1].Sequence != 2 {
		t.Errorf("changed[1] = %+v", changed[1])
	}
}

func TestStepDeletionPlan_lastStep(t *testing.T) {
	steps := []model.StepTemplate{
		{ID: 10, Sequence: 1},
		{ID: 20, Sequence: 2},
	}

	changed := stepDeletionPlan(steps, steps[1])
	if len(changed) != 0 {
		t.Errorf("changed count = %d, want 0 (nothing past the last step)", len(changed))
	}
}

// --- List tests ---

func TestService_ListTemplates_filters(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	mustCreateTemplate(t, svc, "Leave Request")
	if _, err := svc.CreateTemplate(ctx, testRctx(), model.ProcedureTemplate{
		Name: "Supply Order", Category: "logistics", Level: model.TierZone,
	}); err != nil {
		t.Fatalf("CreateTemplate error: %v", err)
	}

	all, err := svc.ListTemplates(ctx, TemplateFilters{})
	if err != nil {
		t.Fatalf("ListTemplates error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all count = %d, want 2", len(all))
	}

	personnel, _ := svc.ListTemplates(ctx, TemplateFilters{Category: "personnel"})
	if len(personnel) != 1 {
		t.Errorf("personnel count = %d, want 1", len(personnel))
	}

	zone, _ := svc.ListTemplates(ctx, TemplateFilters{Level: model.TierZone})
	if len(zone) != 1 {
		t.Errorf("zone count = %d, want 1", len(zone))
	}
}
