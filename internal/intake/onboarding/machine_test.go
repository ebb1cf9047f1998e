package onboarding

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harbourhealth/intake/internal/intake/backend"
	"github.com/harbourhealth/intake/internal/intake/store"
	"github.com/harbourhealth/intake/internal/intake/store/drivers/sqlite"
	"github.com/harbourhealth/intake/pkg/cryptox"
)

// fakeSubmitter scripts the completion backend.
type fakeSubmitter struct {
	err   error
	calls int
	last  backend.CompletionRequest
}

func (f *fakeSubmitter) CompleteOnboarding(_ context.Context, req backend.CompletionRequest) error {
	f.calls++
	f.last = req
	return f.err
}

// countTrigger records milestone backup triggers.
type countTrigger struct{ n int }

func (c *countTrigger) Trigger() { c.n++ }

func newTestMachine(t *testing.T, submitter Submitter) (*Machine, store.Store) {
	t.Helper()

	sealer, err := cryptox.NewSealer("")
	require.NoError(t, err)
	st, err := sqlite.NewStore(":memory:", sealer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations())

	if submitter == nil {
		submitter = &fakeSubmitter{}
	}
	return NewMachine(st.Onboarding(), submitter, slog.Default()), st
}

func validPersonalDetails() map[string]any {
	return map[string]any{
		"first_name":    "Jordan",
		"last_name":     "Lee",
		"date_of_birth": "1990-04-12",
	}
}

// completeAllSteps marks every step done with data that passes each rule.
func completeAllSteps(t *testing.T, m *Machine) {
	t.Helper()
	ctx := context.Background()

	data := map[int]map[string]any{
		1: validPersonalDetails(),
		2: {"email": "jordan@example.com", "phone_number": "+61400000000"},
		8: {"consent_given": true, "signature": "Jordan Lee"},
	}
	for n := 1; n <= DefaultTotalSteps; n++ {
		d, ok := data[n]
		if !ok {
			d = map[string]any{"answer": "provided"}
		}
		_, err := m.UpdateStep(ctx, n, d, true)
		require.NoError(t, err, "step %d", n)
	}
}

func TestStartCreatesFreshSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st := newTestMachine(t, nil)

	session, err := m.Start(ctx, "user-1", "jordan@example.com", map[string]any{"referral": "gp"})
	require.NoError(t, err)

	require.NotEmpty(t, session.SessionID)
	require.Equal(t, 1, session.CurrentStep)
	require.Equal(t, DefaultTotalSteps, session.TotalSteps)
	require.Len(t, session.Steps, DefaultTotalSteps)
	require.Equal(t, "gp", session.Steps[0].Data["referral"])
	require.True(t, session.Verification.Email.IsRequired)
	require.True(t, session.Verification.Phone.IsRequired)
	require.False(t, session.IsCompleted)

	// Persisted as a document, not just held in memory.
	stored, err := st.Onboarding().Session(ctx)
	require.NoError(t, err)
	require.Equal(t, session.SessionID, stored.SessionID)
}

func TestStartOverwritesPriorSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st := newTestMachine(t, nil)

	first, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)
	second, err := m.Start(ctx, "user-2", "casey@example.com", nil)
	require.NoError(t, err)
	require.NotEqual(t, first.SessionID, second.SessionID)

	stored, err := st.Onboarding().Session(ctx)
	require.NoError(t, err)
	require.Equal(t, second.SessionID, stored.SessionID)
	require.Equal(t, "user-2", stored.UserID)
}

func TestCompleteStepOneAdvancesCurrentStep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)

	_, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)

	session, err := m.UpdateStep(ctx, 1, validPersonalDetails(), true)
	require.NoError(t, err)

	require.Equal(t, 2, session.CurrentStep)
	step := session.Step(1)
	require.True(t, step.IsCompleted)
	require.True(t, step.IsValid)
	require.NotNil(t, step.CompletedAt)
}

func TestUpdateStepMergesShallowly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)

	_, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)

	_, err = m.UpdateStep(ctx, 1, map[string]any{"first_name": "Jordan", "middle_name": "A"}, false)
	require.NoError(t, err)
	session, err := m.UpdateStep(ctx, 1, map[string]any{"first_name": "Jordy"}, false)
	require.NoError(t, err)

	// Later keys win, untouched keys survive.
	step := session.Step(1)
	require.Equal(t, "Jordy", step.Data["first_name"])
	require.Equal(t, "A", step.Data["middle_name"])
}

func TestUpdateStepInvalidDataBlocksCompletionButPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st := newTestMachine(t, nil)

	_, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)

	session, err := m.UpdateStep(ctx, 1, map[string]any{"first_name": "Jordan"}, true)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, 1, vErr.StepNumber)

	step := session.Step(1)
	require.False(t, step.IsCompleted)
	require.False(t, step.IsValid)
	require.Equal(t, 1, session.CurrentStep)

	// The partial edit still made it to disk.
	stored, err := st.Onboarding().Session(ctx)
	require.NoError(t, err)
	require.Equal(t, "Jordan", stored.Steps[0].Data["first_name"])
}

func TestUpdateStepUnknownNumber(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)

	_, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)

	_, err = m.UpdateStep(ctx, 0, map[string]any{"x": "y"}, false)
	require.ErrorIs(t, err, ErrNoSuchStep)
	_, err = m.UpdateStep(ctx, DefaultTotalSteps+1, map[string]any{"x": "y"}, false)
	require.ErrorIs(t, err, ErrNoSuchStep)
}

func TestCompletingNonCurrentStepDoesNotAdvance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)

	_, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)
	_, err = m.UpdateStep(ctx, 1, validPersonalDetails(), true)
	require.NoError(t, err)
	_, err = m.UpdateStep(ctx, 2, map[string]any{"email": "jordan@example.com"}, true)
	require.NoError(t, err)

	// Revisit step 1 and complete-save it again; currentStep stays at 3.
	session, err := m.UpdateStep(ctx, 1, map[string]any{"first_name": "Jordy"}, true)
	require.NoError(t, err)
	require.Equal(t, 3, session.CurrentStep)
}

func TestGoToStepNavigationRule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)

	_, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)

	// Jumping ahead past incomplete work is rejected.
	require.False(t, m.GoToStep(ctx, 5))
	session, err := m.Session()
	require.NoError(t, err)
	require.Equal(t, 1, session.CurrentStep)

	// Out of range is rejected.
	require.False(t, m.GoToStep(ctx, 0))
	require.False(t, m.GoToStep(ctx, DefaultTotalSteps+1))

	// Completing step 1 advances to 2; step 2 follows completed work so
	// revisiting 1 and jumping back to 2 are both allowed.
	_, err = m.UpdateStep(ctx, 1, validPersonalDetails(), true)
	require.NoError(t, err)
	require.True(t, m.GoToStep(ctx, 1))
	require.True(t, m.GoToStep(ctx, 2))

	// Step 3 does not immediately follow completed work yet.
	require.False(t, m.GoToStep(ctx, 3))
}

func TestCompleteRequiresAllStepsAndVerification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	submitter := &fakeSubmitter{}
	m, _ := newTestMachine(t, submitter)

	_, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)

	var cErr *CompletionError
	err = m.Complete(ctx)
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, ReasonIncompleteSteps, cErr.Reason)
	require.Len(t, cErr.Missing, DefaultTotalSteps)

	completeAllSteps(t, m)

	// All steps done, but both verification tracks still required.
	err = m.Complete(ctx)
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, ReasonVerificationPending, cErr.Reason)
	require.Zero(t, submitter.calls)
}

func TestCompleteSubmitsAndFreezes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	submitter := &fakeSubmitter{}
	m, st := newTestMachine(t, submitter)

	_, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)
	completeAllSteps(t, m)
	require.NoError(t, m.MarkEmailVerified(ctx, "code"))
	require.NoError(t, m.MarkPhoneVerified(ctx, "+61400000000"))

	require.NoError(t, m.Complete(ctx))
	require.Equal(t, 1, submitter.calls)
	require.Equal(t, "user-1", submitter.last.UserID)
	require.Contains(t, submitter.last.ProfileData, "personal_details")
	require.True(t, submitter.last.Verification.Satisfied())

	stored, err := st.Onboarding().Session(ctx)
	require.NoError(t, err)
	require.True(t, stored.IsCompleted)

	// Completed sessions are frozen.
	require.ErrorIs(t, m.Complete(ctx), ErrSessionCompleted)
	_, err = m.UpdateStep(ctx, 1, map[string]any{"first_name": "X"}, false)
	require.ErrorIs(t, err, ErrSessionCompleted)
	require.False(t, m.GoToStep(ctx, 1))
	require.ErrorIs(t, m.MarkEmailVerified(ctx, "code"), ErrSessionCompleted)
}

func TestCompleteBackendRejectionAborts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	submitter := &fakeSubmitter{err: &backend.RejectionError{StatusCode: 422, Message: "licence number not recognised"}}
	m, _ := newTestMachine(t, submitter)

	_, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)
	completeAllSteps(t, m)
	require.NoError(t, m.MarkEmailVerified(ctx, "code"))
	require.NoError(t, m.MarkPhoneVerified(ctx, "+61400000000"))

	var cErr *CompletionError
	err = m.Complete(ctx)
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, ReasonRejected, cErr.Reason)
	require.Equal(t, "licence number not recognised", cErr.Message)

	// Session stays mutable after a rejection.
	session, err := m.Session()
	require.NoError(t, err)
	require.False(t, session.IsCompleted)
}

func TestResumePicksUpPersistedSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st := newTestMachine(t, nil)

	_, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)
	_, err = m.UpdateStep(ctx, 1, validPersonalDetails(), true)
	require.NoError(t, err)

	// A second machine over the same store resumes mid-workflow.
	m2 := NewMachine(st.Onboarding(), &fakeSubmitter{}, slog.Default())
	session, err := m2.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, session.CurrentStep)
	require.True(t, session.Steps[0].IsCompleted)
}

func TestResumeWithoutStoredSession(t *testing.T) {
	t.Parallel()
	m, _ := newTestMachine(t, nil)

	_, err := m.Resume(context.Background())
	require.ErrorIs(t, err, ErrNoSession)

	_, err = m.Session()
	require.ErrorIs(t, err, ErrNoSession)
}

func TestDiscardRemovesPersistedSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st := newTestMachine(t, nil)

	_, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)
	_, err = m.UpdateStep(ctx, 1, validPersonalDetails(), true)
	require.NoError(t, err)

	require.NoError(t, m.Discard(ctx))

	_, err = m.Session()
	require.ErrorIs(t, err, ErrNoSession)
	_, err = st.Onboarding().Session(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Discarding again is a no-op, and a fresh Start begins at step 1.
	require.NoError(t, m.Discard(ctx))
	session, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)
	require.Equal(t, 1, session.CurrentStep)
	require.False(t, session.Steps[0].IsCompleted)
}

func TestMilestoneBackupTriggers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)
	trigger := &countTrigger{}
	m.Backup = trigger

	_, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)

	// Plain edit on step 2: no trigger.
	_, err = m.UpdateStep(ctx, 2, map[string]any{"email": "jordan@example.com"}, false)
	require.NoError(t, err)
	require.Zero(t, trigger.n)

	// Step 3 edit: stepNumber % 3 == 0 milestone.
	_, err = m.UpdateStep(ctx, 3, map[string]any{"contact": "casey"}, false)
	require.NoError(t, err)
	require.Equal(t, 1, trigger.n)

	// Any completion is a milestone too.
	_, err = m.UpdateStep(ctx, 1, validPersonalDetails(), true)
	require.NoError(t, err)
	require.Equal(t, 2, trigger.n)
}

func TestLastUpdatedAtMonotonic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }

	_, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)

	now = base.Add(time.Minute)
	session, err := m.UpdateStep(ctx, 1, validPersonalDetails(), false)
	require.NoError(t, err)
	require.Equal(t, now, session.LastUpdatedAt)

	// Wall clock stepping backwards never regresses the stamp.
	now = base.Add(-time.Hour)
	session, err = m.UpdateStep(ctx, 1, map[string]any{"first_name": "Jordy"}, false)
	require.NoError(t, err)
	require.Equal(t, base.Add(time.Minute), session.LastUpdatedAt)
}

func TestSnapshotIsDetached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)

	_, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)
	_, err = m.UpdateStep(ctx, 1, map[string]any{"first_name": "Jordan"}, false)
	require.NoError(t, err)

	session, err := m.Session()
	require.NoError(t, err)
	session.Steps[0].Data["first_name"] = "tampered"

	fresh, err := m.Session()
	require.NoError(t, err)
	require.Equal(t, "Jordan", fresh.Steps[0].Data["first_name"])
}

func TestInvalidEditOnCompletedStepIsRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)

	_, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)
	_, err = m.UpdateStep(ctx, 1, validPersonalDetails(), true)
	require.NoError(t, err)

	// Blanking a required field on a completed step would break the
	// completed-implies-valid invariant, so the edit is refused.
	_, err = m.UpdateStep(ctx, 1, map[string]any{"first_name": ""}, false)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)

	session, err := m.Session()
	require.NoError(t, err)
	step := session.Step(1)
	require.True(t, step.IsCompleted)
	require.True(t, step.IsValid)
	require.Equal(t, "Jordan", step.Data["first_name"])
}

func TestRegisterValidatorOverridesRule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)
	m.RegisterValidator("lifestyle", func(data map[string]any) error {
		if _, ok := data["sleep_hours"]; !ok {
			return errors.New("sleep_hours is required")
		}
		return nil
	})

	_, err := m.Start(ctx, "user-1", "jordan@example.com", nil)
	require.NoError(t, err)

	n := StepNumber("lifestyle")
	require.NotZero(t, n)

	_, err = m.UpdateStep(ctx, n, map[string]any{"diet": "vegetarian"}, true)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)

	_, err = m.UpdateStep(ctx, n, map[string]any{"sleep_hours": 8}, true)
	require.NoError(t, err)
}
