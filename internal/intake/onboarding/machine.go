// Package onboarding drives the multi-step intake workflow: a single live
// session per profile, gated step navigation, verification tracks and the
// final submission.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harbourhealth/intake/internal/intake/backend"
	"github.com/harbourhealth/intake/internal/intake/domain"
	"github.com/harbourhealth/intake/internal/intake/store"
	"github.com/harbourhealth/intake/pkg/idx"
)

// DefaultTotalSteps is the number of pages in the intake workflow.
const DefaultTotalSteps = 10

var (
	// ErrNoSession reports that no onboarding session has been started.
	ErrNoSession = errors.New("onboarding: no active session")

	// ErrNoSuchStep reports a step number outside 1..totalSteps. Callers
	// pass step numbers the UI rendered, so this is a programming error
	// and is surfaced loudly rather than swallowed.
	ErrNoSuchStep = errors.New("onboarding: no such step")

	// ErrSessionCompleted reports a mutation attempted on a completed
	// session. Completed sessions are frozen.
	ErrSessionCompleted = errors.New("onboarding: session already completed")
)

// ValidationError reports step data that failed its validation rule. It
// blocks markCompleted only; the merged data is still persisted.
type ValidationError struct {
	StepNumber int
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("onboarding: step %d invalid: %s", e.StepNumber, e.Reason)
}

// CompletionReason classifies why Complete refused or failed.
type CompletionReason string

const (
	ReasonIncompleteSteps     CompletionReason = "incomplete_steps"
	ReasonVerificationPending CompletionReason = "verification_pending"
	ReasonRejected            CompletionReason = "rejected"
)

// CompletionError carries enough detail for the UI to tell the user what
// remains before the session can be completed.
type CompletionError struct {
	Reason  CompletionReason
	Missing []int
	Message string
}

func (e *CompletionError) Error() string {
	switch e.Reason {
	case ReasonIncompleteSteps:
		return fmt.Sprintf("onboarding: steps not completed: %v", e.Missing)
	case ReasonVerificationPending:
		return "onboarding: required verification still pending"
	default:
		return fmt.Sprintf("onboarding: submission rejected: %s", e.Message)
	}
}

// Submitter performs the final backend submission.
type Submitter interface {
	CompleteOnboarding(ctx context.Context, req backend.CompletionRequest) error
}

// BackupTrigger requests an out-of-band backup. Implementations must not
// block; the machine fires it at milestones and forgets about it.
type BackupTrigger interface {
	Trigger()
}

// Machine owns the single live onboarding session. It validates and merges
// step data, enforces the navigation rule, persists after every mutation
// and freezes the session once completed. It is constructed once at
// application start and passed by reference.
type Machine struct {
	store      store.Onboarding
	submitter  Submitter
	validators map[string]Validator
	logger     *slog.Logger

	TotalSteps int

	// Backup is optional. When set, milestone updates and completions
	// trigger a best-effort backup.
	Backup BackupTrigger

	now func() time.Time

	mu      sync.Mutex
	session *domain.OnboardingSession
}

func NewMachine(st store.Onboarding, submitter Submitter, logger *slog.Logger) *Machine {
	return &Machine{
		store:      st,
		submitter:  submitter,
		validators: defaultValidators(),
		logger:     logger,
		TotalSteps: DefaultTotalSteps,
		now:        time.Now,
	}
}

// Start creates a fresh session at step 1 with every step incomplete and
// both verification tracks required. Any prior session for this profile is
// overwritten; only one session is ever live.
func (m *Machine) Start(ctx context.Context, userID, email string, initialData map[string]any) (domain.OnboardingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	session := domain.OnboardingSession{
		SessionID:     idx.New().String(),
		UserID:        userID,
		Email:         email,
		CurrentStep:   1,
		TotalSteps:    m.totalSteps(),
		StartedAt:     now,
		LastUpdatedAt: now,
		Steps:         make([]domain.OnboardingStep, m.totalSteps()),
		Verification: domain.VerificationStatus{
			Email: domain.VerificationTrack{IsRequired: true},
			Phone: domain.VerificationTrack{IsRequired: true},
		},
		Metadata: map[string]any{},
	}
	for i := range session.Steps {
		session.Steps[i] = domain.OnboardingStep{
			StepNumber: i + 1,
			StepName:   stepName(i + 1),
			Data:       map[string]any{},
		}
	}
	for k, v := range initialData {
		session.Steps[0].Data[k] = v
	}

	if err := m.store.SaveSession(ctx, session); err != nil {
		return domain.OnboardingSession{}, fmt.Errorf("failed to persist new session: %w", err)
	}
	m.session = &session

	m.logger.Info("onboarding session started",
		"session_id", session.SessionID,
		"user_id", userID,
		"total_steps", session.TotalSteps,
	)
	return m.snapshot(), nil
}

// Resume loads the persisted session, if any, so a restart picks up exactly
// where the user left off. Returns ErrNoSession when nothing was stored.
func (m *Machine) Resume(ctx context.Context) (domain.OnboardingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.store.Session(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.OnboardingSession{}, ErrNoSession
		}
		return domain.OnboardingSession{}, fmt.Errorf("failed to load session: %w", err)
	}
	m.session = &session

	m.logger.Info("onboarding session resumed",
		"session_id", session.SessionID,
		"current_step", session.CurrentStep,
	)
	return m.snapshot(), nil
}

// Session returns a copy of the live session.
func (m *Machine) Session() (domain.OnboardingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return domain.OnboardingSession{}, ErrNoSession
	}
	return m.snapshot(), nil
}

// UpdateStep shallow-merges data into the step, re-runs its validation rule
// and, when markCompleted is requested and the data is valid, marks the
// step done. Completing the step the user is currently on advances
// currentStep by one. Merged data is persisted even when validation fails,
// except on completed steps, which must stay valid and reject the edit.
func (m *Machine) UpdateStep(ctx context.Context, stepNumber int, data map[string]any, markCompleted bool) (domain.OnboardingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return domain.OnboardingSession{}, ErrNoSession
	}
	if m.session.IsCompleted {
		return domain.OnboardingSession{}, ErrSessionCompleted
	}
	step := m.session.Step(stepNumber)
	if step == nil {
		return domain.OnboardingSession{}, fmt.Errorf("%w: %d", ErrNoSuchStep, stepNumber)
	}

	merged := make(map[string]any, len(step.Data)+len(data))
	for k, v := range step.Data {
		merged[k] = v
	}
	for k, v := range data {
		merged[k] = v
	}

	var invalid *ValidationError
	if err := m.validate(step.StepName, merged); err != nil {
		invalid = &ValidationError{StepNumber: stepNumber, Reason: err.Error()}
	}

	// A completed step must stay valid, so an edit that would invalidate
	// it is rejected without touching the stored data.
	if step.IsCompleted && invalid != nil {
		return m.snapshot(), invalid
	}

	step.Data = merged
	step.IsValid = invalid == nil

	completed := false
	if markCompleted && step.IsValid && !step.IsCompleted {
		now := m.now()
		step.IsCompleted = true
		step.CompletedAt = &now
		completed = true
		if stepNumber == m.session.CurrentStep && m.session.CurrentStep < m.session.TotalSteps {
			m.session.CurrentStep++
		}
	}

	m.session.Touch(m.now())
	if err := m.store.SaveSession(ctx, *m.session); err != nil {
		return domain.OnboardingSession{}, fmt.Errorf("failed to persist step update: %w", err)
	}

	if completed || stepNumber%3 == 0 {
		m.triggerBackup()
	}

	if invalid != nil && markCompleted {
		return m.snapshot(), invalid
	}
	return m.snapshot(), nil
}

// GoToStep applies the navigation rule: a step may be visited when it is at
// or behind the current step, or when the step immediately before it is
// already completed. Returns false, leaving currentStep untouched, when the
// jump is rejected.
func (m *Machine) GoToStep(ctx context.Context, n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || m.session.IsCompleted {
		return false
	}
	if n < 1 || n > m.session.TotalSteps {
		return false
	}
	if n > m.session.CurrentStep {
		prev := m.session.Step(n - 1)
		if prev == nil || !prev.IsCompleted {
			return false
		}
	}

	m.session.CurrentStep = n
	m.session.Touch(m.now())
	if err := m.store.SaveSession(ctx, *m.session); err != nil {
		m.logger.Error("failed to persist navigation", "error", err, "step", n)
	}
	return true
}

// Complete performs the final submission. Every step must be completed and
// every required verification track satisfied first; a backend rejection
// aborts without marking the session complete. On success the session is
// frozen.
func (m *Machine) Complete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return ErrNoSession
	}
	if m.session.IsCompleted {
		return ErrSessionCompleted
	}
	if missing := m.session.IncompleteSteps(); len(missing) > 0 {
		return &CompletionError{Reason: ReasonIncompleteSteps, Missing: missing}
	}
	if !m.session.Verification.Satisfied() {
		return &CompletionError{Reason: ReasonVerificationPending}
	}

	req := backend.CompletionRequest{
		SessionID:    m.session.SessionID,
		UserID:       m.session.UserID,
		ProfileData:  m.profileData(),
		Verification: m.session.Verification,
	}
	if err := m.submitter.CompleteOnboarding(ctx, req); err != nil {
		var rejection *backend.RejectionError
		if errors.As(err, &rejection) {
			return &CompletionError{Reason: ReasonRejected, Message: rejection.Message}
		}
		return fmt.Errorf("failed to submit onboarding: %w", err)
	}

	m.session.IsCompleted = true
	m.session.Touch(m.now())
	if err := m.store.SaveSession(ctx, *m.session); err != nil {
		// Submission already succeeded; the local flag is best-effort.
		m.logger.Error("failed to persist completed session", "error", err)
	}
	m.triggerBackup()

	m.logger.Info("onboarding session completed", "session_id", m.session.SessionID)
	return nil
}

// Discard abandons the live session, removing the persisted document so
// the next Start begins from nothing. Discarding with nothing stored is a
// no-op.
func (m *Machine) Discard(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.DeleteSession(ctx); err != nil {
		return fmt.Errorf("failed to discard session: %w", err)
	}
	if m.session != nil {
		m.logger.Info("onboarding session discarded", "session_id", m.session.SessionID)
	}
	m.session = nil
	return nil
}

// MarkEmailVerified records a successful email verification and persists.
// Verifying an already-verified track is a no-op.
func (m *Machine) MarkEmailVerified(ctx context.Context, method string) error {
	return m.markVerified(ctx, func(v *domain.VerificationStatus, at time.Time) bool {
		if v.Email.IsVerified {
			return false
		}
		v.Email.IsVerified = true
		v.Email.VerifiedAt = &at
		v.Email.Method = method
		return true
	})
}

// MarkPhoneVerified records a successful phone verification, including the
// number that was verified, and persists.
func (m *Machine) MarkPhoneVerified(ctx context.Context, phoneNumber string) error {
	return m.markVerified(ctx, func(v *domain.VerificationStatus, at time.Time) bool {
		if v.Phone.IsVerified {
			return false
		}
		v.Phone.IsVerified = true
		v.Phone.VerifiedAt = &at
		v.Phone.Method = "sms"
		v.Phone.PhoneNumber = phoneNumber
		return true
	})
}

func (m *Machine) markVerified(ctx context.Context, apply func(*domain.VerificationStatus, time.Time) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return ErrNoSession
	}
	if m.session.IsCompleted {
		return ErrSessionCompleted
	}
	if !apply(&m.session.Verification, m.now()) {
		return nil
	}

	m.session.Touch(m.now())
	if err := m.store.SaveSession(ctx, *m.session); err != nil {
		return fmt.Errorf("failed to persist verification: %w", err)
	}
	return nil
}

// validate runs the step's registered rule, falling back to the default
// non-empty rule for steps without one.
func (m *Machine) validate(stepName string, data map[string]any) error {
	if v, ok := m.validators[stepName]; ok {
		return v(data)
	}
	return validateNonEmpty(data)
}

// profileData flattens step data into the submission payload, keyed by
// step name.
func (m *Machine) profileData() map[string]any {
	out := make(map[string]any, len(m.session.Steps))
	for i := range m.session.Steps {
		step := &m.session.Steps[i]
		out[step.StepName] = step.Data
	}
	return out
}

func (m *Machine) triggerBackup() {
	if m.Backup != nil {
		m.Backup.Trigger()
	}
}

func (m *Machine) totalSteps() int {
	if m.TotalSteps <= 0 {
		return DefaultTotalSteps
	}
	return m.TotalSteps
}

// snapshot deep-copies the live session so callers cannot mutate machine
// state through the returned value.
func (m *Machine) snapshot() domain.OnboardingSession {
	out := *m.session
	out.Steps = make([]domain.OnboardingStep, len(m.session.Steps))
	copy(out.Steps, m.session.Steps)
	for i := range out.Steps {
		out.Steps[i].Data = copyMap(m.session.Steps[i].Data)
	}
	out.Metadata = copyMap(m.session.Metadata)
	return out
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// stepName maps a step number to its canonical page name.
func stepName(n int) string {
	if n >= 1 && n <= len(stepNames) {
		return stepNames[n-1]
	}
	return fmt.Sprintf("step_%d", n)
}

var stepNames = []string{
	"personal_details",
	"contact_details",
	"emergency_contact",
	"health_history",
	"current_medications",
	"lifestyle",
	"treatment_goals",
	"consent",
	"payment_details",
	"review",
}

// StepNumber resolves a canonical page name back to its number, for UI
// deep-links. Returns 0 for unknown names.
func StepNumber(name string) int {
	for i, s := range stepNames {
		if strings.EqualFold(s, name) {
			return i + 1
		}
	}
	return 0
}
