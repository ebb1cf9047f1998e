package domain

import "time"

// OnboardingStep is one page of the intake workflow. Data is an opaque
// key/value bag owned by the UI; the engine only merges into it and runs the
// registered validation rule over it.
type OnboardingStep struct {
	StepNumber  int            `json:"step_number"`
	StepName    string         `json:"step_name"`
	Data        map[string]any `json:"data"`
	IsValid     bool           `json:"is_valid"`
	IsCompleted bool           `json:"is_completed"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// VerificationTrack is one independent required/verified flag (email or
// phone). A track that is not required counts as satisfied.
type VerificationTrack struct {
	IsRequired  bool       `json:"is_required"`
	IsVerified  bool       `json:"is_verified"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
	Method      string     `json:"method,omitempty"`
	PhoneNumber string     `json:"phone_number,omitempty"`
}

// Satisfied reports whether the track no longer blocks completion.
func (t VerificationTrack) Satisfied() bool {
	return !t.IsRequired || t.IsVerified
}

// VerificationStatus holds the two verification tracks for a session.
type VerificationStatus struct {
	Email VerificationTrack `json:"email"`
	Phone VerificationTrack `json:"phone"`
}

// Satisfied reports whether every required track has been verified.
func (v VerificationStatus) Satisfied() bool {
	return v.Email.Satisfied() && v.Phone.Satisfied()
}

// OnboardingSession is the full state of one intake workflow. It is
// persisted as a single document so a page reload (or process restart)
// resumes exactly where the user left off.
type OnboardingSession struct {
	SessionID     string             `json:"session_id"`
	UserID        string             `json:"user_id"`
	Email         string             `json:"email"`
	CurrentStep   int                `json:"current_step"`
	TotalSteps    int                `json:"total_steps"`
	StartedAt     time.Time          `json:"started_at"`
	LastUpdatedAt time.Time          `json:"last_updated_at"`
	IsCompleted   bool               `json:"is_completed"`
	Steps         []OnboardingStep   `json:"steps"`
	Verification  VerificationStatus `json:"verification_status"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
}

// Step returns the step with the given 1-based number, or nil when the
// number is out of range.
func (s *OnboardingSession) Step(n int) *OnboardingStep {
	if n < 1 || n > len(s.Steps) {
		return nil
	}
	return &s.Steps[n-1]
}

// AllStepsCompleted reports whether every step has been marked done.
func (s *OnboardingSession) AllStepsCompleted() bool {
	for i := range s.Steps {
		if !s.Steps[i].IsCompleted {
			return false
		}
	}
	return len(s.Steps) > 0
}

// IncompleteSteps returns the numbers of all steps not yet completed.
func (s *OnboardingSession) IncompleteSteps() []int {
	var missing []int
	for i := range s.Steps {
		if !s.Steps[i].IsCompleted {
			missing = append(missing, s.Steps[i].StepNumber)
		}
	}
	return missing
}

// Touch advances LastUpdatedAt, keeping it monotonically non-decreasing even
// if the wall clock steps backwards.
func (s *OnboardingSession) Touch(now time.Time) {
	if now.After(s.LastUpdatedAt) {
		s.LastUpdatedAt = now
	}
}
