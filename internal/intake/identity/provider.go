// Package identity defines the abstract identity-provider capability the
// session engine consumes, plus the two shipped implementations: an HTTP
// binding for a hosted provider and an in-memory provider for development
// and tests. The engine never depends on a concrete provider protocol.
package identity

import (
	"context"
	"fmt"

	"github.com/harbourhealth/intake/internal/intake/domain"
)

// Profile carries the sign-up attributes beyond the credentials themselves.
type Profile struct {
	DisplayName string
	PhoneNumber string
	Role        domain.Role
}

// TokenResponse is the token block every successful sign-in/refresh returns.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`

	// ExpiresIn is the lifetime in seconds of the access/id tokens.
	ExpiresIn int `json:"expires_in"`
}

// AuthResult pairs the authenticated user with the issued tokens.
type AuthResult struct {
	User   domain.User
	Tokens TokenResponse
}

// Provider is the abstract identity capability. Implementations must return
// the credential sentinels below for credential failures so callers can map
// them without knowing the wire protocol.
type Provider interface {
	// SignUp registers a new account and returns the provider-assigned
	// user id. The account may require confirmation before sign-in.
	SignUp(ctx context.Context, email, password string, profile Profile) (string, error)

	// SignIn exchanges credentials for tokens.
	SignIn(ctx context.Context, email, password string) (*AuthResult, error)

	// Refresh exchanges a refresh token for a fresh token set. Providers
	// may rotate the refresh token itself; callers must persist whatever
	// comes back and never assume the old refresh token remains valid.
	Refresh(ctx context.Context, refreshToken string) (*AuthResult, error)

	// ConfirmSignUp completes email verification with the mailed code.
	ConfirmSignUp(ctx context.Context, email, code string) error

	// ResendConfirmationCode re-sends the sign-up confirmation code.
	ResendConfirmationCode(ctx context.Context, email string) error

	// ForgotPassword starts a password reset.
	ForgotPassword(ctx context.Context, email string) error

	// ConfirmForgotPassword completes a password reset with the code.
	ConfirmForgotPassword(ctx context.Context, email, code, newPassword string) error
}

// CredentialError is a credential failure surfaced to the caller with a
// human-readable message. These are never retried automatically.
type CredentialError struct {
	Code        string
	Description string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is matches any CredentialError with the same code, so providers can
// attach their own descriptions while errors.Is still works against the
// sentinels.
func (e *CredentialError) Is(target error) bool {
	t, ok := target.(*CredentialError)
	return ok && t.Code == e.Code
}

var (
	// ErrInvalidCredentials is returned when the email/password pair is wrong.
	ErrInvalidCredentials = &CredentialError{
		Code:        "invalid_credentials",
		Description: "incorrect email or password",
	}

	// ErrNotConfirmed is returned when the account exists but has not
	// completed sign-up confirmation.
	ErrNotConfirmed = &CredentialError{
		Code:        "not_confirmed",
		Description: "account has not been confirmed",
	}

	// ErrUserNotFound is returned when no account exists for the email.
	ErrUserNotFound = &CredentialError{
		Code:        "user_not_found",
		Description: "no account exists for that email",
	}

	// ErrUserExists is returned by SignUp when the email is already taken.
	ErrUserExists = &CredentialError{
		Code:        "user_exists",
		Description: "an account already exists for that email",
	}

	// ErrCodeMismatch is returned when a confirmation or reset code is
	// wrong or expired.
	ErrCodeMismatch = &CredentialError{
		Code:        "code_mismatch",
		Description: "the verification code is incorrect or expired",
	}
)

// sentinelByCode maps wire error codes onto the credential sentinels.
func sentinelByCode(code, description string) error {
	for _, sentinel := range []*CredentialError{
		ErrInvalidCredentials, ErrNotConfirmed, ErrUserNotFound, ErrUserExists, ErrCodeMismatch,
	} {
		if sentinel.Code == code {
			if description == "" {
				return sentinel
			}
			return &CredentialError{Code: code, Description: description}
		}
	}
	return nil
}
