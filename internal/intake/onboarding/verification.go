package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/harbourhealth/intake/internal/intake/identity"
	"github.com/harbourhealth/intake/pkg/slogx"
)

// ErrRateLimited reports that verification codes are being requested too
// quickly.
var ErrRateLimited = errors.New("onboarding: too many code requests, try again shortly")

// PhoneVerifier is the backend surface the gate needs for SMS codes. The
// backend client implements it.
type PhoneVerifier interface {
	SendPhoneCode(ctx context.Context, phoneNumber, userID string) error
	VerifyPhoneCode(ctx context.Context, phoneNumber, code, userID string) error
}

// VerificationGate drives the email and phone verification tracks. Both
// verify operations are idempotent: re-verifying a satisfied track succeeds
// without touching the provider or backend.
type VerificationGate struct {
	machine *Machine
	phones  PhoneVerifier
	logger  *slog.Logger

	// provider confirms email codes. A nil provider models out-of-band
	// email verification, where the code step succeeds locally.
	provider identity.Provider

	// sendLimit throttles outbound code requests across both tracks.
	sendLimit *rate.Limiter
}

func NewVerificationGate(machine *Machine, provider identity.Provider, phones PhoneVerifier, logger *slog.Logger) *VerificationGate {
	return &VerificationGate{
		machine:   machine,
		phones:    phones,
		logger:    logger,
		provider:  provider,
		sendLimit: rate.NewLimiter(rate.Limit(5.0/60.0), 5),
	}
}

// logctx tags the context with the gate's logger and the session id, so
// every log line for one verification flow can be correlated.
func (g *VerificationGate) logctx(ctx context.Context, sessionID string) context.Context {
	return slogx.WithSessionID(slogx.WithContext(ctx, g.logger), sessionID)
}

// VerifyEmail confirms the mailed code with the identity provider and marks
// the email track verified. Already-verified tracks short-circuit to
// success.
func (g *VerificationGate) VerifyEmail(ctx context.Context, code string) error {
	session, err := g.machine.Session()
	if err != nil {
		return err
	}
	if session.Verification.Email.IsVerified {
		return nil
	}
	ctx = g.logctx(ctx, session.SessionID)

	method := "out_of_band"
	if g.provider != nil {
		if err := g.provider.ConfirmSignUp(ctx, session.Email, code); err != nil {
			return fmt.Errorf("email verification failed: %w", err)
		}
		method = "code"
	}

	if err := g.machine.MarkEmailVerified(ctx, method); err != nil {
		return err
	}
	slogx.FromContext(ctx).Info("email verified", "method", method)
	return nil
}

// ResendEmailCode asks the provider to mail a fresh confirmation code,
// subject to the send throttle.
func (g *VerificationGate) ResendEmailCode(ctx context.Context) error {
	session, err := g.machine.Session()
	if err != nil {
		return err
	}
	if session.Verification.Email.IsVerified {
		return nil
	}
	if g.provider == nil {
		return nil
	}
	if !g.sendLimit.Allow() {
		return ErrRateLimited
	}
	if err := g.provider.ResendConfirmationCode(ctx, session.Email); err != nil {
		return fmt.Errorf("failed to resend email code: %w", err)
	}
	return nil
}

// SendPhoneCode asks the backend to text a code to the given number,
// subject to the send throttle. Sending to an already-verified track is a
// no-op.
func (g *VerificationGate) SendPhoneCode(ctx context.Context, phoneNumber string) error {
	session, err := g.machine.Session()
	if err != nil {
		return err
	}
	if session.Verification.Phone.IsVerified {
		return nil
	}
	if !g.sendLimit.Allow() {
		return ErrRateLimited
	}
	ctx = g.logctx(ctx, session.SessionID)
	if err := g.phones.SendPhoneCode(ctx, phoneNumber, session.UserID); err != nil {
		return fmt.Errorf("failed to send phone code: %w", err)
	}
	slogx.FromContext(ctx).Info("phone code sent")
	return nil
}

// VerifyPhone submits the received code and, on success, marks the phone
// track verified with the number that was checked.
func (g *VerificationGate) VerifyPhone(ctx context.Context, phoneNumber, code string) error {
	session, err := g.machine.Session()
	if err != nil {
		return err
	}
	if session.Verification.Phone.IsVerified {
		return nil
	}

	ctx = g.logctx(ctx, session.SessionID)
	if err := g.phones.VerifyPhoneCode(ctx, phoneNumber, code, session.UserID); err != nil {
		return fmt.Errorf("phone verification failed: %w", err)
	}
	if err := g.machine.MarkPhoneVerified(ctx, phoneNumber); err != nil {
		return err
	}
	slogx.FromContext(ctx).Info("phone verified")
	return nil
}
