package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harbourhealth/intake/internal/intake/domain"
	"github.com/harbourhealth/intake/internal/intake/identity"
	"github.com/harbourhealth/intake/internal/intake/store"
)

// ErrNoSession reports that no signed-in session exists. It is not a
// failure: accessors translate it to their zero value before it reaches UI
// code.
var ErrNoSession = errors.New("session: not signed in")

// TokenRefreshError wraps a failed refresh. By the time a caller sees it
// the local session has already been torn down and a nil auth state
// broadcast; there is no partial-failure state for token refresh.
type TokenRefreshError struct {
	Err error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("session: token refresh failed: %v", e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// RegisterResult is what Register hands back to the UI.
type RegisterResult struct {
	User                 domain.User
	RequiresVerification bool
}

// Controller orchestrates the session lifecycle: registration, login,
// logout, token accessors and the refresh path. It is constructed once at
// application start and passed by reference; all token and profile mutation
// funnels through it.
type Controller struct {
	provider identity.Provider
	store    store.Store
	sched    *RefreshScheduler
	bcast    *Broadcaster
	logger   *slog.Logger

	now func() time.Time

	// refreshMu serializes the refresh path so a scheduled refresh and an
	// accessor-triggered refresh cannot race each other.
	refreshMu sync.Mutex
}

func NewController(
	provider identity.Provider,
	st store.Store,
	sched *RefreshScheduler,
	bcast *Broadcaster,
	logger *slog.Logger,
) *Controller {
	c := &Controller{
		provider: provider,
		store:    st,
		sched:    sched,
		bcast:    bcast,
		logger:   logger,
		now:      time.Now,
	}
	sched.Bind(c.fireRefresh)
	return c
}

// Broadcaster exposes the auth state feed for subscription.
func (c *Controller) Broadcaster() *Broadcaster { return c.bcast }

// Scheduler exposes the refresh scheduler, mainly so the application shell
// can disarm it on shutdown.
func (c *Controller) Scheduler() *RefreshScheduler { return c.sched }

// Register signs the account up. Provisioned roles are signed in
// immediately; a sign-in failure after a successful sign-up is swallowed
// and reported as pending verification, since the account itself exists.
func (c *Controller) Register(ctx context.Context, email, password string, profile identity.Profile) (*RegisterResult, error) {
	if !profile.Role.Known() {
		profile.Role = domain.RoleClient
	}

	userID, err := c.provider.SignUp(ctx, email, password, profile)
	if err != nil {
		return nil, err
	}
	c.logger.Info("account registered", "user_id", userID, "role", profile.Role)

	if profile.Role.Provisioned() {
		if user, err := c.Login(ctx, email, password); err == nil {
			return &RegisterResult{User: *user, RequiresVerification: false}, nil
		} else {
			c.logger.Warn("post-registration sign-in failed, confirmation pending", "error", err)
		}
	}

	return &RegisterResult{
		User: domain.User{
			ID:          userID,
			Email:       email,
			DisplayName: profile.DisplayName,
			PhoneNumber: profile.PhoneNumber,
			Role:        profile.Role,
		},
		RequiresVerification: true,
	}, nil
}

// Login exchanges credentials for tokens, persists them, arms the refresh
// timer and broadcasts the new user. Credential failures come back as
// identity sentinel errors.
func (c *Controller) Login(ctx context.Context, email, password string) (*domain.User, error) {
	result, err := c.provider.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}

	user, err := c.establish(ctx, result)
	if err != nil {
		return nil, err
	}
	c.logger.Info("signed in", "user_id", user.ID)
	return user, nil
}

// Logout tears down the local session. It never fails: the refresh timer is
// cancelled before storage is touched so a stale timer cannot revive a
// logged-out session, and storage errors are logged rather than surfaced.
func (c *Controller) Logout(ctx context.Context) {
	c.sched.Disarm()
	if err := c.store.Credentials().Clear(ctx); err != nil {
		c.logger.Error("failed to clear stored credentials", "error", err)
	}
	c.bcast.Notify(nil)
	c.logger.Info("signed out")
}

// Resume restores a persisted session after a restart: valid tokens re-arm
// the scheduler and broadcast the cached user, stale tokens go through the
// refresh path. With nothing persisted it is a no-op.
func (c *Controller) Resume(ctx context.Context) error {
	tokens, err := c.store.Credentials().TokenSet(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if tokens.FreshFor(c.now(), c.sched.margin()) {
		user, err := c.store.Credentials().User(ctx)
		if err != nil {
			return err
		}
		c.sched.Arm(tokens)
		c.bcast.Notify(&user)
		return nil
	}

	if err := c.Refresh(ctx); err != nil {
		// The refresh path already tore the session down and broadcast
		// nil; a failed resume is a clean logged-out start.
		c.logger.Warn("could not resume persisted session", "error", err)
	}
	return nil
}

// AccessToken returns a currently valid access token, refreshing first when
// the stored one is inside the refresh margin. Empty string means no valid
// session; this accessor never fails loudly.
func (c *Controller) AccessToken(ctx context.Context) string {
	return c.freshToken(ctx, func(t domain.TokenSet) string { return t.AccessToken })
}

// IDToken is AccessToken's counterpart for the id token, used as the Bearer
// credential on clinic-backend calls.
func (c *Controller) IDToken(ctx context.Context) string {
	return c.freshToken(ctx, func(t domain.TokenSet) string { return t.IDToken })
}

// CurrentUser returns the cached user only while a currently valid token
// set backs it.
func (c *Controller) CurrentUser(ctx context.Context) *domain.User {
	tokens, err := c.store.Credentials().TokenSet(ctx)
	if err != nil || !tokens.Valid(c.now()) {
		return nil
	}
	user, err := c.store.Credentials().User(ctx)
	if err != nil {
		return nil
	}
	return &user
}

// Refresh runs the refresh path once: exchange the stored refresh token,
// atomically replace the whole TokenSet, re-arm, broadcast. On provider
// failure the session is torn down (hard logout) and a TokenRefreshError
// returned.
func (c *Controller) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	tokens, err := c.store.Credentials().TokenSet(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNoSession
	}
	if err != nil {
		return err
	}

	result, err := c.provider.Refresh(ctx, tokens.RefreshToken)
	if err != nil {
		c.sched.Disarm()
		if clearErr := c.store.Credentials().Clear(ctx); clearErr != nil {
			c.logger.Error("failed to clear credentials after refresh failure", "error", clearErr)
		}
		c.bcast.Notify(nil)
		c.logger.Warn("token refresh failed, session ended", "error", err)
		return &TokenRefreshError{Err: err}
	}

	if _, err := c.establish(ctx, result); err != nil {
		return err
	}
	c.logger.Debug("tokens refreshed")
	return nil
}

// ForgotPassword starts a password reset through the provider.
func (c *Controller) ForgotPassword(ctx context.Context, email string) error {
	return c.provider.ForgotPassword(ctx, email)
}

// ConfirmForgotPassword completes a password reset through the provider.
func (c *Controller) ConfirmForgotPassword(ctx context.Context, email, code, newPassword string) error {
	return c.provider.ConfirmForgotPassword(ctx, email, code, newPassword)
}

// establish persists the token set and profile atomically, arms the
// scheduler, and broadcasts. The broadcast happens strictly after the store
// write so subscribers never observe a state that is not yet persisted.
func (c *Controller) establish(ctx context.Context, result *identity.AuthResult) (*domain.User, error) {
	now := c.now()
	tokens := domain.TokenSet{
		AccessToken:  result.Tokens.AccessToken,
		IDToken:      result.Tokens.IDToken,
		RefreshToken: result.Tokens.RefreshToken,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Duration(result.Tokens.ExpiresIn) * time.Second),
	}
	user := result.User

	if err := c.store.Credentials().Save(ctx, tokens, user); err != nil {
		return nil, fmt.Errorf("session: persist credentials: %w", err)
	}

	c.sched.Arm(tokens)
	c.bcast.Notify(&user)
	return &user, nil
}

// freshToken implements the shared accessor behaviour: cached token while
// outside the refresh margin, otherwise refresh-then-return, empty string
// when no valid session remains.
func (c *Controller) freshToken(ctx context.Context, pick func(domain.TokenSet) string) string {
	tokens, err := c.store.Credentials().TokenSet(ctx)
	if err != nil {
		return ""
	}

	if tokens.FreshFor(c.now(), c.sched.margin()) {
		return pick(tokens)
	}

	if err := c.Refresh(ctx); err != nil {
		return ""
	}
	tokens, err = c.store.Credentials().TokenSet(ctx)
	if err != nil {
		return ""
	}
	return pick(tokens)
}

// fireRefresh is the scheduler's entry into the refresh path. The scheduled
// refresh gets its own bounded context; a hung provider call must not pin
// the timer goroutine forever.
func (c *Controller) fireRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), identity.DefaultTimeout)
	defer cancel()

	if err := c.Refresh(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		c.logger.Warn("scheduled refresh failed", "error", err)
	}
}
