package identity

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/hotp"

	"github.com/harbourhealth/intake/internal/intake/domain"
	"github.com/harbourhealth/intake/pkg/idx"
)

// DevProvider is an in-memory identity provider for local development and
// tests. Accounts live for the lifetime of the process. Confirmation and
// reset codes are HOTP values derived from a per-account secret, so the
// sandbox behaves like a real provider (wrong code rejected, each code
// single-use) without any mail or SMS delivery.
type DevProvider struct {
	// TokenTTL is the advertised token lifetime. Defaults to an hour.
	TokenTTL time.Duration

	mu         sync.Mutex
	users      map[string]*devAccount
	signingKey []byte
	now        func() time.Time
}

type devAccount struct {
	user      domain.User
	password  string
	confirmed bool

	otpSecret    string
	otpCounter   uint64
	refreshToken string
}

func NewDevProvider() *DevProvider {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic("identity: failed to generate dev signing key")
	}
	return &DevProvider{
		TokenTTL:   time.Hour,
		users:      make(map[string]*devAccount),
		signingKey: key,
		now:        time.Now,
	}
}

var _ Provider = (*DevProvider)(nil)

func (p *DevProvider) SignUp(ctx context.Context, email, password string, profile Profile) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.users[email]; exists {
		return "", ErrUserExists
	}

	secret := make([]byte, 20)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}

	account := &devAccount{
		user: domain.User{
			ID:          idx.New().String(),
			Email:       email,
			DisplayName: profile.DisplayName,
			PhoneNumber: profile.PhoneNumber,
			Role:        profile.Role,
		},
		password:  password,
		otpSecret: base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(secret),
	}
	if !account.user.Role.Known() {
		account.user.Role = domain.RoleClient
	}
	// Provisioned roles skip the confirmation round-trip, mirroring
	// organisation-created accounts on hosted providers.
	if account.user.Role.Provisioned() {
		account.confirmed = true
		account.user.EmailVerified = true
	}

	p.users[email] = account
	return account.user.ID, nil
}

// ConfirmationCode returns the code that would have been emailed for the
// account's current counter value. Tests and the dev sandbox read it here.
func (p *DevProvider) ConfirmationCode(email string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	account, ok := p.users[email]
	if !ok {
		return "", ErrUserNotFound
	}
	return hotp.GenerateCode(account.otpSecret, account.otpCounter)
}

func (p *DevProvider) SignIn(ctx context.Context, email, password string) (*AuthResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	account, ok := p.users[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	if account.password != password {
		return nil, ErrInvalidCredentials
	}
	if !account.confirmed {
		return nil, ErrNotConfirmed
	}
	return p.issue(account)
}

func (p *DevProvider) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, account := range p.users {
		if account.refreshToken == refreshToken {
			return p.issue(account)
		}
	}
	return nil, ErrInvalidCredentials
}

func (p *DevProvider) ConfirmSignUp(ctx context.Context, email, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	account, ok := p.users[email]
	if !ok {
		return ErrUserNotFound
	}
	if account.confirmed {
		return nil
	}
	if !hotp.Validate(code, account.otpCounter, account.otpSecret) {
		return ErrCodeMismatch
	}
	account.otpCounter++
	account.confirmed = true
	account.user.EmailVerified = true
	return nil
}

func (p *DevProvider) ResendConfirmationCode(ctx context.Context, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	account, ok := p.users[email]
	if !ok {
		return ErrUserNotFound
	}
	// Advancing the counter invalidates the previous code, like a real
	// provider re-issuing.
	account.otpCounter++
	return nil
}

func (p *DevProvider) ForgotPassword(ctx context.Context, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.users[email]; !ok {
		return ErrUserNotFound
	}
	return nil
}

func (p *DevProvider) ConfirmForgotPassword(ctx context.Context, email, code, newPassword string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	account, ok := p.users[email]
	if !ok {
		return ErrUserNotFound
	}
	if !hotp.Validate(code, account.otpCounter, account.otpSecret) {
		return ErrCodeMismatch
	}
	account.otpCounter++
	account.password = newPassword
	return nil
}

// issue mints a fresh token set. The refresh token rotates on every issue,
// which exercises the callers' obligation to persist whatever comes back.
func (p *DevProvider) issue(account *devAccount) (*AuthResult, error) {
	now := p.now()

	idToken, err := p.signIDToken(account.user, now)
	if err != nil {
		return nil, err
	}

	account.refreshToken = opaqueToken()
	return &AuthResult{
		User: account.user,
		Tokens: TokenResponse{
			AccessToken:  opaqueToken(),
			IDToken:      idToken,
			RefreshToken: account.refreshToken,
			ExpiresIn:    int(p.TokenTTL.Seconds()),
		},
	}, nil
}

// signIDToken mints an HS256 id token carrying the same claims a hosted
// provider would, so UserFromIDToken works against dev tokens too.
func (p *DevProvider) signIDToken(user domain.User, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":            user.ID,
		"email":          user.Email,
		"name":           user.DisplayName,
		"phone_number":   user.PhoneNumber,
		"role":           string(user.Role),
		"email_verified": user.EmailVerified,
		"iat":            now.Unix(),
		"exp":            now.Add(p.TokenTTL).Unix(),
	})
	return token.SignedString(p.signingKey)
}

func opaqueToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("identity: failed to generate token")
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
