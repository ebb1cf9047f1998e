package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harbourhealth/intake/internal/intake/domain"
)

// DefaultTimeout bounds every provider call. An unbounded hang here would
// stall refresh scheduling indefinitely.
const DefaultTimeout = 15 * time.Second

// HTTPProvider binds the Provider capability to a hosted identity service
// speaking JSON over HTTP.
type HTTPProvider struct {
	BaseURL    string
	HTTPClient *http.Client
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a provider client with an explicit timeout.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	}
}

type authPayload struct {
	User   *providerUser  `json:"user,omitempty"`
	Tokens *TokenResponse `json:"tokens"`
}

type providerUser struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	DisplayName   string `json:"display_name"`
	PhoneNumber   string `json:"phone_number"`
	Role          string `json:"role"`
	EmailVerified bool   `json:"email_verified"`
}

func (p *HTTPProvider) SignUp(ctx context.Context, email, password string, profile Profile) (string, error) {
	var out struct {
		UserID string `json:"user_id"`
	}
	err := p.post(ctx, "/auth/signup", map[string]any{
		"email":        email,
		"password":     password,
		"display_name": profile.DisplayName,
		"phone_number": profile.PhoneNumber,
		"role":         profile.Role,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.UserID, nil
}

func (p *HTTPProvider) SignIn(ctx context.Context, email, password string) (*AuthResult, error) {
	var out authPayload
	err := p.post(ctx, "/auth/signin", map[string]any{
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		return nil, err
	}
	return p.authResult(out)
}

func (p *HTTPProvider) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	var out authPayload
	err := p.post(ctx, "/auth/refresh", map[string]any{
		"refresh_token": refreshToken,
	}, &out)
	if err != nil {
		return nil, err
	}
	return p.authResult(out)
}

func (p *HTTPProvider) ConfirmSignUp(ctx context.Context, email, code string) error {
	return p.post(ctx, "/auth/confirm", map[string]any{
		"email": email,
		"code":  code,
	}, nil)
}

func (p *HTTPProvider) ResendConfirmationCode(ctx context.Context, email string) error {
	return p.post(ctx, "/auth/resend-code", map[string]any{"email": email}, nil)
}

func (p *HTTPProvider) ForgotPassword(ctx context.Context, email string) error {
	return p.post(ctx, "/auth/forgot-password", map[string]any{"email": email}, nil)
}

func (p *HTTPProvider) ConfirmForgotPassword(ctx context.Context, email, code, newPassword string) error {
	return p.post(ctx, "/auth/confirm-forgot-password", map[string]any{
		"email":        email,
		"code":         code,
		"new_password": newPassword,
	}, nil)
}

// authResult assembles an AuthResult from the response payload. Providers
// that omit the user block still work: the profile is derived from the id
// token claims instead.
func (p *HTTPProvider) authResult(payload authPayload) (*AuthResult, error) {
	if payload.Tokens == nil {
		return nil, fmt.Errorf("identity: response missing tokens")
	}

	result := &AuthResult{Tokens: *payload.Tokens}
	if u := payload.User; u != nil {
		result.User.ID = u.ID
		result.User.Email = u.Email
		result.User.DisplayName = u.DisplayName
		result.User.PhoneNumber = u.PhoneNumber
		result.User.Role = roleOrDefault(u.Role)
		result.User.EmailVerified = u.EmailVerified
		return result, nil
	}

	user, err := UserFromIDToken(payload.Tokens.IDToken)
	if err != nil {
		return nil, err
	}
	result.User = user
	return result, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, body map[string]any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseErrorResponse(resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse maps an HTTP error body onto the credential sentinels
// where the code is recognised, falling back to a generic error.
func parseErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		if sentinel := sentinelByCode(errResp.Error, errResp.ErrorDescription); sentinel != nil {
			return sentinel
		}
		return fmt.Errorf("identity: %s: %s", errResp.Error, errResp.ErrorDescription)
	}

	return fmt.Errorf("identity: request failed with status %d: %s", statusCode, string(body))
}

func roleOrDefault(role string) domain.Role {
	r := domain.Role(role)
	if !r.Known() {
		return domain.RoleClient
	}
	return r
}
