// Package backend is the Bearer-authenticated client for the clinic
// backend: phone verification, onboarding backup and final completion.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harbourhealth/intake/internal/intake/domain"
)

// DefaultTimeout bounds every backend call.
const DefaultTimeout = 15 * time.Second

// ErrNoSession is returned when no valid id token is available to
// authenticate the call.
var ErrNoSession = errors.New("backend: no valid session")

// TokenSource supplies the Bearer credential. An empty string means no
// valid session. The session controller implements this.
type TokenSource interface {
	IDToken(ctx context.Context) string
}

// RejectionError carries the server's message when the backend refuses a
// request with a non-2xx status.
type RejectionError struct {
	StatusCode int
	Message    string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("backend: rejected with status %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSource
}

func New(baseURL string, tokens TokenSource) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		Tokens:     tokens,
	}
}

// SendPhoneCode asks the backend to text a verification code.
func (c *Client) SendPhoneCode(ctx context.Context, phoneNumber, userID string) error {
	return c.post(ctx, "/auth/phone/send-code", map[string]any{
		"phoneNumber": phoneNumber,
		"userId":      userID,
	})
}

// VerifyPhoneCode submits the code the user received.
func (c *Client) VerifyPhoneCode(ctx context.Context, phoneNumber, code, userID string) error {
	return c.post(ctx, "/auth/phone/verify-code", map[string]any{
		"phoneNumber":      phoneNumber,
		"verificationCode": code,
		"userId":           userID,
	})
}

// BackupOnboarding replicates the full session document. The response body
// is not interpreted beyond success/failure.
func (c *Client) BackupOnboarding(ctx context.Context, session domain.OnboardingSession) error {
	return c.post(ctx, "/onboarding/backup", session)
}

// CompletionRequest is the final submission payload.
type CompletionRequest struct {
	SessionID    string                    `json:"sessionId"`
	UserID       string                    `json:"userId"`
	ProfileData  map[string]any            `json:"profileData"`
	Verification domain.VerificationStatus `json:"verificationStatus"`
}

// CompleteOnboarding performs the final submission. A non-2xx response
// comes back as a RejectionError carrying the server's message.
func (c *Client) CompleteOnboarding(ctx context.Context, req CompletionRequest) error {
	return c.post(ctx, "/therapist/complete-onboarding", req)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	token := c.Tokens.IDToken(ctx)
	if token == "" {
		return ErrNoSession
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	return &RejectionError{
		StatusCode: resp.StatusCode,
		Message:    serverMessage(respBody),
	}
}

// serverMessage pulls a human-readable message out of an error body,
// falling back to the raw body.
func serverMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return string(body)
}
