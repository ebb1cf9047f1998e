package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harbourhealth/intake/internal/intake/domain"
	"github.com/stretchr/testify/require"
)

func TestHTTPProviderSignIn(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/auth/signin", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "nat@example.com", body["email"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"user": map[string]any{
				"id":             "user-9",
				"email":          "nat@example.com",
				"display_name":   "Nat",
				"role":           "therapist",
				"email_verified": true,
			},
			"tokens": map[string]any{
				"access_token":  "at",
				"id_token":      "it",
				"refresh_token": "rt",
				"expires_in":    3600,
			},
		})
	}))
	t.Cleanup(srv.Close)

	p := NewHTTPProvider(srv.URL)
	result, err := p.SignIn(context.Background(), "nat@example.com", "pw")
	require.NoError(t, err)
	require.Equal(t, "user-9", result.User.ID)
	require.Equal(t, domain.RoleTherapist, result.User.Role)
	require.Equal(t, "rt", result.Tokens.RefreshToken)
	require.Equal(t, 3600, result.Tokens.ExpiresIn)
}

func TestHTTPProviderMapsCredentialErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		code string
		want error
	}{
		{"invalid credentials", "invalid_credentials", ErrInvalidCredentials},
		{"not confirmed", "not_confirmed", ErrNotConfirmed},
		{"user not found", "user_not_found", ErrUserNotFound},
		{"code mismatch", "code_mismatch", ErrCodeMismatch},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":             tc.code,
					"error_description": "server supplied detail",
				})
			}))
			t.Cleanup(srv.Close)

			p := NewHTTPProvider(srv.URL)
			_, err := p.SignIn(context.Background(), "a@example.com", "pw")
			require.ErrorIs(t, err, tc.want)
			require.Contains(t, err.Error(), "server supplied detail")
		})
	}
}

func TestHTTPProviderUnknownErrorFallsBack(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	t.Cleanup(srv.Close)

	p := NewHTTPProvider(srv.URL)
	err := p.ForgotPassword(context.Background(), "a@example.com")
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 502")
}

func TestHTTPProviderDerivesUserFromIDToken(t *testing.T) {
	t.Parallel()

	// Build a realistic id token with the dev provider's signer.
	dev := NewDevProvider()
	_, err := dev.SignUp(context.Background(), "k@example.com", "pw", Profile{
		DisplayName: "Kai",
		Role:        domain.RoleAdmin,
	})
	require.NoError(t, err)
	devResult, err := dev.SignIn(context.Background(), "k@example.com", "pw")
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No user block; client must fall back to the id token claims.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tokens": map[string]any{
				"access_token":  "at",
				"id_token":      devResult.Tokens.IDToken,
				"refresh_token": "rt",
				"expires_in":    1800,
			},
		})
	}))
	t.Cleanup(srv.Close)

	p := NewHTTPProvider(srv.URL)
	result, err := p.Refresh(context.Background(), "old-rt")
	require.NoError(t, err)
	require.Equal(t, "Kai", result.User.DisplayName)
	require.Equal(t, domain.RoleAdmin, result.User.Role)
}
