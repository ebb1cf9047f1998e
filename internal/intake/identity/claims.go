package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/harbourhealth/intake/internal/intake/domain"
)

// UserFromIDToken derives the cached user profile from the id token's
// claims. The parse is deliberately unverified: this engine is the relying
// client, and signature verification happens on the provider's servers on
// every authenticated call. The claims are only used to populate the local
// profile cache.
func UserFromIDToken(idToken string) (domain.User, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return domain.User{}, fmt.Errorf("identity: parse id token: %w", err)
	}

	user := domain.User{
		ID:          stringClaim(claims, "sub"),
		Email:       stringClaim(claims, "email"),
		DisplayName: stringClaim(claims, "name"),
		PhoneNumber: stringClaim(claims, "phone_number"),
		Role:        domain.Role(stringClaim(claims, "role")),
	}
	if v, ok := claims["email_verified"].(bool); ok {
		user.EmailVerified = v
	}

	if user.ID == "" {
		return domain.User{}, fmt.Errorf("identity: id token missing sub claim")
	}
	if !user.Role.Known() {
		user.Role = domain.RoleClient
	}
	return user, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
