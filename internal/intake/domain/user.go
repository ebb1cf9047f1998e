package domain

// Role is the closed set of account roles in the practice.
type Role string

const (
	RoleClient     Role = "client"
	RoleTherapist  Role = "therapist"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Known reports whether r is one of the recognised roles.
func (r Role) Known() bool {
	switch r {
	case RoleClient, RoleTherapist, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// Provisioned reports whether accounts with this role are created through an
// organisation flow and may be signed in immediately after sign-up, without
// waiting for the email confirmation round-trip.
func (r Role) Provisioned() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// User is the cached profile derived from the identity provider's response.
// It is persisted alongside the TokenSet and must never outlive it: a User
// is only visible to callers while a currently valid TokenSet backs it.
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	DisplayName   string `json:"display_name"`
	PhoneNumber   string `json:"phone_number,omitempty"`
	Role          Role   `json:"role"`
	EmailVerified bool   `json:"email_verified"`
}
