package models

import "time"

// Role identifies the current actor class.
type Role string

const (
	RoleGuest        Role = "guest"
	RoleOrganization Role = "organization"
	RoleAdmin        Role = "admin"
)

// OrganizationProfile describes a registered data-provider. Country is
// immutable through the profile-update path; upload forms default to it.
type OrganizationProfile struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Country      string    `json:"country"`
	ContactEmail string    `json:"contact_email"`
	ContactName  string    `json:"contact_name"`
	Website      string    `json:"website"`
	Address      string    `json:"address"`
	CreatedAt    time.Time `json:"created_at"`
}

// AdminProfile describes a platform administrator.
type AdminProfile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Session is the single source of truth for "who is using the app".
// Invariants: Role == guest iff both profiles are nil, and
// Authenticated iff Role != guest.
type Session struct {
	Authenticated bool                 `json:"authenticated"`
	Role          Role                 `json:"role"`
	Organization  *OrganizationProfile `json:"organization,omitempty"`
	Admin         *AdminProfile        `json:"admin,omitempty"`
}

// Guest returns the zero session.
func Guest() Session {
	return Session{Authenticated: false, Role: RoleGuest}
}

// Valid reports whether the session satisfies its invariants. Snapshots
// loaded from durable storage are rejected (and cleared) when this fails.
func (s Session) Valid() bool {
	switch s.Role {
	case RoleGuest:
		return !s.Authenticated && s.Organization == nil && s.Admin == nil
	case RoleOrganization:
		return s.Authenticated && s.Organization != nil && s.Admin == nil
	case RoleAdmin:
		return s.Authenticated && s.Admin != nil && s.Organization == nil
	default:
		return false
	}
}

// OrganizationProfileUpdate carries the mutable profile fields. Country is
// deliberately absent.
type OrganizationProfileUpdate struct {
	Name         *string `json:"name,omitempty"`
	Type         *string `json:"type,omitempty"`
	ContactEmail *string `json:"contact_email,omitempty" validate:"omitempty,email"`
	ContactName  *string `json:"contact_name,omitempty"`
	Website      *string `json:"website,omitempty"`
	Address      *string `json:"address,omitempty"`
}
