package models

import (
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleRegional   Role = "regional"
	RoleTeamMember Role = "team_member"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleRegional, RoleTeamMember:
		return true
	}
	return false
}

// NormalizeEmail is applied at every read and write boundary so that
// addresses differing only in case or surrounding space are one account.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type UserProfile struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"displayName"`
	Role        Role       `json:"role"`
	Approved    bool       `json:"approved"`
	IsAdmin     bool       `json:"isAdmin,omitempty"`
	Stores      []string   `json:"stores,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

// TeamMember is the secondary profile kept for team_member accounts. It
// shares its ID with the identity provider account and the primary profile.
type TeamMember struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Stores      []string  `json:"stores,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
}
