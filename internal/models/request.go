package models

import "time"

type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
)

type AuthRequest struct {
	ID            string        `json:"id"`
	Email         string        `json:"email"`
	Name          string        `json:"name"`
	RequestedRole Role          `json:"requestedRole"`
	Password      string        `json:"password,omitempty"`
	Status        RequestStatus `json:"status"`
	Reviewer      string        `json:"reviewer,omitempty"`
	ReviewedAt    *time.Time    `json:"reviewedAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

var transitionMap = map[RequestStatus][]RequestStatus{
	StatusApproved: {StatusPending},
	StatusRejected: {StatusPending},
}

// ValidTransition reports whether a request may move from one status to
// another. Reviewed requests never move again.
func ValidTransition(from, to RequestStatus) bool {
	for _, status := range transitionMap[to] {
		if status == from {
			return true
		}
	}
	return false
}

type ExistenceReport struct {
	IdentityProviderHasAccount bool   `json:"identityProviderHasAccount"`
	IdentityProviderUID        string `json:"identityProviderUid,omitempty"`
	PrimaryProfileExists       bool   `json:"primaryProfileExists"`
	SecondaryProfileExists     bool   `json:"secondaryProfileExists"`
}

// FullyProvisioned is true when both profile stores already hold the
// account.
func (r ExistenceReport) FullyProvisioned() bool {
	return r.PrimaryProfileExists && r.SecondaryProfileExists
}

// Orphaned is an identity provider account with no profile in either store.
func (r ExistenceReport) Orphaned() bool {
	return r.IdentityProviderHasAccount && !r.PrimaryProfileExists && !r.SecondaryProfileExists
}
