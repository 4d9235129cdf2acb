package models

import "time"

type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionExpired SessionState = "expired"
	SessionEnded   SessionState = "ended"
)

type Session struct {
	Subject            string       `json:"subject"`
	Email              string       `json:"email"`
	CredentialIssuedAt time.Time    `json:"credentialIssuedAt"`
	LastRefreshAt      time.Time    `json:"lastRefreshAt"`
	ExpiresAt          time.Time    `json:"expiresAt"`
	State              SessionState `json:"state"`
}
