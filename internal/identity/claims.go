package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ClaimAdmin = "admin"
	ClaimRole  = "role"
	ClaimEmail = "email"
)

// Claims are the custom and registered claims carried by an ID token.
type Claims map[string]any

func (c Claims) Bool(key string) bool {
	value, ok := c[key].(bool)
	return ok && value
}

func (c Claims) String(key string) string {
	value, _ := c[key].(string)
	return value
}

// ParseUnverified reads an ID token's claims without checking its
// signature. Only use it on tokens the provider just handed us; server-side
// checks go through a Verifier.
func ParseUnverified(idToken string) (Claims, error) {
	idToken = strings.TrimSpace(idToken)
	if idToken == "" {
		return nil, fmt.Errorf("empty id token")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, fmt.Errorf("parse id token: %w", err)
	}
	return Claims(claims), nil
}

// CredentialFromToken fills subject, email, and timestamps from an ID
// token's claims.
func CredentialFromToken(idToken, refreshToken string) (Credential, error) {
	claims, err := ParseUnverified(idToken)
	if err != nil {
		return Credential{}, err
	}
	cred := Credential{
		IDToken:      idToken,
		RefreshToken: refreshToken,
		Claims:       claims,
		UID:          claims.String("sub"),
		Email:        claims.String(ClaimEmail),
	}
	if uid := claims.String("user_id"); cred.UID == "" {
		cred.UID = uid
	}
	mapClaims := jwt.MapClaims(claims)
	if iat, err := mapClaims.GetIssuedAt(); err == nil && iat != nil {
		cred.IssuedAt = iat.Time
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		cred.ExpiresAt = exp.Time
	}
	return cred, nil
}

// Age is how long ago the credential was issued.
func (c Credential) Age(now time.Time) time.Duration {
	if c.IssuedAt.IsZero() {
		return 0
	}
	return now.Sub(c.IssuedAt)
}
