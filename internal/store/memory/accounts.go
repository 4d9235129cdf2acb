package memory

import (
	"context"
	"sync"

	"qms/access-service/internal/identity"
	"qms/access-service/internal/identity/local"
	"qms/access-service/internal/models"
)

// Accounts is an in-memory local.AccountStore.
type Accounts struct {
	mu      sync.RWMutex
	byID    map[string]local.AccountRecord
	byEmail map[string]string
}

var _ local.AccountStore = (*Accounts)(nil)

func NewAccounts() *Accounts {
	return &Accounts{
		byID:    make(map[string]local.AccountRecord),
		byEmail: make(map[string]string),
	}
}

func (a *Accounts) InsertAccount(ctx context.Context, account local.AccountRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	email := models.NormalizeEmail(account.Email)
	if _, ok := a.byEmail[email]; ok {
		return identity.ErrEmailInUse
	}
	account.Email = email
	account.Claims = copyClaims(account.Claims)
	a.byID[account.UID] = account
	a.byEmail[email] = account.UID
	return nil
}

func (a *Accounts) AccountByEmail(ctx context.Context, email string) (local.AccountRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	uid, ok := a.byEmail[models.NormalizeEmail(email)]
	if !ok {
		return local.AccountRecord{}, local.ErrAccountNotFound
	}
	return a.copyOf(uid), nil
}

func (a *Accounts) AccountByID(ctx context.Context, uid string) (local.AccountRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if _, ok := a.byID[uid]; !ok {
		return local.AccountRecord{}, local.ErrAccountNotFound
	}
	return a.copyOf(uid), nil
}

func (a *Accounts) UpdateAccountClaims(ctx context.Context, uid string, claims map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	account, ok := a.byID[uid]
	if !ok {
		return local.ErrAccountNotFound
	}
	account.Claims = copyClaims(claims)
	a.byID[uid] = account
	return nil
}

func (a *Accounts) UpdateAccountPassword(ctx context.Context, uid, passwordHash string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	account, ok := a.byID[uid]
	if !ok {
		return local.ErrAccountNotFound
	}
	account.PasswordHash = passwordHash
	a.byID[uid] = account
	return nil
}

// Disable marks an account disabled, as an operator would out of band.
func (a *Accounts) Disable(uid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if account, ok := a.byID[uid]; ok {
		account.Disabled = true
		a.byID[uid] = account
	}
}

// Delete removes an account, as an operator would when cleaning up an
// orphaned credential.
func (a *Accounts) Delete(uid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if account, ok := a.byID[uid]; ok {
		delete(a.byEmail, account.Email)
		delete(a.byID, uid)
	}
}

func (a *Accounts) copyOf(uid string) local.AccountRecord {
	account := a.byID[uid]
	account.Claims = copyClaims(account.Claims)
	return account
}

func copyClaims(claims map[string]any) map[string]any {
	out := make(map[string]any, len(claims))
	for key, value := range claims {
		out[key] = value
	}
	return out
}
