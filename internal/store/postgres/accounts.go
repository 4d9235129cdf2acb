package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"qms/access-service/internal/identity"
	"qms/access-service/internal/identity/local"
	"qms/access-service/internal/models"
)

// Accounts persists local provider accounts.
type Accounts struct {
	pool *pgxpool.Pool
}

var _ local.AccountStore = (*Accounts)(nil)

func NewAccounts(pool *pgxpool.Pool) *Accounts {
	return &Accounts{pool: pool}
}

func (a *Accounts) InsertAccount(ctx context.Context, account local.AccountRecord) error {
	claims, err := encodeClaims(account.Claims)
	if err != nil {
		return err
	}
	_, err = a.pool.Exec(ctx, `
		INSERT INTO identity_accounts (uid, email, password_hash, claims, disabled, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
	`, account.UID, models.NormalizeEmail(account.Email), account.PasswordHash, claims, account.Disabled, account.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return identity.ErrEmailInUse
		}
		return classify(err)
	}
	return nil
}

func (a *Accounts) AccountByEmail(ctx context.Context, email string) (local.AccountRecord, error) {
	return a.scanOne(ctx, `
		SELECT uid, email, password_hash, claims, disabled, created_at
		FROM identity_accounts
		WHERE email = $1
	`, models.NormalizeEmail(email))
}

func (a *Accounts) AccountByID(ctx context.Context, uid string) (local.AccountRecord, error) {
	return a.scanOne(ctx, `
		SELECT uid, email, password_hash, claims, disabled, created_at
		FROM identity_accounts
		WHERE uid = $1
	`, uid)
}

func (a *Accounts) UpdateAccountClaims(ctx context.Context, uid string, claims map[string]any) error {
	encoded, err := encodeClaims(claims)
	if err != nil {
		return err
	}
	tag, err := a.pool.Exec(ctx, `
		UPDATE identity_accounts
		SET claims = $2::jsonb
		WHERE uid = $1
	`, uid, encoded)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return local.ErrAccountNotFound
	}
	return nil
}

func (a *Accounts) UpdateAccountPassword(ctx context.Context, uid, passwordHash string) error {
	tag, err := a.pool.Exec(ctx, `
		UPDATE identity_accounts
		SET password_hash = $2
		WHERE uid = $1
	`, uid, passwordHash)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return local.ErrAccountNotFound
	}
	return nil
}

func (a *Accounts) scanOne(ctx context.Context, query string, arg string) (local.AccountRecord, error) {
	var (
		account local.AccountRecord
		claims  []byte
	)
	row := a.pool.QueryRow(ctx, query, arg)
	if err := row.Scan(&account.UID, &account.Email, &account.PasswordHash, &claims, &account.Disabled, &account.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return local.AccountRecord{}, local.ErrAccountNotFound
		}
		return local.AccountRecord{}, classify(err)
	}
	if len(claims) > 0 {
		if err := json.Unmarshal(claims, &account.Claims); err != nil {
			return local.AccountRecord{}, fmt.Errorf("decode claims for %s: %w", account.UID, err)
		}
	}
	if account.Claims == nil {
		account.Claims = map[string]any{}
	}
	return account, nil
}

func encodeClaims(claims map[string]any) ([]byte, error) {
	if claims == nil {
		claims = map[string]any{}
	}
	encoded, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("encode claims: %w", err)
	}
	return encoded, nil
}
