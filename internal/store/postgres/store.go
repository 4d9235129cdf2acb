// Package postgres stores documents as JSONB rows and provider accounts in
// a plain table.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	pool *pgxpool.Pool
}

var _ store.DocumentStore = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema files in name order. Every file is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("migration %s: %w", name, classify(err))
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Document, error) {
	var raw []byte
	row := s.pool.QueryRow(ctx, `
		SELECT data
		FROM documents
		WHERE collection = $1 AND doc_id = $2
	`, collection, id)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Document{}, store.ErrNotFound
		}
		return store.Document{}, classify(err)
	}
	data, err := decode(raw)
	if err != nil {
		return store.Document{}, err
	}
	return store.Document{Collection: collection, ID: id, Data: data}, nil
}

func (s *Store) Query(ctx context.Context, collection, field string, value any) ([]store.Document, error) {
	query := `
		SELECT doc_id, data
		FROM documents
		WHERE collection = $1
	`
	args := []interface{}{collection}
	if field != "" {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode query value: %w", err)
		}
		query += " AND data -> $2 = $3::jsonb"
		args = append(args, field, encoded)
	}
	query += " ORDER BY doc_id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, classify(err)
		}
		data, err := decode(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, store.Document{Collection: collection, ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return docs, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, data store.Data) error {
	return s.Commit(ctx, store.NewBatch().Set(collection, id, data))
}

func (s *Store) Update(ctx context.Context, collection, id string, data store.Data) error {
	return s.Commit(ctx, store.NewBatch().Update(collection, id, data, nil))
}

// Commit applies the batch in one transaction. Where preconditions are
// checked with JSONB containment, so they suit scalar fields.
func (s *Store) Commit(ctx context.Context, batch *store.Batch) error {
	if batch == nil || batch.Len() == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	for _, w := range batch.Writes {
		if w.Collection == "" || w.ID == "" {
			return fmt.Errorf("%s write: collection and id are required", w.Op)
		}
		var err error
		switch w.Op {
		case store.OpCreate:
			err = createDocument(ctx, tx, w)
		case store.OpSet:
			err = setDocument(ctx, tx, w)
		case store.OpUpdate:
			err = updateDocument(ctx, tx, w)
		default:
			err = fmt.Errorf("unsupported write op %s", w.Op)
		}
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func createDocument(ctx context.Context, tx pgx.Tx, w store.Write) error {
	encoded, _, err := encode(w.Data)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO documents (collection, doc_id, data)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT DO NOTHING
	`, w.Collection, w.ID, encoded)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func setDocument(ctx context.Context, tx pgx.Tx, w store.Write) error {
	encoded, _, err := encode(w.Data)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO documents (collection, doc_id, data)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, doc_id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
	`, w.Collection, w.ID, encoded)
	return classify(err)
}

func updateDocument(ctx context.Context, tx pgx.Tx, w store.Write) error {
	encoded, removed, err := encode(w.Data)
	if err != nil {
		return err
	}
	where := []byte("{}")
	if len(w.Where) > 0 {
		if where, _, err = encode(w.Where); err != nil {
			return err
		}
	}
	tag, err := tx.Exec(ctx, `
		UPDATE documents
		SET data = (data || $3::jsonb) - $4::text[], updated_at = NOW()
		WHERE collection = $1 AND doc_id = $2 AND data @> $5::jsonb
	`, w.Collection, w.ID, encoded, removed, where)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM documents WHERE collection = $1 AND doc_id = $2
		)
	`, w.Collection, w.ID)
	if err := row.Scan(&exists); err != nil {
		return classify(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrPreconditionFailed
}

// encode splits DeleteField markers out of data and returns the remaining
// fields as JSON plus the keys to remove.
func encode(data store.Data) ([]byte, []string, error) {
	plain := make(map[string]any, len(data))
	removed := []string{}
	for key, value := range data {
		if store.IsDeleteField(value) {
			removed = append(removed, key)
			continue
		}
		plain[key] = value
	}
	encoded, err := json.Marshal(plain)
	if err != nil {
		return nil, nil, fmt.Errorf("encode document: %w", err)
	}
	sort.Strings(removed)
	return encoded, removed, nil
}

func decode(raw []byte) (store.Data, error) {
	var data store.Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, "stored document is not valid json", err)
	}
	if data == nil {
		data = store.Data{}
	}
	return data, nil
}

// classify marks connection loss and serialization conflicts as transient
// so callers retry them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return apperr.Wrap(apperr.KindTransient, "database temporarily unavailable", err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return apperr.Wrap(apperr.KindTransient, "database temporarily unavailable", err)
	}
	return err
}
