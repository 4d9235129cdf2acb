// Package store is the document store contract: named collections of JSON
// documents with point reads, field queries, and an all-or-nothing batch
// commit.
package store

import (
	"context"
	"fmt"
)

const (
	CollectionUsers        = "users"
	CollectionTeamMembers  = "team_members"
	CollectionAuthRequests = "auth_requests"
)

// Data is a document body as stored.
type Data map[string]any

type Document struct {
	Collection string
	ID         string
	Data       Data
}

// deleteField marks a key for removal in an Update.
type deleteField struct{}

// DeleteField removes the key it is assigned to when used in Update data.
var DeleteField any = deleteField{}

func IsDeleteField(v any) bool {
	_, ok := v.(deleteField)
	return ok
}

type Op int

const (
	OpCreate Op = iota + 1
	OpSet
	OpUpdate
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpSet:
		return "set"
	case OpUpdate:
		return "update"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Write is one entry of a batch. Create fails with ErrAlreadyExists when the
// document exists; Update fails with ErrNotFound when it does not. Where is
// a set of field equality preconditions checked at commit time; a mismatch
// fails the batch with ErrPreconditionFailed.
type Write struct {
	Op         Op
	Collection string
	ID         string
	Data       Data
	Where      Data
}

type Batch struct {
	Writes []Write
}

func NewBatch() *Batch { return &Batch{} }

func (b *Batch) Create(collection, id string, data Data) *Batch {
	b.Writes = append(b.Writes, Write{Op: OpCreate, Collection: collection, ID: id, Data: data})
	return b
}

func (b *Batch) Set(collection, id string, data Data) *Batch {
	b.Writes = append(b.Writes, Write{Op: OpSet, Collection: collection, ID: id, Data: data})
	return b
}

func (b *Batch) Update(collection, id string, data, where Data) *Batch {
	b.Writes = append(b.Writes, Write{Op: OpUpdate, Collection: collection, ID: id, Data: data, Where: where})
	return b
}

func (b *Batch) Len() int { return len(b.Writes) }

type DocumentStore interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	// Query returns documents whose top-level field equals value. An empty
	// field returns the whole collection.
	Query(ctx context.Context, collection, field string, value any) ([]Document, error)
	Set(ctx context.Context, collection, id string, data Data) error
	Update(ctx context.Context, collection, id string, data Data) error
	// Commit applies every write or none.
	Commit(ctx context.Context, batch *Batch) error
}
