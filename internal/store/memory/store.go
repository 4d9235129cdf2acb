// Package memory is an in-process document and account store for tests and
// single-node development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"qms/access-service/internal/store"
)

type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]store.Data
	commits     int
	writes      int
}

func NewStore() *Store {
	return &Store{collections: make(map[string]map[string]store.Data)}
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return store.Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.collections[collection][id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return store.Document{Collection: collection, ID: id, Data: clone(data)}, nil
}

func (s *Store) Query(ctx context.Context, collection, field string, value any) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want, err := normalizeValue(value)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docs []store.Document
	for id, data := range s.collections[collection] {
		if field != "" && !reflect.DeepEqual(data[field], want) {
			continue
		}
		docs = append(docs, store.Document{Collection: collection, ID: id, Data: clone(data)})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, data store.Data) error {
	return s.Commit(ctx, store.NewBatch().Set(collection, id, data))
}

func (s *Store) Update(ctx context.Context, collection, id string, data store.Data) error {
	return s.Commit(ctx, store.NewBatch().Update(collection, id, data, nil))
}

// Commit validates every write against the current state before applying
// any of them.
func (s *Store) Commit(ctx context.Context, batch *store.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if batch == nil || batch.Len() == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[string]map[string]store.Data)
	lookup := func(collection, id string) (store.Data, bool) {
		if docs, ok := staged[collection]; ok {
			if data, ok := docs[id]; ok {
				return data, data != nil
			}
		}
		data, ok := s.collections[collection][id]
		return data, ok
	}
	stage := func(collection, id string, data store.Data) {
		if staged[collection] == nil {
			staged[collection] = make(map[string]store.Data)
		}
		staged[collection][id] = data
	}

	for _, w := range batch.Writes {
		if w.Collection == "" || w.ID == "" {
			return fmt.Errorf("%s write: collection and id are required", w.Op)
		}
		incoming, err := normalizeData(w.Data)
		if err != nil {
			return err
		}
		current, exists := lookup(w.Collection, w.ID)
		switch w.Op {
		case store.OpCreate:
			if exists {
				return store.ErrAlreadyExists
			}
			stage(w.Collection, w.ID, incoming)
		case store.OpSet:
			stage(w.Collection, w.ID, incoming)
		case store.OpUpdate:
			if !exists {
				return store.ErrNotFound
			}
			if ok, err := matches(current, w.Where); err != nil {
				return err
			} else if !ok {
				return store.ErrPreconditionFailed
			}
			merged := clone(current)
			for key, value := range w.Data {
				if store.IsDeleteField(value) {
					delete(merged, key)
					continue
				}
				merged[key] = incoming[key]
			}
			stage(w.Collection, w.ID, merged)
		default:
			return fmt.Errorf("unsupported write op %s", w.Op)
		}
	}

	for collection, docs := range staged {
		if s.collections[collection] == nil {
			s.collections[collection] = make(map[string]store.Data)
		}
		for id, data := range docs {
			s.collections[collection][id] = data
			s.writes++
		}
	}
	s.commits++
	return nil
}

// Count returns the number of documents in a collection.
func (s *Store) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

// Writes returns the number of documents written by successful commits.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func matches(data, where store.Data) (bool, error) {
	if len(where) == 0 {
		return true, nil
	}
	want, err := normalizeData(where)
	if err != nil {
		return false, err
	}
	for key, value := range want {
		if !reflect.DeepEqual(data[key], value) {
			return false, nil
		}
	}
	return true, nil
}

// normalizeData round-trips through JSON so stored values have the same
// shapes a real document store would hand back.
func normalizeData(data store.Data) (store.Data, error) {
	plain := make(store.Data, len(data))
	for key, value := range data {
		if store.IsDeleteField(value) {
			continue
		}
		plain[key] = value
	}
	raw, err := json.Marshal(plain)
	if err != nil {
		return nil, fmt.Errorf("normalize document: %w", err)
	}
	var out store.Data
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize document: %w", err)
	}
	return out, nil
}

func normalizeValue(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize query value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize query value: %w", err)
	}
	return out, nil
}

func clone(data store.Data) store.Data {
	out := make(store.Data, len(data))
	for key, value := range data {
		out[key] = deepCopy(value)
	}
	return out
}

func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
