package store

import (
	"context"
	"fmt"
	"sort"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/models"
)

type Requests struct {
	docs DocumentStore
}

func NewRequests(docs DocumentStore) *Requests {
	return &Requests{docs: docs}
}

func (r *Requests) Get(ctx context.Context, id string) (models.AuthRequest, error) {
	doc, err := r.docs.Get(ctx, CollectionAuthRequests, id)
	if err != nil {
		return models.AuthRequest{}, err
	}
	return decodeRequest(doc)
}

func (r *Requests) Create(ctx context.Context, req models.AuthRequest) error {
	data, err := Encode(req)
	if err != nil {
		return err
	}
	return r.docs.Commit(ctx, NewBatch().Create(CollectionAuthRequests, req.ID, data))
}

// List returns requests newest first. An empty status lists all.
func (r *Requests) List(ctx context.Context, status models.RequestStatus) ([]models.AuthRequest, error) {
	var (
		docs []Document
		err  error
	)
	if status == "" {
		docs, err = r.docs.Query(ctx, CollectionAuthRequests, "", nil)
	} else {
		docs, err = r.docs.Query(ctx, CollectionAuthRequests, "status", string(status))
	}
	if err != nil {
		return nil, err
	}
	requests := make([]models.AuthRequest, 0, len(docs))
	for _, doc := range docs {
		req, err := decodeRequest(doc)
		if err != nil {
			return nil, err
		}
		req.Password = ""
		requests = append(requests, req)
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.After(requests[j].CreatedAt)
	})
	return requests, nil
}

func (r *Requests) FindByEmail(ctx context.Context, email string) ([]models.AuthRequest, error) {
	docs, err := r.docs.Query(ctx, CollectionAuthRequests, "email", models.NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	requests := make([]models.AuthRequest, 0, len(docs))
	for _, doc := range docs {
		req, err := decodeRequest(doc)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, nil
}

func decodeRequest(doc Document) (models.AuthRequest, error) {
	var req models.AuthRequest
	if err := Decode(doc.Data, &req); err != nil {
		return models.AuthRequest{}, apperr.Wrap(apperr.KindInvalid, fmt.Sprintf("request %s is malformed", doc.ID), err)
	}
	if req.ID == "" {
		req.ID = doc.ID
	}
	req.Email = models.NormalizeEmail(req.Email)
	switch req.Status {
	case models.StatusPending, models.StatusApproved, models.StatusRejected:
	default:
		return models.AuthRequest{}, &apperr.Error{Kind: apperr.KindInvalid, Code: ErrInvalidDocument.Code, Message: fmt.Sprintf("request %s has unknown status %q", doc.ID, req.Status)}
	}
	return req, nil
}
