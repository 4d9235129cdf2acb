package store

import (
	"context"
	"fmt"
	"time"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/models"
)

// Profiles reads and writes primary user profiles.
type Profiles struct {
	docs DocumentStore
}

func NewProfiles(docs DocumentStore) *Profiles {
	return &Profiles{docs: docs}
}

func (p *Profiles) Get(ctx context.Context, uid string) (models.UserProfile, error) {
	doc, err := p.docs.Get(ctx, CollectionUsers, uid)
	if err != nil {
		return models.UserProfile{}, err
	}
	return decodeProfile(doc)
}

func (p *Profiles) FindByEmail(ctx context.Context, email string) ([]models.UserProfile, error) {
	docs, err := p.docs.Query(ctx, CollectionUsers, "email", models.NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	profiles := make([]models.UserProfile, 0, len(docs))
	for _, doc := range docs {
		profile, err := decodeProfile(doc)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

// TouchLogin updates only the login timestamps, the one write a signed-in
// non-admin may make to their own profile.
func (p *Profiles) TouchLogin(ctx context.Context, uid string, at time.Time) error {
	return p.docs.Update(ctx, CollectionUsers, uid, Data{
		"lastLoginAt": at.UTC().Format(time.RFC3339Nano),
		"updatedAt":   at.UTC().Format(time.RFC3339Nano),
	})
}

func decodeProfile(doc Document) (models.UserProfile, error) {
	var profile models.UserProfile
	if err := Decode(doc.Data, &profile); err != nil {
		return models.UserProfile{}, apperr.Wrap(apperr.KindInvalid, fmt.Sprintf("profile %s is malformed", doc.ID), err)
	}
	if profile.ID == "" {
		profile.ID = doc.ID
	}
	profile.Email = models.NormalizeEmail(profile.Email)
	if profile.Email == "" {
		return models.UserProfile{}, &apperr.Error{Kind: apperr.KindInvalid, Code: ErrInvalidDocument.Code, Message: fmt.Sprintf("profile %s has no email", doc.ID)}
	}
	if !profile.Role.Valid() {
		return models.UserProfile{}, &apperr.Error{Kind: apperr.KindInvalid, Code: ErrInvalidDocument.Code, Message: fmt.Sprintf("profile %s has unknown role %q", doc.ID, profile.Role)}
	}
	return profile, nil
}

// TeamMembers reads secondary profiles.
type TeamMembers struct {
	docs DocumentStore
}

func NewTeamMembers(docs DocumentStore) *TeamMembers {
	return &TeamMembers{docs: docs}
}

func (t *TeamMembers) Get(ctx context.Context, uid string) (models.TeamMember, error) {
	doc, err := t.docs.Get(ctx, CollectionTeamMembers, uid)
	if err != nil {
		return models.TeamMember{}, err
	}
	return decodeTeamMember(doc)
}

func (t *TeamMembers) FindByEmail(ctx context.Context, email string) ([]models.TeamMember, error) {
	docs, err := t.docs.Query(ctx, CollectionTeamMembers, "email", models.NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	members := make([]models.TeamMember, 0, len(docs))
	for _, doc := range docs {
		member, err := decodeTeamMember(doc)
		if err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, nil
}

func decodeTeamMember(doc Document) (models.TeamMember, error) {
	var member models.TeamMember
	if err := Decode(doc.Data, &member); err != nil {
		return models.TeamMember{}, apperr.Wrap(apperr.KindInvalid, fmt.Sprintf("team member %s is malformed", doc.ID), err)
	}
	if member.ID == "" {
		member.ID = doc.ID
	}
	member.Email = models.NormalizeEmail(member.Email)
	if member.Email == "" {
		return models.TeamMember{}, &apperr.Error{Kind: apperr.KindInvalid, Code: ErrInvalidDocument.Code, Message: fmt.Sprintf("team member %s has no email", doc.ID)}
	}
	return member, nil
}
