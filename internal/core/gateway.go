package core

import (
	"context"
	"errors"

	"github.com/partypool/server/internal/domain"
)

// ErrNotFound is the shared "record does not exist" sentinel for the
// external collaborator boundaries below.
var ErrNotFound = errors.New("not found")

// PersistenceGateway loads/saves/deletes durable party records.
// Save is an idempotent upsert; Delete of an absent record is not an error.
type PersistenceGateway interface {
	LoadParty(ctx context.Context, id domain.PartyID) (domain.PartyRecord, error)
	SaveParty(ctx context.Context, rec domain.PartyRecord) error
	DeleteParty(ctx context.Context, id domain.PartyID) error
}

// UserLookup resolves accounts kept by the external user store.
type UserLookup interface {
	FindByID(ctx context.Context, id domain.UserID) (*domain.User, error)
	FindByUsername(ctx context.Context, username string) (*domain.User, error)
}
