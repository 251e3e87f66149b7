// Package store holds the durable-storage implementations behind the
// core collaborator interfaces: Redis for party records, Postgres for
// the user directory.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/partypool/server/internal/core"
	"github.com/partypool/server/internal/domain"
)

const partyKeyPrefix = "party:"

// PartyStore implements core.PersistenceGateway on Redis. Records are
// stored as JSON under party:<id>. Eviction is the pool's job, so keys
// carry no TTL.
type PartyStore struct {
	rdb *redis.Client
}

func NewPartyStore(rdb *redis.Client) *PartyStore {
	return &PartyStore{rdb: rdb}
}

func partyKey(id domain.PartyID) string {
	return partyKeyPrefix + string(id)
}

func (s *PartyStore) LoadParty(ctx context.Context, id domain.PartyID) (domain.PartyRecord, error) {
	raw, err := s.rdb.Get(ctx, partyKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PartyRecord{}, core.ErrNotFound
		}
		return domain.PartyRecord{}, fmt.Errorf("load party %s: %w", id, err)
	}
	var rec domain.PartyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.PartyRecord{}, fmt.Errorf("decode party %s: %w", id, err)
	}
	return rec, nil
}

func (s *PartyStore) SaveParty(ctx context.Context, rec domain.PartyRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode party %s: %w", rec.PartyID, err)
	}
	if err := s.rdb.Set(ctx, partyKey(rec.PartyID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save party %s: %w", rec.PartyID, err)
	}
	log.Debug().Str("module", "store.redis").Str("party", string(rec.PartyID)).Msg("party saved")
	return nil
}

// DeleteParty is idempotent; deleting an absent record is not an error.
func (s *PartyStore) DeleteParty(ctx context.Context, id domain.PartyID) error {
	if err := s.rdb.Del(ctx, partyKey(id)).Err(); err != nil {
		return fmt.Errorf("delete party %s: %w", id, err)
	}
	return nil
}
