package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/partypool/server/internal/core"
	"github.com/partypool/server/internal/domain"
)

const (
	DefaultSweepInterval = 3 * time.Second
	DefaultIdleThreshold = 30 * time.Second
)

// Pool is the process-wide directory of live parties and user-to-party
// bindings. It owns the idle-eviction sweep and lazy hydration from the
// persistence gateway. Constructed once at startup and injected; Start
// launches the sweep loop, Stop cancels it.
type Pool struct {
	mu      sync.RWMutex
	parties map[domain.PartyID]core.PartyService
	byUser  map[domain.UserID]domain.PartyID

	store   core.PersistenceGateway
	hydrate singleflight.Group

	sweepEvery time.Duration
	idleAfter  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPool(store core.PersistenceGateway, sweepEvery, idleAfter time.Duration) *Pool {
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}
	if idleAfter <= 0 {
		idleAfter = DefaultIdleThreshold
	}
	return &Pool{
		parties:    make(map[domain.PartyID]core.PartyService),
		byUser:     make(map[domain.UserID]domain.PartyID),
		store:      store,
		sweepEvery: sweepEvery,
		idleAfter:  idleAfter,
	}
}

// RegisterParty fails on an in-memory id collision; a duplicate is a
// programming or race error, not user input.
func (pl *Pool) RegisterParty(id domain.PartyID, party core.PartyService) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if _, ok := pl.parties[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateParty, id)
	}
	pl.parties[id] = party
	log.Info().Str("module", "app.pool").Str("party", string(id)).Msg("party registered")
	return nil
}

// RemoveParty always removes from memory; the persistence delete is
// best-effort and only logged on failure. Idempotent.
func (pl *Pool) RemoveParty(ctx context.Context, id domain.PartyID) {
	pl.mu.Lock()
	delete(pl.parties, id)
	pl.mu.Unlock()
	if err := pl.store.DeleteParty(ctx, id); err != nil {
		log.Warn().Err(err).Str("module", "app.pool").Str("party", string(id)).Msg("persistence delete failed")
	}
	log.Info().Str("module", "app.pool").Str("party", string(id)).Msg("party removed")
}

// PartyExists resolves a party from memory, falling back to the
// persistence gateway. Concurrent misses on the same id collapse into a
// single load; every caller observes the same registered instance.
// Returns nil when the party exists nowhere.
func (pl *Pool) PartyExists(ctx context.Context, id domain.PartyID) core.PartyService {
	pl.mu.RLock()
	party, ok := pl.parties[id]
	pl.mu.RUnlock()
	if ok {
		return party
	}

	v, err, _ := pl.hydrate.Do(string(id), func() (any, error) {
		pl.mu.RLock()
		party, ok := pl.parties[id]
		pl.mu.RUnlock()
		if ok {
			return party, nil
		}
		rec, err := pl.store.LoadParty(ctx, id)
		if err != nil {
			if !errors.Is(err, core.ErrNotFound) {
				log.Warn().Err(err).Str("module", "app.pool").Str("party", string(id)).Msg("persistence read failed, treating as not found")
			}
			return nil, core.ErrNotFound
		}
		hydrated := core.NewParty(rec)
		pl.mu.Lock()
		defer pl.mu.Unlock()
		if cur, ok := pl.parties[id]; ok {
			return cur, nil
		}
		pl.parties[id] = hydrated
		log.Info().Str("module", "app.pool").Str("party", string(id)).Msg("party hydrated from store")
		return hydrated, nil
	})
	if err != nil {
		return nil
	}
	return v.(core.PartyService)
}

// ConnectUser binds a session into the target party. It never creates a
// party as a side effect. The membership insert and the user index
// update happen under the pool lock so the sweep cannot evict the party
// out from under a just-arrived member.
func (pl *Pool) ConnectUser(ctx context.Context, ms core.MemberSession, id domain.PartyID) (bool, error) {
	uid := ms.Meta().User.ID
	for attempt := 0; attempt < 2; attempt++ {
		party := pl.PartyExists(ctx, id)
		if party == nil {
			return false, fmt.Errorf("Party of ID %s does not exist", id)
		}
		pl.mu.Lock()
		if pl.parties[id] != party {
			// Evicted between lookup and bind; resolve again.
			pl.mu.Unlock()
			continue
		}
		party.AddMember(ms)
		pl.byUser[uid] = id
		pl.mu.Unlock()
		log.Info().Str("module", "app.pool").Str("party", string(id)).Str("user", string(uid)).Msg("user connected")
		return true, nil
	}
	return false, fmt.Errorf("Party of ID %s does not exist", id)
}

// DisconnectUser drops the user's current connection, optionally
// delivering reason first, and removes the member from its party.
// Safe no-op when the user has no connection.
func (pl *Pool) DisconnectUser(uid domain.UserID, reason string) {
	pl.mu.Lock()
	id, ok := pl.byUser[uid]
	if ok {
		delete(pl.byUser, uid)
	}
	party := pl.parties[id]
	pl.mu.Unlock()
	if !ok || party == nil {
		return
	}
	if ms, ok := party.Member(uid); ok {
		if conn := ms.Conn(); conn != nil {
			if reason != "" && conn.IsOpen() {
				_ = conn.TrySend(core.Payload(reason))
			}
			conn.Close(reason)
		}
	}
	party.RemoveMember(uid)
	log.Info().Str("module", "app.pool").Str("party", string(id)).Str("user", string(uid)).Msg("user disconnected")
}

// ReleaseConnection removes the user's binding only while it still
// belongs to conn. A stale pump teardown racing a takeover must never
// kick the successor connection.
func (pl *Pool) ReleaseConnection(uid domain.UserID, conn core.Connection) {
	pl.mu.Lock()
	id, ok := pl.byUser[uid]
	var party core.PartyService
	if ok {
		party = pl.parties[id]
	}
	if party != nil {
		if ms, found := party.Member(uid); !found || ms.Conn() != conn {
			party = nil
		} else {
			delete(pl.byUser, uid)
		}
	}
	pl.mu.Unlock()
	if party == nil {
		return
	}
	conn.Close("")
	party.RemoveMember(uid)
	log.Info().Str("module", "app.pool").Str("party", string(id)).Str("user", string(uid)).Msg("connection released")
}

// UserParty answers "is this user currently connected anywhere" in O(1).
func (pl *Pool) UserParty(uid domain.UserID) core.PartyService {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	id, ok := pl.byUser[uid]
	if !ok {
		return nil
	}
	return pl.parties[id]
}

// PartyInfo is a read-only listing entry for APIs.
type PartyInfo struct {
	ID          domain.PartyID `json:"id"`
	MemberCount int            `json:"member_count"`
}

func (pl *Pool) List() []PartyInfo {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	out := make([]PartyInfo, 0, len(pl.parties))
	for id, p := range pl.parties {
		out = append(out, PartyInfo{ID: id, MemberCount: p.MemberCount()})
	}
	return out
}

// Start launches the background sweep. Stop cancels it and waits for
// the loop to exit.
func (pl *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	pl.cancel = cancel
	pl.done = make(chan struct{})
	go pl.sweepLoop(ctx)
}

func (pl *Pool) Stop() {
	if pl.cancel == nil {
		return
	}
	pl.cancel()
	<-pl.done
}

func (pl *Pool) sweepLoop(ctx context.Context) {
	defer close(pl.done)
	ticker := time.NewTicker(pl.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pl.sweepOnce(ctx)
		}
	}
}

func (pl *Pool) idleElapsed(lastEmpty time.Time) bool {
	return !lastEmpty.IsZero() && time.Since(lastEmpty) > pl.idleAfter
}

// sweepOnce evicts parties that have been empty past the idle
// threshold. Candidates are collected under the read lock, then
// re-checked under the write lock so a member that arrived in between
// is never lost.
func (pl *Pool) sweepOnce(ctx context.Context) {
	pl.mu.RLock()
	candidates := make([]domain.PartyID, 0)
	for id, p := range pl.parties {
		if p.Empty() && pl.idleElapsed(p.LastEmpty()) {
			candidates = append(candidates, id)
		}
	}
	pl.mu.RUnlock()

	for _, id := range candidates {
		pl.mu.Lock()
		party, ok := pl.parties[id]
		evict := ok && party.Empty() && pl.idleElapsed(party.LastEmpty())
		if evict {
			delete(pl.parties, id)
		}
		pl.mu.Unlock()
		if !evict {
			continue
		}
		if err := pl.store.DeleteParty(ctx, id); err != nil {
			log.Warn().Err(err).Str("module", "app.pool").Str("party", string(id)).Msg("persistence delete failed during sweep")
		}
		log.Info().Str("module", "app.pool").Str("party", string(id)).Msg("party deleted for inactivity")
	}
}
