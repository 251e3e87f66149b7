package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/partypool/server/internal/domain"
)

// partyImpl is a threadsafe in-memory party.
// It never closes adapter-owned resources.
type partyImpl struct {
	id   domain.PartyID
	host domain.UserID

	mu           sync.RWMutex
	policy       domain.Policy
	members      map[domain.UserID]MemberSession
	invited      map[string]struct{}
	participants map[domain.UserID]struct{}
	destinations []domain.Destination
	currentDest  string
	lastEmpty    time.Time
	createdAt    time.Time
}

// NewParty builds a live party from its durable record. The record's
// connected-member state is always empty; sessions attach at runtime.
func NewParty(rec domain.PartyRecord) PartyService {
	p := &partyImpl{
		id:           rec.PartyID,
		host:         rec.Host,
		policy:       rec.Policy,
		members:      make(map[domain.UserID]MemberSession),
		invited:      make(map[string]struct{}, len(rec.Invited)),
		participants: make(map[domain.UserID]struct{}, len(rec.Participants)),
		destinations: append([]domain.Destination(nil), rec.Destinations...),
		currentDest:  rec.CurrentDestinationID,
		lastEmpty:    rec.LastEmpty,
		createdAt:    rec.CreatedAt,
	}
	if !p.policy.Valid() {
		p.policy = domain.PolicyClosed
	}
	if p.lastEmpty.IsZero() {
		p.lastEmpty = time.Now()
	}
	for _, name := range rec.Invited {
		p.invited[name] = struct{}{}
	}
	for _, uid := range rec.Participants {
		p.participants[uid] = struct{}{}
	}
	return p
}

func (p *partyImpl) ID() domain.PartyID  { return p.id }
func (p *partyImpl) Host() domain.UserID { return p.host }

func (p *partyImpl) Policy() domain.Policy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.policy
}

func (p *partyImpl) SetPolicy(policy domain.Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = policy
	log.Info().Str("module", "core.party").Str("party", string(p.id)).Str("policy", string(policy)).Msg("policy changed")
}

func (p *partyImpl) MemberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.members)
}

// AddMember is idempotent: an already-present userID is left untouched.
func (p *partyImpl) AddMember(ms MemberSession) {
	u := ms.Meta().User.ID
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.members[u]; ok {
		return
	}
	if len(p.members) == 0 {
		p.lastEmpty = time.Time{}
	}
	p.members[u] = ms
	p.participants[u] = struct{}{}
	log.Info().Str("module", "core.party").Str("party", string(p.id)).Str("user", string(u)).Msg("member added")
}

func (p *partyImpl) RemoveMember(uid domain.UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.members[uid]; !ok {
		return
	}
	delete(p.members, uid)
	if len(p.members) == 0 {
		p.lastEmpty = time.Now()
	}
	log.Info().Str("module", "core.party").Str("party", string(p.id)).Str("user", string(uid)).Msg("member removed")
}

func (p *partyImpl) HasMember(uid domain.UserID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.members[uid]
	return ok
}

func (p *partyImpl) Member(uid domain.UserID) (MemberSession, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ms, ok := p.members[uid]
	return ms, ok
}

func (p *partyImpl) Invite(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.invited[username]; ok {
		return false
	}
	p.invited[username] = struct{}{}
	log.Info().Str("module", "core.party").Str("party", string(p.id)).Str("username", username).Msg("invited")
	return true
}

func (p *partyImpl) Deinvite(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.invited[username]; !ok {
		return false
	}
	delete(p.invited, username)
	log.Info().Str("module", "core.party").Str("party", string(p.id)).Str("username", username).Msg("deinvited")
	return true
}

func (p *partyImpl) IsInvited(username string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.invited[username]
	return ok
}

func (p *partyImpl) AddParticipant(uid domain.UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.participants[uid] = struct{}{}
}

func (p *partyImpl) IsParticipant(uid domain.UserID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.participants[uid]
	return ok
}

func (p *partyImpl) LastEmpty() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastEmpty
}

func (p *partyImpl) Empty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.members) == 0
}

// Broadcast delivers to every open connection including the sender.
// Delivery is best-effort: a dead connection lands in Dropped and the
// rest of the fan-out continues.
func (p *partyImpl) Broadcast(data Payload, from domain.UserID) PublishResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	res := PublishResult{}
	for _, m := range p.members {
		conn := m.Conn()
		if conn == nil || !conn.IsOpen() {
			continue
		}
		if err := conn.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "core.party").Str("party", string(p.id)).Str("from", string(from)).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (p *partyImpl) MembersSnapshot() []MemberDTO {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]MemberDTO, 0, len(p.members))
	for _, ms := range p.members {
		u := ms.Meta().User
		out = append(out, MemberDTO{ID: u.ID, Username: u.Username, Coordinates: u.Coordinates})
	}
	return out
}

func (p *partyImpl) AddDestination(d domain.Destination) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	p.destinations = append(p.destinations, d)
	log.Info().Str("module", "core.party").Str("party", string(p.id)).Str("destination", d.ID).Msg("destination added")
	return d.ID
}

func (p *partyImpl) RemoveDestination(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, d := range p.destinations {
		if d.ID == id {
			p.destinations = append(p.destinations[:i], p.destinations[i+1:]...)
			if p.currentDest == id {
				p.currentDest = ""
			}
			return true
		}
	}
	return false
}

func (p *partyImpl) SetCurrentDestination(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.destinations {
		if d.ID == id {
			p.currentDest = id
			return true
		}
	}
	return false
}

func (p *partyImpl) DestinationsSnapshot() ([]domain.Destination, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]domain.Destination(nil), p.destinations...), p.currentDest
}

func (p *partyImpl) Record() domain.PartyRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec := domain.PartyRecord{
		PartyID:              p.id,
		Host:                 p.host,
		Policy:               p.policy,
		Participants:         make([]domain.UserID, 0, len(p.participants)),
		Invited:              make([]string, 0, len(p.invited)),
		Destinations:         append([]domain.Destination(nil), p.destinations...),
		CurrentDestinationID: p.currentDest,
		LastEmpty:            p.lastEmpty,
		CreatedAt:            p.createdAt,
	}
	for uid := range p.participants {
		rec.Participants = append(rec.Participants, uid)
	}
	for name := range p.invited {
		rec.Invited = append(rec.Invited, name)
	}
	return rec
}
