package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/partypool/server/internal/core"
	"github.com/partypool/server/internal/domain"
)

// MovedNotice is delivered to a connection superseded by a takeover.
const MovedNotice = "You were disconnected because you joined from somewhere else"

// Modify actions accepted by ModifyParty.
const (
	ActionInvite         = "invite"
	ActionDeinvite       = "deinvite"
	ActionSetPolicy      = "set-policy"
	ActionAddDestination = "add-destination"
	ActionDelDestination = "remove-destination"
	ActionSetDestination = "set-current-destination"
)

// PartyOps is the core-exposed surface consumed by the REST and
// presence adapters. Everything goes through the injected Pool; there
// is no other path to party state.
type PartyOps struct {
	Pool   *Pool
	Users  core.UserLookup
	Store  core.PersistenceGateway
	Policy DropPolicy
}

type PartyView struct {
	PartyID      domain.PartyID  `json:"partyID"`
	Host         domain.UserID   `json:"host"`
	Participants []domain.UserID `json:"participants"`
}

// PartyDisplay is the read model for status queries. It never carries
// connection handles.
type PartyDisplay struct {
	PartyID              domain.PartyID       `json:"partyID"`
	Host                 domain.UserID        `json:"host"`
	Policy               domain.Policy        `json:"policy"`
	LastEmpty            time.Time            `json:"lastEmpty"`
	Participants         []domain.UserID      `json:"participants"`
	Connected            []core.MemberDTO     `json:"connected"`
	Invited              []string             `json:"invited"`
	Destinations         []domain.Destination `json:"destinations"`
	CurrentDestinationID string               `json:"currentDestinationID,omitempty"`
}

// ModifyData carries the action-specific payload for ModifyParty.
type ModifyData struct {
	Username      string              `json:"username,omitempty"`
	Policy        domain.Policy       `json:"policy,omitempty"`
	Destination   *domain.Destination `json:"destination,omitempty"`
	DestinationID string              `json:"destinationID,omitempty"`
}

func validString(s string) bool {
	return strings.TrimSpace(s) != ""
}

// newPartyID yields a short lowercase token. Uniqueness is the caller's
// concern: CreateParty retries on pool collision.
func newPartyID() domain.PartyID {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return domain.PartyID(raw[:8])
}

func (s *PartyOps) lookupUser(ctx context.Context, uid domain.UserID) (*domain.User, error) {
	user, err := s.Users.FindByID(ctx, uid)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			log.Warn().Err(err).Str("module", "app.service").Str("user", string(uid)).Msg("user lookup failed, treating as not found")
		}
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, uid)
	}
	return user, nil
}

// saveParty is best-effort: the in-memory party stays the source of
// truth for its active lifetime.
func (s *PartyOps) saveParty(ctx context.Context, party core.PartyService) {
	if err := s.Store.SaveParty(ctx, party.Record()); err != nil {
		log.Warn().Err(err).Str("module", "app.service").Str("party", string(party.ID())).Msg("persistence save failed")
	}
}

// CreateParty registers a fresh party hosted by userID, with the host
// on the participant roster and policy CLOSED.
func (s *PartyOps) CreateParty(ctx context.Context, uid domain.UserID) (PartyView, error) {
	if !validString(string(uid)) {
		return PartyView{}, fmt.Errorf("%w: userID must be properly specified", ErrBadRequest)
	}
	if _, err := s.lookupUser(ctx, uid); err != nil {
		return PartyView{}, err
	}

	var id domain.PartyID
	for {
		id = newPartyID()
		if s.Pool.PartyExists(ctx, id) == nil {
			break
		}
	}

	now := time.Now()
	rec := domain.PartyRecord{
		PartyID:      id,
		Host:         uid,
		Policy:       domain.PolicyClosed,
		Participants: []domain.UserID{uid},
		LastEmpty:    now,
		CreatedAt:    now,
	}
	party := core.NewParty(rec)
	if err := s.Pool.RegisterParty(id, party); err != nil {
		log.Error().Err(err).Str("module", "app.service").Str("party", string(id)).Msg("register collision after uniqueness check")
		return PartyView{}, ErrInternal
	}
	s.saveParty(ctx, party)

	log.Info().Str("module", "app.service").Str("party", string(id)).Str("host", string(uid)).Msg("party created")
	return PartyView{PartyID: id, Host: uid, Participants: []domain.UserID{uid}}, nil
}

// GetPartyStatus returns the display model for members, participants
// and the host; everyone else gets ErrForbidden.
func (s *PartyOps) GetPartyStatus(ctx context.Context, uid domain.UserID, id domain.PartyID) (PartyDisplay, error) {
	if !validString(string(uid)) || !validString(string(id)) {
		return PartyDisplay{}, fmt.Errorf("%w: userID and partyID must be properly specified", ErrBadRequest)
	}
	party := s.Pool.PartyExists(ctx, id)
	if party == nil {
		return PartyDisplay{}, fmt.Errorf("%w: cannot access non-existent party", ErrNotFound)
	}
	if !s.hasAccess(party, uid) {
		return PartyDisplay{}, fmt.Errorf("%w: you do not have access to this party", ErrForbidden)
	}

	rec := party.Record()
	dests, current := party.DestinationsSnapshot()
	return PartyDisplay{
		PartyID:              party.ID(),
		Host:                 party.Host(),
		Policy:               party.Policy(),
		LastEmpty:            party.LastEmpty(),
		Participants:         rec.Participants,
		Connected:            party.MembersSnapshot(),
		Invited:              rec.Invited,
		Destinations:         dests,
		CurrentDestinationID: current,
	}, nil
}

func (s *PartyOps) hasAccess(party core.PartyService, uid domain.UserID) bool {
	return party.Host() == uid || party.HasMember(uid) || party.IsParticipant(uid)
}

// ModifyParty applies one invite/deinvite/policy/destination action.
// Invitation and policy changes are host-only; destination changes are
// open to any connected member.
func (s *PartyOps) ModifyParty(ctx context.Context, uid domain.UserID, id domain.PartyID, action string, data ModifyData) error {
	if !validString(string(uid)) || !validString(string(id)) {
		return fmt.Errorf("%w: userID and partyID must be properly specified", ErrBadRequest)
	}
	party := s.Pool.PartyExists(ctx, id)
	if party == nil {
		return fmt.Errorf("%w: cannot access non-existent party", ErrNotFound)
	}

	switch action {
	case ActionInvite, ActionDeinvite, ActionSetPolicy:
		if party.Host() != uid {
			return fmt.Errorf("%w: only the host may manage invitations and policy", ErrForbidden)
		}
	case ActionAddDestination, ActionDelDestination, ActionSetDestination:
		if !s.hasAccess(party, uid) {
			return fmt.Errorf("%w: you do not have access to this party", ErrForbidden)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrBadRequest, action)
	}

	switch action {
	case ActionInvite:
		if !validString(data.Username) {
			return fmt.Errorf("%w: username must be properly specified", ErrBadRequest)
		}
		if _, err := s.Users.FindByUsername(ctx, data.Username); err != nil {
			if !errors.Is(err, core.ErrNotFound) {
				log.Warn().Err(err).Str("module", "app.service").Str("username", data.Username).Msg("user lookup failed, treating as not found")
			}
			return fmt.Errorf("%w: user %s", ErrNotFound, data.Username)
		}
		// Re-inviting is a success, not an error.
		party.Invite(data.Username)
	case ActionDeinvite:
		if !validString(data.Username) {
			return fmt.Errorf("%w: username must be properly specified", ErrBadRequest)
		}
		removed := party.Deinvite(data.Username)
		log.Info().Str("module", "app.service").Str("party", string(id)).Str("username", data.Username).Bool("removed", removed).Msg("deinvite")
	case ActionSetPolicy:
		if !data.Policy.Valid() {
			return fmt.Errorf("%w: policy must be OPEN or CLOSED", ErrBadRequest)
		}
		party.SetPolicy(data.Policy)
	case ActionAddDestination:
		if data.Destination == nil || !validString(data.Destination.Name) {
			return fmt.Errorf("%w: destination must be properly specified", ErrBadRequest)
		}
		d := *data.Destination
		d.AddedBy = uid
		party.AddDestination(d)
		s.broadcastDestinations(party)
	case ActionDelDestination:
		if !party.RemoveDestination(data.DestinationID) {
			return fmt.Errorf("%w: unknown destination %q", ErrBadRequest, data.DestinationID)
		}
		s.broadcastDestinations(party)
	case ActionSetDestination:
		if !party.SetCurrentDestination(data.DestinationID) {
			return fmt.Errorf("%w: unknown destination %q", ErrBadRequest, data.DestinationID)
		}
		s.broadcastDestinations(party)
	}

	s.saveParty(ctx, party)
	return nil
}

// broadcastDestinations pushes the shared-destination state to the
// whole party as a system message.
func (s *PartyOps) broadcastDestinations(party core.PartyService) {
	dests, current := party.DestinationsSnapshot()
	payload, err := json.Marshal(struct {
		Type         string               `json:"type"`
		Destinations []domain.Destination `json:"destinations"`
		Current      string               `json:"currentDestinationID,omitempty"`
	}{
		Type:         "shared-destinations",
		Destinations: dests,
		Current:      current,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.service").Msg("destinations marshal")
		return
	}
	res := party.Broadcast(payload, "SYSTEM")
	s.dropDead(party, res)
}

// BindConnection is the admission path for a new presence connection:
// validate, check policy, supersede any previous connection, then bind.
func (s *PartyOps) BindConnection(ctx context.Context, uid domain.UserID, id domain.PartyID, conn core.Connection) (bool, error) {
	if !validString(string(id)) {
		return false, fmt.Errorf("%w: partyID not properly provided", ErrBadRequest)
	}
	if !validString(string(uid)) {
		return false, fmt.Errorf("%w: userID not properly provided", ErrBadRequest)
	}
	user, err := s.lookupUser(ctx, uid)
	if err != nil {
		return false, err
	}
	party := s.Pool.PartyExists(ctx, id)
	if party == nil {
		return false, fmt.Errorf("Party of ID %s does not exist", id)
	}
	if party.Policy() == domain.PolicyClosed &&
		party.Host() != uid && !party.IsParticipant(uid) && !party.IsInvited(user.Username) {
		return false, fmt.Errorf("%w: %s has not been invited to party %s", ErrForbidden, uid, id)
	}

	// Takeover: at most one live connection per user system-wide. The
	// old connection goes first, so the user is briefly in no party.
	if existing := s.Pool.UserParty(uid); existing != nil {
		log.Info().Str("module", "app.service").Str("user", string(uid)).Str("from_party", string(existing.ID())).Msg("superseding existing connection")
		s.Pool.DisconnectUser(uid, MovedNotice)
	}

	ms := core.NewMemberSession(domain.NewMember(user), conn)
	connected, err := s.Pool.ConnectUser(ctx, ms, id)
	if err != nil {
		return false, err
	}
	s.saveParty(ctx, party)
	return connected, nil
}

// RelayMessage routes one inbound payload to the party broadcast. The
// payload is opaque here; the presence adapter owns framing.
func (s *PartyOps) RelayMessage(ctx context.Context, uid domain.UserID, id domain.PartyID, raw []byte) error {
	party := s.Pool.PartyExists(ctx, id)
	if party == nil {
		return fmt.Errorf("Party of ID %s does not exist", id)
	}
	res := party.Broadcast(raw, uid)
	s.dropDead(party, res)
	return nil
}

func (s *PartyOps) dropDead(party core.PartyService, res core.PublishResult) {
	if s.Policy == nil {
		return
	}
	for _, dead := range res.Dropped {
		if s.Policy.OnDeadConnection(party, dead) == DisconnectMember {
			s.Pool.DisconnectUser(dead.Meta().User.ID, "")
		}
	}
}

// Disconnect tears down the user's live connection, if any.
func (s *PartyOps) Disconnect(uid domain.UserID) {
	s.Pool.DisconnectUser(uid, "")
}

// ReleaseConnection is the pump-teardown entry point: it only unbinds
// if conn is still the user's current connection.
func (s *PartyOps) ReleaseConnection(uid domain.UserID, conn core.Connection) {
	s.Pool.ReleaseConnection(uid, conn)
}
