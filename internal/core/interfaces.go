package core

import (
	"time"

	"github.com/partypool/server/internal/domain"
)

// Payload is an opaque relayed message. The core never interprets it;
// framing and schema belong to the presence adapter.
type Payload []byte

// Connection abstracts one live transport endpoint for a member.
// Owned by the adapter; the adapter must Close() it.
type Connection interface {
	// TrySend is fire-and-forget. Any error means "treat as closed".
	TrySend(Payload) error
	Close(reason string)
	IsOpen() bool
}

// MemberSession binds domain.Member and its transport endpoint.
// This is what a party stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Conn() Connection
}

// PublishResult reports delivery stats/dead connections to the caller.
type PublishResult struct {
	SentTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID          domain.UserID       `json:"id"`
	Username    string              `json:"username"`
	Coordinates *domain.Coordinates `json:"coordinates,omitempty"`
}

// PartyService is the core-facing API of a party.
// It owns the membership set but never touches transport resources.
type PartyService interface {
	ID() domain.PartyID
	Host() domain.UserID
	Policy() domain.Policy
	SetPolicy(domain.Policy)

	MemberCount() int
	MembersSnapshot() []MemberDTO
	AddMember(ms MemberSession)
	RemoveMember(uid domain.UserID)
	HasMember(uid domain.UserID) bool
	Member(uid domain.UserID) (MemberSession, bool)

	// Invite reports whether the username was newly added; inviting an
	// already-invited username is a no-op, not an error.
	Invite(username string) bool
	// Deinvite reports whether anything was actually removed.
	Deinvite(username string) bool
	IsInvited(username string) bool

	AddParticipant(uid domain.UserID)
	IsParticipant(uid domain.UserID) bool

	// LastEmpty is the time of the last transition to empty; zero while
	// the party has members.
	LastEmpty() time.Time
	Empty() bool

	// Broadcast delivers to every member with an open connection,
	// including the sender. Dead connections are skipped, not retried.
	Broadcast(data Payload, from domain.UserID) PublishResult

	AddDestination(d domain.Destination) string
	RemoveDestination(id string) bool
	SetCurrentDestination(id string) bool
	DestinationsSnapshot() ([]domain.Destination, string)

	// Record captures the durable form of the party.
	Record() domain.PartyRecord
}
