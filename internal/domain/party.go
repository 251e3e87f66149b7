package domain

import "time"

type PartyID string

// Policy governs whether uninvited users may join a party.
type Policy string

const (
	PolicyOpen   Policy = "OPEN"
	PolicyClosed Policy = "CLOSED"
)

func (p Policy) Valid() bool {
	return p == PolicyOpen || p == PolicyClosed
}

// Destination is one shared waypoint inside a party.
type Destination struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Address     string       `json:"address"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	AddedBy     UserID       `json:"addedBy"`
}

// PartyRecord is the durable form of a party. Connected members are
// runtime-only state and never persisted.
type PartyRecord struct {
	PartyID              PartyID       `json:"partyID"`
	Host                 UserID        `json:"host"`
	Policy               Policy        `json:"policy"`
	Participants         []UserID      `json:"participants"`
	Invited              []string      `json:"invited"`
	Destinations         []Destination `json:"destinations"`
	CurrentDestinationID string        `json:"currentDestinationID,omitempty"`
	LastEmpty            time.Time     `json:"lastEmpty"`
	CreatedAt            time.Time     `json:"createdAt"`
}
