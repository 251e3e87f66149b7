package app

import "github.com/partypool/server/internal/core"

type DropAction int

const (
	NoAction DropAction = iota
	DisconnectMember
)

// DropPolicy decides what happens to a member whose connection failed
// delivery during a broadcast.
type DropPolicy interface {
	OnDeadConnection(party core.PartyService, member core.MemberSession) DropAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnDeadConnection(party core.PartyService, member core.MemberSession) DropAction {
	return DisconnectMember
}
