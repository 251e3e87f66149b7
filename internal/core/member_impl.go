package core

import "github.com/partypool/server/internal/domain"

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	meta *domain.Member
	conn Connection
}

func NewMemberSession(meta *domain.Member, conn Connection) MemberSession {
	return &memberSession{meta: meta, conn: conn}
}

func (m *memberSession) Meta() *domain.Member { return m.meta }
func (m *memberSession) Conn() Connection     { return m.conn }
