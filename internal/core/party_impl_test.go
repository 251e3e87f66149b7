package core_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/partypool/server/internal/core"
	"github.com/partypool/server/internal/domain"
)

// fakeConn records deliveries instead of touching a transport.
type fakeConn struct {
	mu   sync.Mutex
	open bool
	fail bool
	sent [][]byte
}

func newFakeConn() *fakeConn { return &fakeConn{open: true} }

func (c *fakeConn) TrySend(p core.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return errors.New("closed")
	}
	if c.fail {
		return errors.New("send failed")
	}
	c.sent = append(c.sent, p)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) deliveries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newSession(id domain.UserID, name string, conn core.Connection) core.MemberSession {
	return core.NewMemberSession(domain.NewMember(&domain.User{ID: id, Username: name}), conn)
}

func newTestParty(id domain.PartyID, host domain.UserID) core.PartyService {
	return core.NewParty(domain.PartyRecord{
		PartyID:   id,
		Host:      host,
		Policy:    domain.PolicyClosed,
		LastEmpty: time.Now(),
		CreatedAt: time.Now(),
	})
}

func TestAddMemberIdempotent(t *testing.T) {
	p := newTestParty("p1", "u1")
	first := newSession("u1", "alice", newFakeConn())
	second := newSession("u1", "alice", newFakeConn())

	p.AddMember(first)
	p.AddMember(second)

	if got := p.MemberCount(); got != 1 {
		t.Fatalf("MemberCount = %d, want 1", got)
	}
	ms, ok := p.Member("u1")
	if !ok {
		t.Fatal("Member(u1) not found")
	}
	if ms != first {
		t.Error("second AddMember replaced the existing session")
	}
}

func TestRemoveMemberIdempotent(t *testing.T) {
	p := newTestParty("p1", "u1")
	p.AddMember(newSession("u1", "alice", newFakeConn()))

	p.RemoveMember("u1")
	p.RemoveMember("u1")
	p.RemoveMember("ghost")

	if got := p.MemberCount(); got != 0 {
		t.Fatalf("MemberCount = %d, want 0", got)
	}
}

func TestLastEmptyTransitions(t *testing.T) {
	p := newTestParty("p1", "u1")
	if p.LastEmpty().IsZero() {
		t.Fatal("fresh empty party must carry a lastEmpty timestamp")
	}

	p.AddMember(newSession("u1", "alice", newFakeConn()))
	if !p.LastEmpty().IsZero() {
		t.Error("lastEmpty must clear when the party becomes non-empty")
	}

	before := time.Now()
	p.RemoveMember("u1")
	if p.LastEmpty().Before(before) {
		t.Error("lastEmpty must refresh on the transition back to empty")
	}
}

func TestInviteIdempotent(t *testing.T) {
	p := newTestParty("p1", "u1")

	if !p.Invite("bob") {
		t.Fatal("first Invite should report newly added")
	}
	if p.Invite("bob") {
		t.Error("second Invite should report already present")
	}
	if got := len(p.Record().Invited); got != 1 {
		t.Fatalf("invited entries = %d, want 1", got)
	}

	if !p.Deinvite("bob") {
		t.Error("Deinvite of an invited username should report removed")
	}
	if p.Deinvite("bob") {
		t.Error("Deinvite of an absent username should report not removed")
	}
}

func TestBroadcastIncludesSenderSkipsClosed(t *testing.T) {
	p := newTestParty("p1", "a")
	connA := newFakeConn()
	connB := newFakeConn()
	connC := newFakeConn()
	connC.Close("")

	p.AddMember(newSession("a", "alice", connA))
	p.AddMember(newSession("b", "bob", connB))
	p.AddMember(newSession("c", "carol", connC))

	res := p.Broadcast([]byte("ping"), "a")

	if res.SentTo != 2 {
		t.Errorf("SentTo = %d, want 2", res.SentTo)
	}
	if len(res.Dropped) != 0 {
		t.Errorf("Dropped = %d, want 0 (closed connections are skipped, not dropped)", len(res.Dropped))
	}
	if connA.deliveries() != 1 {
		t.Errorf("sender deliveries = %d, want 1", connA.deliveries())
	}
	if connB.deliveries() != 1 {
		t.Errorf("peer deliveries = %d, want 1", connB.deliveries())
	}
	if connC.deliveries() != 0 {
		t.Errorf("closed connection deliveries = %d, want 0", connC.deliveries())
	}
}

func TestBroadcastReportsDeadConnections(t *testing.T) {
	p := newTestParty("p1", "a")
	dead := newFakeConn()
	dead.fail = true
	p.AddMember(newSession("a", "alice", newFakeConn()))
	p.AddMember(newSession("b", "bob", dead))

	res := p.Broadcast([]byte("ping"), "a")

	if res.SentTo != 1 {
		t.Errorf("SentTo = %d, want 1", res.SentTo)
	}
	if len(res.Dropped) != 1 {
		t.Fatalf("Dropped = %d, want 1", len(res.Dropped))
	}
	if res.Dropped[0].Meta().User.ID != "b" {
		t.Errorf("dropped user = %s, want b", res.Dropped[0].Meta().User.ID)
	}
}

func TestDestinations(t *testing.T) {
	p := newTestParty("p1", "u1")

	id1 := p.AddDestination(domain.Destination{Name: "Cafe", Address: "1 Main St", AddedBy: "u1"})
	id2 := p.AddDestination(domain.Destination{Name: "Park", AddedBy: "u1"})

	if _, current := p.DestinationsSnapshot(); current != "" {
		t.Error("AddDestination must not set the current destination")
	}
	if p.SetCurrentDestination("nope") {
		t.Error("SetCurrentDestination with unknown id should report false")
	}
	if !p.SetCurrentDestination(id1) {
		t.Fatal("SetCurrentDestination with known id should report true")
	}

	if !p.RemoveDestination(id1) {
		t.Fatal("RemoveDestination of existing id should report true")
	}
	dests, current := p.DestinationsSnapshot()
	if current != "" {
		t.Error("removing the current destination must clear the pointer")
	}
	if len(dests) != 1 || dests[0].ID != id2 {
		t.Errorf("destinations after removal = %+v, want only %s", dests, id2)
	}
	if p.RemoveDestination(id1) {
		t.Error("RemoveDestination of absent id should report false")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	p := newTestParty("p1", "u1")
	p.Invite("bob")
	p.AddMember(newSession("u1", "alice", newFakeConn()))
	p.AddDestination(domain.Destination{Name: "Cafe", AddedBy: "u1"})

	rec := p.Record()
	revived := core.NewParty(rec)

	if revived.ID() != "p1" || revived.Host() != "u1" {
		t.Fatalf("revived identity = %s/%s", revived.ID(), revived.Host())
	}
	if !revived.IsInvited("bob") {
		t.Error("invited set lost in record round trip")
	}
	if !revived.IsParticipant("u1") {
		t.Error("participant roster lost in record round trip")
	}
	if revived.MemberCount() != 0 {
		t.Error("connected members must never persist")
	}
}
