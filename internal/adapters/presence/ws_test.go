package presence_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/partypool/server/internal/adapters/presence"
	"github.com/partypool/server/internal/app"
	"github.com/partypool/server/internal/core"
	"github.com/partypool/server/internal/domain"
)

type fakeGateway struct{}

func (fakeGateway) LoadParty(ctx context.Context, id domain.PartyID) (domain.PartyRecord, error) {
	return domain.PartyRecord{}, core.ErrNotFound
}
func (fakeGateway) SaveParty(ctx context.Context, rec domain.PartyRecord) error { return nil }
func (fakeGateway) DeleteParty(ctx context.Context, id domain.PartyID) error    { return nil }

type fakeUsers map[domain.UserID]*domain.User

func (f fakeUsers) FindByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	if u, ok := f[id]; ok {
		return u, nil
	}
	return nil, core.ErrNotFound
}

func (f fakeUsers) FindByUsername(ctx context.Context, name string) (*domain.User, error) {
	for _, u := range f {
		if u.Username == name {
			return u, nil
		}
	}
	return nil, core.ErrNotFound
}

func newTestServer(t *testing.T) (*httptest.Server, *app.PartyOps) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ops := &app.PartyOps{
		Pool: app.NewPool(fakeGateway{}, time.Hour, time.Hour),
		Users: fakeUsers{
			"u1": {ID: "u1", Username: "alice"},
			"u2": {ID: "u2", Username: "bob"},
		},
		Store:  fakeGateway{},
		Policy: app.SimplePolicy{},
	}

	ctl := presence.NewWSController(ops, 32768, time.Minute)
	r := gin.New()
	r.GET("/party/join", func(c *gin.Context) {
		ctl.HandleJoin(context.Background(), c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, ops
}

func dial(t *testing.T, srv *httptest.Server, userID, partyID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/party/join?userID=" + userID + "&partyID=" + partyID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readText(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestJoinAndRelay(t *testing.T) {
	srv, ops := newTestServer(t)
	view, err := ops.CreateParty(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	pid := string(view.PartyID)

	if err := ops.ModifyParty(context.Background(), "u1", view.PartyID, app.ActionInvite, app.ModifyData{Username: "bob"}); err != nil {
		t.Fatal(err)
	}

	alice := dial(t, srv, "u1", pid)
	if got := readText(t, alice); got != "Connected to "+pid {
		t.Fatalf("greeting = %q", got)
	}
	bob := dial(t, srv, "u2", pid)
	if got := readText(t, bob); got != "Connected to "+pid {
		t.Fatalf("greeting = %q", got)
	}

	if err := alice.WriteMessage(websocket.TextMessage, []byte("where are you?")); err != nil {
		t.Fatal(err)
	}

	// Broadcast includes the sender.
	for name, ws := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		msg := readText(t, ws)
		if !strings.Contains(msg, "where are you?") || !strings.Contains(msg, `"userID":"u1"`) {
			t.Errorf("%s received %q, want relay envelope from u1", name, msg)
		}
	}
}

func TestJoinRejectedForUnknownUser(t *testing.T) {
	srv, ops := newTestServer(t)
	view, err := ops.CreateParty(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/party/join?userID=ghost&partyID=" + string(view.PartyID)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		// The server may tear the socket down before the handshake
		// completes; that is a rejection too.
		return
	}
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("rejected connection must be closed, got a message instead")
	}
	if ops.Pool.UserParty("ghost") != nil {
		t.Error("rejected user must not be bound anywhere")
	}
}

func TestJoinTakeoverClosesOldSocket(t *testing.T) {
	srv, ops := newTestServer(t)
	ctx := context.Background()
	view, err := ops.CreateParty(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	pid := string(view.PartyID)

	first := dial(t, srv, "u1", pid)
	if got := readText(t, first); got != "Connected to "+pid {
		t.Fatalf("greeting = %q", got)
	}

	second := dial(t, srv, "u1", pid)
	if got := readText(t, second); got != "Connected to "+pid {
		t.Fatalf("greeting = %q", got)
	}

	// The first socket gets the moved notice and then a close.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	sawNotice := false
	for {
		_, data, err := first.ReadMessage()
		if err != nil {
			// The notice may also ride on the close frame.
			if strings.Contains(err.Error(), "somewhere else") {
				sawNotice = true
			}
			break
		}
		if strings.Contains(string(data), "somewhere else") {
			sawNotice = true
		}
	}
	if !sawNotice {
		t.Error("superseded socket should receive the moved notice before closing")
	}

	current := ops.Pool.UserParty("u1")
	if current == nil || string(current.ID()) != pid {
		t.Error("user must remain bound to the party through the new socket")
	}
}
