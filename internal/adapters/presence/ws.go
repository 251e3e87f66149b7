package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/partypool/server/internal/app"
	"github.com/partypool/server/internal/domain"
)

type WSController struct {
	Ops        *app.PartyOps
	Limiter    *JoinRateLimiter
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewWSController(ops *app.PartyOps, readLimit int64, pingPeriod time.Duration) *WSController {
	return &WSController{
		Ops:        ops,
		Limiter:    NewJoinRateLimiter(10, 10*time.Second),
		ReadLimit:  readLimit,
		PingPeriod: pingPeriod,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// relayEnvelope is the frame fanned out for each inbound text message.
type relayEnvelope struct {
	UserID    domain.UserID `json:"userID"`
	Content   string        `json:"content"`
	Timestamp string        `json:"timestamp"`
}

// HandleJoin runs one connection-upgrade attempt. Admission is decided
// by PartyOps.BindConnection; a rejected attempt gets the failure
// reason and an immediate close, no retry.
func (ctl *WSController) HandleJoin(ctx context.Context, c *gin.Context) {
	uid := domain.UserID(c.Query("userID"))
	pid := domain.PartyID(c.Query("partyID"))
	log.Info().Str("module", "presence").Str("user", string(uid)).Str("party", string(pid)).Msg("new WS connection")

	if ctl.Limiter != nil && !ctl.Limiter.Allow(uid) {
		log.Warn().Str("module", "presence").Str("user", string(uid)).Msg("join rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "presence").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := newWSConn(ws)
	connected, err := ctl.Ops.BindConnection(ctx, uid, pid, conn)
	if err != nil || !connected {
		log.Warn().Err(err).Str("module", "presence").Str("user", string(uid)).Str("party", string(pid)).Msg("connection rejected")
		reason := "rejected"
		if err != nil {
			reason = err.Error()
		}
		conn.Close(reason)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, uid, pid, conn)

	_ = conn.TrySend([]byte("Connected to " + string(pid)))
}

func (ctl *WSController) writePump(ctx context.Context, c *wsConn) {
	ping := time.NewTicker(ctl.pingPeriod())
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "presence").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "presence").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "presence").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "presence").Msg("writePump write error")
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Warn().Err(err).Str("module", "presence").Msg("writePump ping error")
				return
			}
		}
	}
}

func (ctl *WSController) pingPeriod() time.Duration {
	if ctl.PingPeriod > 0 {
		return ctl.PingPeriod
	}
	return 54 * time.Second
}

func (ctl *WSController) readPump(ctx context.Context, cancel context.CancelFunc, uid domain.UserID, pid domain.PartyID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "presence").Str("user", string(uid)).Msg("readPump closing")
		cancel()
		// Only unbinds if this is still the user's current connection;
		// a takeover may already have superseded it.
		ctl.Ops.ReleaseConnection(uid, c)
		c.Close("")
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "presence").Str("user", string(uid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "presence").Str("user", string(uid)).Msg("readPump read error")
				return
			}
			ctl.relay(ctx, uid, pid, c, data)
		}
	}
}

// relay wraps the inbound text in the delivery envelope and hands it to
// the core. A missing party means the connection is stale: report and
// drop it.
func (ctl *WSController) relay(ctx context.Context, uid domain.UserID, pid domain.PartyID, c *wsConn, data []byte) {
	env := relayEnvelope{
		UserID:    uid,
		Content:   string(data),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "presence").Msg("envelope marshal")
		return
	}
	if err := ctl.Ops.RelayMessage(ctx, uid, pid, payload); err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("user", string(uid)).Msg("relay failed")
		errMsg, _ := json.Marshal(map[string]string{"error": "Error sending message"})
		_ = c.TrySend(errMsg)
		ctl.Ops.ReleaseConnection(uid, c)
		c.Close("")
	}
}
