package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/partypool/server/internal/adapters/presence"
	"github.com/partypool/server/internal/app"
	"github.com/partypool/server/internal/config"
	"github.com/partypool/server/internal/domain"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// statusFor maps the app error taxonomy onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrDuplicateParty):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ops *app.PartyOps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PartySessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	party := r.Group("/party")

	party.POST("/create", func(c *gin.Context) {
		var req struct {
			UserID string `json:"userID" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userID must be properly specified"})
			return
		}
		view, err := ops.CreateParty(c.Request.Context(), domain.UserID(req.UserID))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, view)
	})

	party.GET("/status", func(c *gin.Context) {
		display, err := ops.GetPartyStatus(c.Request.Context(),
			domain.UserID(c.Query("userID")), domain.PartyID(c.Query("partyID")))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, display)
	})

	party.POST("/modify", func(c *gin.Context) {
		var req struct {
			UserID  string         `json:"userID" binding:"required"`
			PartyID string         `json:"partyID" binding:"required"`
			Action  string         `json:"action" binding:"required"`
			Data    app.ModifyData `json:"data"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userID, partyID and action must be properly specified"})
			return
		}
		err := ops.ModifyParty(c.Request.Context(),
			domain.UserID(req.UserID), domain.PartyID(req.PartyID), req.Action, req.Data)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	party.GET("/list", func(c *gin.Context) {
		c.JSON(http.StatusOK, ops.Pool.List())
	})

	ctl := presence.NewWSController(ops, cfg.ReadLimit, cfg.PingPeriod)
	party.GET("/join", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws join endpoint hit")
		ctl.HandleJoin(ctx, c)
	})

	return r
}
