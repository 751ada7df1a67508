package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"callrelay/internal/auth"
	"callrelay/internal/history"
	"callrelay/internal/rbac"
	"callrelay/internal/signaling"
	"callrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
)

const defaultSummaryWindow = 30 * 24 * time.Hour

type LiveCallLister interface {
	LiveCalls() []signaling.CallView
}

type PresenceLister interface {
	Online() []string
}

// TokenIssuer signs connect tokens.
type TokenIssuer interface {
	Issue(now time.Time, userID, role string) (string, error)
}

// HealthCheck reports whether one backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	History    *history.Service
	Calls      LiveCallLister
	Presence   PresenceLister
	ICEServers []webrtc.ICEServer
	Checks     map[string]HealthCheck
	Tokens     TokenIssuer
}

// --- Health ---

func (h Handlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := gin.H{}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			logger.FromGin(c).Warn("health check failed", "dependency", name, "err", err)
			deps[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "dependencies": deps})
}

// --- Signaling support ---

func (h Handlers) ListICEServers(c *gin.Context) {
	servers := h.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": servers})
}

func (h Handlers) OnlineUsers(c *gin.Context) {
	if h.Presence == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "presence not configured"})
		return
	}
	users := h.Presence.Online()
	if users == nil {
		users = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// RefreshConnectToken re-issues a connect token for the identity that
// presented a valid one, so long sessions can reconnect after expiry.
func (h Handlers) RefreshConnectToken(c *gin.Context) {
	if h.Tokens == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "token issuing disabled"})
		return
	}
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	role, err := auth.Role(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
		return
	}
	token, err := h.Tokens.Issue(time.Now().UTC(), userID, role)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// --- History ---

// CallSummary aggregates the caller's own history. Admins may ask for any
// user through ?user_id=.
func (h Handlers) CallSummary(c *gin.Context) {
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history not configured"})
		return
	}
	self, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	role, _ := auth.Role(c.Request.Context())

	target := c.DefaultQuery("user_id", self)
	if target != self && !rbac.IsAdmin(role) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	rng, err := parseRange(c.Query("from"), c.Query("to"), time.Now().UTC())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := h.History.Summary(c.Request.Context(), history.SummaryRequest{UserID: target, Range: rng})
	if err != nil {
		if errors.Is(err, history.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func parseRange(fromRaw, toRaw string, now time.Time) (history.TimeRange, error) {
	rng := history.TimeRange{From: now.Add(-defaultSummaryWindow), To: now}
	if fromRaw != "" {
		t, err := time.Parse(time.RFC3339, fromRaw)
		if err != nil {
			return rng, errors.New("from must be RFC3339")
		}
		rng.From = t
	}
	if toRaw != "" {
		t, err := time.Parse(time.RFC3339, toRaw)
		if err != nil {
			return rng, errors.New("to must be RFC3339")
		}
		rng.To = t
	}
	if !rng.To.After(rng.From) {
		return rng, errors.New("to must be after from")
	}
	return rng, nil
}

// --- Admin ---

func (h Handlers) AdminLiveCalls(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "coordinator not configured"})
		return
	}
	live := h.Calls.LiveCalls()
	c.JSON(http.StatusOK, gin.H{"calls": live, "count": len(live)})
}
