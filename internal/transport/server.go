// Package transport carries signaling frames between browsers and the
// coordinator over WebSocket.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"callrelay/internal/auth"
	"callrelay/internal/presence"
	"callrelay/internal/signal"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

// Dispatcher is the coordinator as seen by the transport.
type Dispatcher interface {
	Connect(userID, role string, h presence.Handle)
	Disconnect(ctx context.Context, userID string, h presence.Handle)
	Handle(ctx context.Context, ev signal.Event)
}

type Options struct {
	ICEServers []webrtc.ICEServer
	// RateLimit is inbound signals per second per connection; 0 disables it.
	RateLimit float64
	// AllowedOrigins restricts the upgrade; empty allows any origin.
	AllowedOrigins []string
	Log            *slog.Logger
}

type Server struct {
	ctx        context.Context
	disp       Dispatcher
	iceServers []webrtc.ICEServer
	rateLimit  float64
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

// NewServer binds connections to ctx: cancelling it closes every socket.
func NewServer(ctx context.Context, d Dispatcher, opts Options) *Server {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	s := &Server{
		ctx:        ctx,
		disp:       d,
		iceServers: opts.ICEServers,
		rateLimit:  opts.RateLimit,
		log:        opts.Log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// HandleWS upgrades an authenticated request. Identity must already be on
// the request context.
func (s *Server) HandleWS(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	role, _ := auth.Role(c.Request.Context())

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "user_id", userID, "err", err)
		return
	}
	s.Serve(userID, role, ws)
}

// Serve runs one connection until the peer goes away or the server context
// ends. It returns after the coordinator has been told of the disconnect.
func (s *Server) Serve(userID, role string, ws WSConn) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	conn := newConn(userID, ws, sendBuffer)
	log := s.log.With("user_id", userID, "conn_id", conn.ID())

	welcome := signal.Notice(signal.TypeConnected, "", userID, "", "")
	welcome.UserID = userID
	welcome.ICEServers = s.iceServers
	if frame, err := welcome.Frame(); err == nil {
		_ = conn.Send(frame)
	}

	s.disp.Connect(userID, role, conn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writePump(ctx, conn, log)
	}()

	s.readPump(ctx, conn, log)

	conn.Close()
	cancel()
	<-done
	s.disp.Disconnect(context.Background(), userID, conn)
}

func (s *Server) readPump(ctx context.Context, c *Conn, log *slog.Logger) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	var limiter *rate.Limiter
	if s.rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.rateLimit), int(s.rateLimit*2)+1)
	}

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("read failed", "err", err)
			}
			return
		}
		if limiter != nil && !limiter.Allow() {
			log.Warn("inbound rate exceeded, frame dropped")
			continue
		}
		ev, err := signal.Parse(data, c.userID)
		if err != nil {
			if errors.Is(err, signal.ErrMalformed) {
				log.Debug("malformed signal dropped", "err", err)
			}
			continue
		}
		s.disp.Handle(ctx, ev)
	}
}

func (s *Server) writePump(ctx context.Context, c *Conn, log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Info("write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
