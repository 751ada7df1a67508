package main

import (
	"net/http"

	"callrelay/internal/httpapi"
	"callrelay/internal/rbac"
	"callrelay/internal/transport"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	identity     gin.HandlerFunc
	adminEnabled bool
	ws           *transport.Server
	metrics      http.Handler
	handlers     httpapi.Handlers
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", d.handlers.Health)
	r.GET("/metrics", gin.WrapH(d.metrics))

	// signaling socket
	r.GET("/ws", d.identity, rbac.RequireKnownRole(), d.ws.HandleWS)

	v1 := r.Group("/v1")
	v1.Use(d.identity, rbac.RequireKnownRole())
	{
		v1.GET("/ice-servers", d.handlers.ListICEServers)
		v1.GET("/presence", d.handlers.OnlineUsers)
		v1.GET("/calls/summary", d.handlers.CallSummary)

		// Roles are only trustworthy when they come from a signed token.
		if d.adminEnabled {
			v1.POST("/connect-token", d.handlers.RefreshConnectToken)

			admin := v1.Group("/admin")
			admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
			{
				admin.GET("/calls", d.handlers.AdminLiveCalls)
			}
		}
	}
}
