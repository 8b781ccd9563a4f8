// Package router registers the operator API routes.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/checkin-reconciler/internal/handler"
	"github.com/iliyamo/checkin-reconciler/internal/middleware"
	"github.com/iliyamo/checkin-reconciler/internal/model"
)

// Handlers are the route targets.
type Handlers struct {
	Health    echo.HandlerFunc
	Auth      *handler.AuthHandler
	Events    *handler.EventHandler
	Attendees *handler.AttendeeHandler
	Merge     *handler.MergeHandler
	Members   *handler.MemberHandler
}

// Register mounts every route.  Door operators can work the check-in
// screens; sync, merge, member overrides and deletions need an admin.
func Register(e *echo.Echo, h Handlers, jwtSecret string, limiter echo.MiddlewareFunc) {
	e.GET("/healthz", h.Health)

	auth := e.Group("/v1/auth")
	if limiter != nil {
		auth.Use(limiter)
	}
	auth.POST("/login", h.Auth.Login)

	v1 := e.Group("/v1", middleware.JWTAuth(jwtSecret))
	if limiter != nil {
		v1.Use(limiter)
	}
	door := middleware.RequireRole(model.RoleAdmin, model.RoleDoor)
	admin := middleware.RequireRole(model.RoleAdmin)

	v1.GET("/me", h.Auth.Me, door)

	// ---- Events ----
	v1.POST("/events/discover", h.Events.Discover, admin)
	v1.POST("/events/sync-all", h.Events.SyncAll, admin)
	v1.POST("/events/:id/sync", h.Events.Sync, door)

	// ---- Attendees ----
	v1.GET("/events/:id/attendees", h.Attendees.List, door)
	v1.POST("/events/:id/attendees", h.Attendees.Create, door)
	v1.PATCH("/attendees/:id", h.Attendees.Update, door)
	v1.POST("/attendees/:id/checkin", h.Attendees.CheckIn, door)
	v1.DELETE("/attendees/:id/checkin", h.Attendees.UndoCheckIn, door)
	v1.DELETE("/attendees/:id", h.Attendees.Delete, admin)

	// ---- Merge ----
	v1.GET("/merge/candidates", h.Merge.Candidates, admin)
	v1.POST("/merge", h.Merge.Merge, admin)

	// ---- Members ----
	v1.POST("/members/recalculate", h.Members.Recalculate, admin)
	v1.GET("/members/:email", h.Members.Get, door)
	v1.PUT("/members/:email/override", h.Members.Override, admin)
}
