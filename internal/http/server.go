// README: API gateway; registers HTTP routes and delegates to module services.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"hitchly/internal/http/handlers"
	"hitchly/internal/http/middleware"
	"hitchly/internal/infra"
	"hitchly/internal/modules/matching"
	"hitchly/internal/modules/trip"
)

type ServerDeps struct {
	Trips    *trip.Service
	Matching *matching.Service
	Verifier infra.TokenVerifier
}

// NewRouter builds the gin engine with middleware and all API routes. The
// health endpoint is the only route outside the auth boundary.
func NewRouter(deps ServerDeps) http.Handler {
	r := gin.New()
	r.Use(middleware.Logging(), middleware.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	matchingHandler := handlers.NewMatchingHandler(deps.Matching)
	api.POST("/matches/find", matchingHandler.Find)

	tripHandler := handlers.NewTripHandler(deps.Trips)
	api.POST("/trips", tripHandler.Create)
	api.GET("/trips", tripHandler.ListMine)
	api.GET("/trips/available", tripHandler.ListAvailable)
	api.POST("/trips/fix-stuck", tripHandler.FixStuck)
	api.GET("/trips/:id", tripHandler.Get)
	api.PATCH("/trips/:id", tripHandler.Update)
	api.POST("/trips/:id/cancel", tripHandler.Cancel)
	api.POST("/trips/:id/start", tripHandler.Start)
	api.POST("/trips/:id/complete", tripHandler.Complete)
	api.POST("/trips/:id/passenger-status", tripHandler.PassengerStatus)
	api.GET("/trips/:id/next-stop", tripHandler.NextStop)

	requestHandler := handlers.NewRequestHandler(deps.Trips)
	api.POST("/trips/:id/requests", requestHandler.Create)
	api.GET("/requests", requestHandler.ListMine)
	api.POST("/requests/:id/accept", requestHandler.Accept)
	api.POST("/requests/:id/reject", requestHandler.Reject)
	api.POST("/requests/:id/cancel", requestHandler.Cancel)
	api.POST("/requests/:id/confirm-pickup", requestHandler.ConfirmPickup)

	return r
}
