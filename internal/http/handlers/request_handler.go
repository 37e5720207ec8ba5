// README: Passenger request handlers: join, decide, cancel, confirm pickup.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"hitchly/internal/http/middleware"
	"hitchly/internal/modules/trip"
	"hitchly/internal/types"
)

type RequestHandler struct {
	trips *trip.Service
}

func NewRequestHandler(svc *trip.Service) *RequestHandler {
	return &RequestHandler{trips: svc}
}

type createRequestReq struct {
	Pickup  pointReq  `json:"pickup"`
	Dropoff *pointReq `json:"dropoff"`
}

func (h *RequestHandler) Create(c *gin.Context) {
	var req createRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	cmd := trip.CreateRequestCommand{
		TripID:  types.ID(c.Param("id")),
		RiderID: types.ID(middleware.CallerUID(c)),
		Pickup:  req.Pickup.toPoint(),
	}
	if req.Dropoff != nil {
		p := req.Dropoff.toPoint()
		cmd.Dropoff = &p
	}
	r, err := h.trips.CreateRequest(c.Request.Context(), cmd)
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, requestResponse(r))
}

func (h *RequestHandler) ListMine(c *gin.Context) {
	reqs, err := h.trips.ListRequestsByRider(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeTripError(c, err)
		return
	}
	out := make([]gin.H, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, requestResponse(r))
	}
	writeJSON(c, http.StatusOK, gin.H{"requests": out})
}

func (h *RequestHandler) Accept(c *gin.Context) {
	err := h.trips.Accept(c.Request.Context(), trip.DecideRequestCommand{
		RequestID: types.ID(c.Param("id")),
		DriverID:  types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": trip.RequestAccepted})
}

func (h *RequestHandler) Reject(c *gin.Context) {
	err := h.trips.Reject(c.Request.Context(), trip.DecideRequestCommand{
		RequestID: types.ID(c.Param("id")),
		DriverID:  types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": trip.RequestRejected})
}

func (h *RequestHandler) Cancel(c *gin.Context) {
	err := h.trips.CancelRequest(c.Request.Context(), trip.CancelRequestCommand{
		RequestID: types.ID(c.Param("id")),
		RiderID:   types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": trip.RequestCancelled})
}

func (h *RequestHandler) ConfirmPickup(c *gin.Context) {
	err := h.trips.ConfirmPickup(c.Request.Context(), trip.ConfirmPickupCommand{
		RequestID: types.ID(c.Param("id")),
		RiderID:   types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}
