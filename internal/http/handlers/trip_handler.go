// README: Trip handlers: CRUD, lifecycle actions, stop sequencing.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hitchly/internal/http/middleware"
	"hitchly/internal/modules/trip"
	"hitchly/internal/types"
)

type TripHandler struct {
	trips *trip.Service
}

func NewTripHandler(svc *trip.Service) *TripHandler {
	return &TripHandler{trips: svc}
}

type pointReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p *pointReq) toPoint() types.Point {
	return types.Point{Lat: p.Lat, Lng: p.Lng}
}

type createTripReq struct {
	Origin        string    `json:"origin"`
	Destination   string    `json:"destination"`
	OriginPt      pointReq  `json:"origin_point"`
	DestPt        pointReq  `json:"destination_point"`
	DepartureTime time.Time `json:"departure_time"`
	MaxSeats      int       `json:"max_seats"`
}

func (h *TripHandler) Create(c *gin.Context) {
	var req createTripReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	t, err := h.trips.CreateTrip(c.Request.Context(), trip.CreateTripCommand{
		DriverID:      types.ID(middleware.CallerUID(c)),
		Origin:        req.Origin,
		Destination:   req.Destination,
		OriginPt:      req.OriginPt.toPoint(),
		DestPt:        req.DestPt.toPoint(),
		DepartureTime: req.DepartureTime,
		MaxSeats:      req.MaxSeats,
	})
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, tripResponse(t))
}

func (h *TripHandler) Get(c *gin.Context) {
	detail, err := h.trips.GetTrip(c.Request.Context(), types.ID(c.Param("id")), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeTripError(c, err)
		return
	}
	reqs := make([]gin.H, 0, len(detail.Requests))
	for _, r := range detail.Requests {
		reqs = append(reqs, requestResponse(r))
	}
	writeJSON(c, http.StatusOK, gin.H{"trip": tripResponse(detail.Trip), "requests": reqs})
}

type updateTripReq struct {
	Origin        *string    `json:"origin"`
	Destination   *string    `json:"destination"`
	OriginPt      *pointReq  `json:"origin_point"`
	DestPt        *pointReq  `json:"destination_point"`
	DepartureTime *time.Time `json:"departure_time"`
	MaxSeats      *int       `json:"max_seats"`
}

func (h *TripHandler) Update(c *gin.Context) {
	var req updateTripReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	cmd := trip.UpdateTripCommand{
		TripID:        types.ID(c.Param("id")),
		DriverID:      types.ID(middleware.CallerUID(c)),
		Origin:        req.Origin,
		Destination:   req.Destination,
		DepartureTime: req.DepartureTime,
		MaxSeats:      req.MaxSeats,
	}
	if req.OriginPt != nil {
		p := req.OriginPt.toPoint()
		cmd.OriginPt = &p
	}
	if req.DestPt != nil {
		p := req.DestPt.toPoint()
		cmd.DestPt = &p
	}
	t, err := h.trips.UpdateTrip(c.Request.Context(), cmd)
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, tripResponse(t))
}

func (h *TripHandler) Cancel(c *gin.Context) {
	err := h.trips.CancelTrip(c.Request.Context(), trip.CancelTripCommand{
		TripID:  types.ID(c.Param("id")),
		ActorID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": trip.TripCancelled})
}

func (h *TripHandler) Start(c *gin.Context) {
	err := h.trips.StartTrip(c.Request.Context(), trip.StartTripCommand{
		TripID:   types.ID(c.Param("id")),
		DriverID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": trip.TripInProgress})
}

func (h *TripHandler) Complete(c *gin.Context) {
	t, settlement, err := h.trips.CompleteTrip(c.Request.Context(), trip.CompleteTripCommand{
		TripID:   types.ID(c.Param("id")),
		DriverID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trip": tripResponse(t), "settlement": settlement})
}

func (h *TripHandler) ListAvailable(c *gin.Context) {
	var from, to *time.Time
	if v := c.Query("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		from = &parsed
	}
	if v := c.Query("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		to = &parsed
	}
	trips, err := h.trips.ListAvailableTrips(c.Request.Context(), types.ID(middleware.CallerUID(c)), from, to)
	if err != nil {
		writeTripError(c, err)
		return
	}
	out := make([]gin.H, 0, len(trips))
	for _, t := range trips {
		out = append(out, tripResponse(t))
	}
	writeJSON(c, http.StatusOK, gin.H{"trips": out})
}

func (h *TripHandler) ListMine(c *gin.Context) {
	trips, err := h.trips.ListTripsForUser(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeTripError(c, err)
		return
	}
	out := make([]gin.H, 0, len(trips))
	for _, t := range trips {
		out = append(out, tripResponse(t))
	}
	writeJSON(c, http.StatusOK, gin.H{"trips": out})
}

type passengerStatusReq struct {
	RequestID string `json:"request_id"`
	Action    string `json:"action"`
}

func (h *TripHandler) PassengerStatus(c *gin.Context) {
	var req passengerStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.trips.UpdatePassengerStatus(c.Request.Context(), trip.PassengerStatusCommand{
		TripID:    types.ID(c.Param("id")),
		RequestID: types.ID(req.RequestID),
		DriverID:  types.ID(middleware.CallerUID(c)),
		Action:    trip.PassengerAction(req.Action),
	})
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (h *TripHandler) NextStop(c *gin.Context) {
	stop, err := h.trips.NextStop(c.Request.Context(), types.ID(c.Param("id")), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeTripError(c, err)
		return
	}
	resp := gin.H{
		"kind":   stop.Kind,
		"target": stop.Target,
	}
	if stop.Request != nil {
		resp["request_id"] = stop.Request.ID
		resp["rider_id"] = stop.Request.RiderID
	}
	if stop.Kind == trip.StopPickup {
		resp["waiting_for_rider"] = stop.WaitingForRider
	}
	writeJSON(c, http.StatusOK, resp)
}

func (h *TripHandler) FixStuck(c *gin.Context) {
	var tripID *types.ID
	if v := c.Query("trip_id"); v != "" {
		id := types.ID(v)
		tripID = &id
	}
	fixed, err := h.trips.FixStuckTrips(c.Request.Context(), types.ID(middleware.CallerUID(c)), tripID)
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"fixed": fixed})
}

func tripResponse(t *trip.Trip) gin.H {
	resp := gin.H{
		"id":              t.ID,
		"driver_id":       t.DriverID,
		"origin":          t.Origin,
		"destination":     t.Destination,
		"origin_point":    t.OriginPt,
		"dest_point":      t.DestPt,
		"departure_time":  t.DepartureTime,
		"max_seats":       t.MaxSeats,
		"booked_seats":    t.BookedSeats,
		"available_seats": t.AvailableSeats(),
		"status":          t.Status,
		"created_at":      t.CreatedAt,
	}
	if t.EstimatedDistanceKm != nil {
		resp["estimated_distance_km"] = *t.EstimatedDistanceKm
	}
	if t.StartedAt != nil {
		resp["started_at"] = *t.StartedAt
	}
	if t.CompletedAt != nil {
		resp["completed_at"] = *t.CompletedAt
	}
	if t.Settlement != nil {
		resp["settlement"] = t.Settlement
	}
	return resp
}

func requestResponse(r *trip.PassengerRequest) gin.H {
	resp := gin.H{
		"id":         r.ID,
		"trip_id":    r.TripID,
		"rider_id":   r.RiderID,
		"pickup":     r.Pickup,
		"status":     r.Status,
		"created_at": r.CreatedAt,
	}
	if r.Dropoff != nil {
		resp["dropoff"] = *r.Dropoff
	}
	if r.EstimatedCostCents != nil {
		resp["estimated_cost_cents"] = *r.EstimatedCostCents
	}
	if r.EstimatedDistanceKm != nil {
		resp["estimated_distance_km"] = *r.EstimatedDistanceKm
	}
	if r.EstimatedDurationSec != nil {
		resp["estimated_duration_sec"] = *r.EstimatedDurationSec
	}
	if r.EstimatedDetourSec != nil {
		resp["estimated_detour_sec"] = *r.EstimatedDetourSec
	}
	if r.RiderPickupConfirmedAt != nil {
		resp["rider_pickup_confirmed_at"] = *r.RiderPickupConfirmedAt
	}
	return resp
}
