// README: Trip and passenger-request aggregates with their status tables.
package trip

import (
	"time"

	"hitchly/internal/types"
)

// MaxSeats is the platform-wide cap on seats a driver can offer.
const MaxSeats = 5

type TripStatus string

const (
	TripScheduled  TripStatus = "scheduled"
	TripPending    TripStatus = "pending"
	TripActive     TripStatus = "active"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestRejected  RequestStatus = "rejected"
	RequestOnTrip    RequestStatus = "on_trip"
	RequestCompleted RequestStatus = "completed"
	RequestCancelled RequestStatus = "cancelled"
)

// tripTransitions represents the trip state flow (diagram) as code.
var tripTransitions = map[TripStatus][]TripStatus{
	TripScheduled:  {TripPending, TripActive, TripCancelled},
	TripPending:    {TripActive, TripCancelled},
	TripActive:     {TripInProgress, TripCancelled},
	TripInProgress: {TripCompleted, TripCancelled},
}

// requestTransitions is the passenger-request state flow. rejected, cancelled
// and completed are terminal.
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:  {RequestAccepted, RequestRejected, RequestCancelled},
	RequestAccepted: {RequestOnTrip, RequestCancelled},
	RequestOnTrip:   {RequestCompleted},
}

func CanTransitionTrip(from, to TripStatus) bool {
	for _, s := range tripTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func CanTransitionRequest(from, to RequestStatus) bool {
	for _, s := range requestTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a request status has no outgoing transitions.
func (s RequestStatus) Terminal() bool {
	return s == RequestRejected || s == RequestCancelled || s == RequestCompleted
}

type Trip struct {
	ID            types.ID
	DriverID      types.ID
	Origin        string
	Destination   string
	OriginPt      types.Point
	DestPt        types.Point
	DepartureTime time.Time
	MaxSeats      int
	BookedSeats   int
	Status        TripStatus
	StatusVersion int
	// EstimatedDistanceKm is the driver's direct-route distance, captured at
	// creation and used as a per-request fallback at settlement.
	EstimatedDistanceKm *float64
	Settlement          *Settlement
	StartedAt           *time.Time
	CompletedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AvailableSeats is what matching advertises to riders.
func (t *Trip) AvailableSeats() int {
	return t.MaxSeats - t.BookedSeats
}

type PassengerRequest struct {
	ID      types.ID
	TripID  types.ID
	RiderID types.ID
	Pickup  types.Point
	// Dropoff is optional; a nil dropoff resolves to the trip destination.
	Dropoff *types.Point
	// Estimates locked in at request time; settlement never recomputes them.
	EstimatedDistanceKm  *float64
	EstimatedDurationSec *int
	EstimatedDetourSec   *int
	EstimatedCostCents   *int64
	Status               RequestStatus
	// RiderPickupConfirmedAt gates the driver's pickup action.
	RiderPickupConfirmedAt *time.Time
	AcceptedAt             *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Event is an append-only audit record of a status transition.
type Event struct {
	ID         int64
	TripID     types.ID
	RequestID  *types.ID
	FromStatus string
	ToStatus   string
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

// PassengerFare is one rider's share of a settled trip.
type PassengerFare struct {
	RequestID   types.ID `json:"request_id"`
	RiderID     types.ID `json:"rider_id"`
	AmountCents int64    `json:"amount_cents"`
}

// Settlement is the final fare/earnings computation, produced exactly once at
// completion and stored on the trip row so repeat calls return it verbatim.
type Settlement struct {
	DurationMinutes    *int            `json:"duration_minutes"`
	TotalDistanceKm    *float64        `json:"total_distance_km"`
	PassengerCount     int             `json:"passenger_count"`
	PerPassenger       []PassengerFare `json:"per_passenger"`
	TotalFaresCents    int64           `json:"total_fares_cents"`
	PlatformFeeCents   int64           `json:"platform_fee_cents"`
	TotalEarningsCents int64           `json:"total_earnings_cents"`
	CompletedAt        time.Time       `json:"completed_at"`
}

// TripDetail bundles a trip with its visible requests for the API layer.
type TripDetail struct {
	Trip     *Trip
	Requests []*PassengerRequest
}
