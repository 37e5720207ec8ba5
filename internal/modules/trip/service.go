// README: Trip service implements the request lifecycle, start/complete flow
// and settlement. Every mutation of a trip or its requests runs under the
// trip's row lock.
package trip

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	gmaps "hitchly/internal/maps"
	"hitchly/internal/modules/pricing"
	"hitchly/internal/types"
)

// RouteEstimator is the slice of the maps adapter this service needs.
type RouteEstimator interface {
	Route(ctx context.Context, origin, destination types.Point, waypoints ...types.Point) (gmaps.RouteEstimate, error)
}

// Notifier delivers a user-facing notification. Implementations must be safe
// for concurrent use; delivery failures are logged, never surfaced.
type Notifier interface {
	Notify(ctx context.Context, userID types.ID, kind, message string)
}

// Config carries the lifecycle knobs read from the environment.
type Config struct {
	// MinLead is how far in the future a new trip's departure must be.
	MinLead time.Duration
	// StartWindow is how long before departure a driver may start the trip.
	StartWindow        time.Duration
	PlatformFeePercent int
}

// Fallback estimates used when the routing backend is unavailable at request
// time, so a request can still lock in a cost.
const (
	fallbackDistanceKm  = 10.0
	fallbackDurationSec = 20 * 60
)

type Service struct {
	store    *Store
	routes   RouteEstimator
	notifier Notifier
	cfg      Config
}

func NewService(store *Store, routes RouteEstimator, notifier Notifier, cfg Config) *Service {
	return &Service{store: store, routes: routes, notifier: notifier, cfg: cfg}
}

type CreateTripCommand struct {
	DriverID      types.ID
	Origin        string
	Destination   string
	OriginPt      types.Point
	DestPt        types.Point
	DepartureTime time.Time
	MaxSeats      int
}

type UpdateTripCommand struct {
	TripID        types.ID
	DriverID      types.ID
	Origin        *string
	Destination   *string
	OriginPt      *types.Point
	DestPt        *types.Point
	DepartureTime *time.Time
	MaxSeats      *int
}

type CancelTripCommand struct {
	TripID  types.ID
	ActorID types.ID
}

type StartTripCommand struct {
	TripID   types.ID
	DriverID types.ID
}

type CompleteTripCommand struct {
	TripID   types.ID
	DriverID types.ID
}

type CreateRequestCommand struct {
	TripID  types.ID
	RiderID types.ID
	Pickup  types.Point
	Dropoff *types.Point
}

type DecideRequestCommand struct {
	RequestID types.ID
	DriverID  types.ID
}

type CancelRequestCommand struct {
	RequestID types.ID
	RiderID   types.ID
}

type ConfirmPickupCommand struct {
	RequestID types.ID
	RiderID   types.ID
}

// PassengerAction is the driver-side per-passenger progress marker.
type PassengerAction string

const (
	ActionPickup  PassengerAction = "pickup"
	ActionDropoff PassengerAction = "dropoff"
)

type PassengerStatusCommand struct {
	TripID    types.ID
	RequestID types.ID
	DriverID  types.ID
	Action    PassengerAction
}

func (s *Service) CreateTrip(ctx context.Context, cmd CreateTripCommand) (*Trip, error) {
	if cmd.DriverID == "" || cmd.Origin == "" || cmd.Destination == "" {
		return nil, ErrValidation
	}
	if cmd.MaxSeats < 1 || cmd.MaxSeats > MaxSeats {
		return nil, ErrValidation
	}
	now := time.Now()
	if cmd.DepartureTime.Before(now.Add(s.cfg.MinLead)) {
		return nil, ErrValidation
	}

	t := &Trip{
		ID:            newID(),
		DriverID:      cmd.DriverID,
		Origin:        cmd.Origin,
		Destination:   cmd.Destination,
		OriginPt:      cmd.OriginPt,
		DestPt:        cmd.DestPt,
		DepartureTime: cmd.DepartureTime,
		MaxSeats:      cmd.MaxSeats,
		Status:        TripPending,
		CreatedAt:     now,
	}
	// Capture the driver's direct-route distance once; settlement falls back
	// to it when a request carries no estimate of its own.
	if s.routes != nil && !cmd.OriginPt.Zero() && !cmd.DestPt.Zero() {
		if est, err := s.routes.Route(ctx, cmd.OriginPt, cmd.DestPt); err == nil {
			t.EstimatedDistanceKm = &est.DistanceKm
		}
	}
	if err := s.store.CreateTrip(ctx, t); err != nil {
		return nil, err
	}
	_ = s.store.AppendEvent(ctx, &Event{
		TripID:     t.ID,
		FromStatus: "",
		ToStatus:   string(TripPending),
		ActorType:  "driver",
		ActorID:    &cmd.DriverID,
		CreatedAt:  now,
	})
	return t, nil
}

// GetTrip returns the trip with its requests. The driver sees every request;
// anyone else sees only their own.
func (s *Service) GetTrip(ctx context.Context, id, callerID types.ID) (*TripDetail, error) {
	t, err := s.store.GetTrip(ctx, id)
	if err != nil {
		return nil, err
	}
	reqs, err := s.store.ListRequestsByTrip(ctx, s.store.db, id)
	if err != nil {
		return nil, err
	}
	if callerID != t.DriverID {
		filtered := reqs[:0]
		for _, r := range reqs {
			if r.RiderID == callerID {
				filtered = append(filtered, r)
			}
		}
		reqs = filtered
	}
	return &TripDetail{Trip: t, Requests: reqs}, nil
}

// UpdateTrip edits an open trip. It runs under the trip lock so the seat-cap
// check cannot race a concurrent acceptance.
func (s *Service) UpdateTrip(ctx context.Context, cmd UpdateTripCommand) (*Trip, error) {
	err := s.withRetry(ctx, cmd.TripID, func(tx pgx.Tx, t *Trip) error {
		if t.DriverID != cmd.DriverID {
			return ErrForbidden
		}
		if t.Status != TripPending && t.Status != TripScheduled {
			return ErrInvalidState
		}
		if cmd.MaxSeats != nil {
			if *cmd.MaxSeats < 1 || *cmd.MaxSeats > MaxSeats || *cmd.MaxSeats < t.BookedSeats {
				return ErrValidation
			}
		}
		if cmd.DepartureTime != nil && cmd.DepartureTime.Before(time.Now().Add(s.cfg.MinLead)) {
			return ErrValidation
		}
		return s.store.UpdateTripFields(ctx, tx, cmd.TripID, cmd.Origin, cmd.Destination, cmd.OriginPt, cmd.DestPt, cmd.DepartureTime, cmd.MaxSeats)
	})
	if err != nil {
		return nil, err
	}
	return s.store.GetTrip(ctx, cmd.TripID)
}

// CancelTrip cancels the trip and cascades every open request to cancelled,
// freeing all seats. Affected riders are notified after commit.
func (s *Service) CancelTrip(ctx context.Context, cmd CancelTripCommand) error {
	var riders []types.ID
	err := s.withRetry(ctx, cmd.TripID, func(tx pgx.Tx, t *Trip) error {
		if t.DriverID != cmd.ActorID {
			return ErrForbidden
		}
		if !CanTransitionTrip(t.Status, TripCancelled) {
			return ErrInvalidState
		}
		ok, err := s.store.UpdateTripStatus(ctx, tx, t.ID, t.Status, TripCancelled, t.StatusVersion)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		riders, err = s.store.CancelOpenRequests(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		_ = s.store.AppendEvent(ctx, &Event{
			TripID:     t.ID,
			FromStatus: string(t.Status),
			ToStatus:   string(TripCancelled),
			ActorType:  "driver",
			ActorID:    &cmd.ActorID,
			CreatedAt:  time.Now(),
		})
		return nil
	})
	if err != nil {
		return err
	}
	for _, r := range riders {
		s.notify(r, "trip_cancelled", "Your trip was cancelled by the driver")
	}
	return nil
}

func (s *Service) ListAvailableTrips(ctx context.Context, riderID types.ID, from, to *time.Time) ([]*Trip, error) {
	if riderID == "" {
		return nil, ErrValidation
	}
	return s.store.ListAvailableTrips(ctx, riderID, from, to)
}

func (s *Service) ListTripsForUser(ctx context.Context, userID types.ID) ([]*Trip, error) {
	return s.store.ListTripsForUser(ctx, userID)
}

// CreateRequest locks in the rider's route estimates and cost at request time.
// Later settlement uses these stored numbers and never re-estimates.
func (s *Service) CreateRequest(ctx context.Context, cmd CreateRequestCommand) (*PassengerRequest, error) {
	if cmd.RiderID == "" || cmd.Pickup.Zero() {
		return nil, ErrValidation
	}
	t, err := s.store.GetTrip(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	if t.DriverID == cmd.RiderID {
		return nil, ErrValidation
	}
	if t.Status != TripScheduled && t.Status != TripPending && t.Status != TripActive {
		return nil, ErrInvalidState
	}
	if t.AvailableSeats() < 1 {
		return nil, ErrCapacityExceeded
	}
	exists, err := s.store.HasActiveRequest(ctx, t.ID, cmd.RiderID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrConflict
	}

	now := time.Now()
	r := &PassengerRequest{
		ID:        newID(),
		TripID:    t.ID,
		RiderID:   cmd.RiderID,
		Pickup:    cmd.Pickup,
		Dropoff:   cmd.Dropoff,
		Status:    RequestPending,
		CreatedAt: now,
	}
	s.lockInEstimates(ctx, t, r)

	if err := s.store.CreateRequest(ctx, r); err != nil {
		return nil, err
	}
	_ = s.store.AppendEvent(ctx, &Event{
		TripID:     t.ID,
		RequestID:  &r.ID,
		FromStatus: "",
		ToStatus:   string(RequestPending),
		ActorType:  "rider",
		ActorID:    &cmd.RiderID,
		CreatedAt:  now,
	})
	s.notify(t.DriverID, "request_created", "A rider requested to join your trip")
	return r, nil
}

// lockInEstimates computes the rider's leg and the driver's detour, falling
// back to fixed defaults when routing is unavailable so the request still
// carries a cost.
func (s *Service) lockInEstimates(ctx context.Context, t *Trip, r *PassengerRequest) {
	dist := fallbackDistanceKm
	dur := fallbackDurationSec
	detour := 0

	dropoff := t.DestPt
	if r.Dropoff != nil {
		dropoff = *r.Dropoff
	}
	if s.routes != nil && !t.OriginPt.Zero() && !t.DestPt.Zero() {
		if leg, err := s.routes.Route(ctx, r.Pickup, dropoff); err == nil {
			dist = leg.DistanceKm
			dur = leg.DurationSec
		}
		base, errBase := s.routes.Route(ctx, t.OriginPt, t.DestPt)
		aug, errAug := s.routes.Route(ctx, t.OriginPt, t.DestPt, r.Pickup, dropoff)
		if errBase == nil && errAug == nil && aug.DurationSec > base.DurationSec {
			detour = aug.DurationSec - base.DurationSec
		}
	}

	cost := pricing.EstimateCostCents(dist, dur, t.BookedSeats, detour)
	r.EstimatedDistanceKm = &dist
	r.EstimatedDurationSec = &dur
	r.EstimatedDetourSec = &detour
	r.EstimatedCostCents = &cost
}

// Accept claims a seat and accepts the request atomically. The first
// acceptance moves the trip to active.
func (s *Service) Accept(ctx context.Context, cmd DecideRequestCommand) error {
	r, err := s.store.GetRequest(ctx, s.store.db, cmd.RequestID)
	if err != nil {
		return err
	}
	var riderID types.ID
	err = s.withRetry(ctx, r.TripID, func(tx pgx.Tx, t *Trip) error {
		req, err := s.store.GetRequest(ctx, tx, cmd.RequestID)
		if err != nil {
			return err
		}
		if t.DriverID != cmd.DriverID {
			return ErrForbidden
		}
		if !CanTransitionRequest(req.Status, RequestAccepted) {
			return ErrInvalidState
		}
		if t.Status != TripScheduled && t.Status != TripPending && t.Status != TripActive {
			return ErrInvalidState
		}
		ok, err := s.store.AcquireSeat(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrCapacityExceeded
		}
		ok, err = s.store.UpdateRequestStatus(ctx, tx, req.ID, req.Status, RequestAccepted)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		if t.Status != TripActive {
			// AcquireSeat bumped the version, account for it in the CAS.
			ok, err = s.store.UpdateTripStatus(ctx, tx, t.ID, t.Status, TripActive, t.StatusVersion+1)
			if err != nil {
				return err
			}
			if !ok {
				return ErrConflict
			}
		}
		riderID = req.RiderID
		_ = s.store.AppendEvent(ctx, &Event{
			TripID:     t.ID,
			RequestID:  &req.ID,
			FromStatus: string(RequestPending),
			ToStatus:   string(RequestAccepted),
			ActorType:  "driver",
			ActorID:    &cmd.DriverID,
			CreatedAt:  time.Now(),
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(riderID, "request_accepted", "Your ride request was accepted")
	return nil
}

func (s *Service) Reject(ctx context.Context, cmd DecideRequestCommand) error {
	r, err := s.store.GetRequest(ctx, s.store.db, cmd.RequestID)
	if err != nil {
		return err
	}
	var riderID types.ID
	err = s.withRetry(ctx, r.TripID, func(tx pgx.Tx, t *Trip) error {
		req, err := s.store.GetRequest(ctx, tx, cmd.RequestID)
		if err != nil {
			return err
		}
		if t.DriverID != cmd.DriverID {
			return ErrForbidden
		}
		if !CanTransitionRequest(req.Status, RequestRejected) {
			return ErrInvalidState
		}
		ok, err := s.store.UpdateRequestStatus(ctx, tx, req.ID, req.Status, RequestRejected)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		riderID = req.RiderID
		_ = s.store.AppendEvent(ctx, &Event{
			TripID:     t.ID,
			RequestID:  &req.ID,
			FromStatus: string(req.Status),
			ToStatus:   string(RequestRejected),
			ActorType:  "driver",
			ActorID:    &cmd.DriverID,
			CreatedAt:  time.Now(),
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(riderID, "request_rejected", "Your ride request was declined")
	return nil
}

// CancelRequest is the rider-side withdrawal. Cancelling an accepted request
// frees its seat; if that leaves an in-progress trip with only terminal
// requests the trip settles in the same transaction.
func (s *Service) CancelRequest(ctx context.Context, cmd CancelRequestCommand) error {
	r, err := s.store.GetRequest(ctx, s.store.db, cmd.RequestID)
	if err != nil {
		return err
	}
	var driverID types.ID
	err = s.withRetry(ctx, r.TripID, func(tx pgx.Tx, t *Trip) error {
		req, err := s.store.GetRequest(ctx, tx, cmd.RequestID)
		if err != nil {
			return err
		}
		if req.RiderID != cmd.RiderID {
			return ErrForbidden
		}
		if !CanTransitionRequest(req.Status, RequestCancelled) {
			return ErrInvalidState
		}
		wasAccepted := req.Status == RequestAccepted
		ok, err := s.store.UpdateRequestStatus(ctx, tx, req.ID, req.Status, RequestCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		if wasAccepted {
			if err := s.store.ReleaseSeat(ctx, tx, t.ID); err != nil {
				return err
			}
		}
		driverID = t.DriverID
		_ = s.store.AppendEvent(ctx, &Event{
			TripID:     t.ID,
			RequestID:  &req.ID,
			FromStatus: string(req.Status),
			ToStatus:   string(RequestCancelled),
			ActorType:  "rider",
			ActorID:    &cmd.RiderID,
			CreatedAt:  time.Now(),
		})
		if t.Status == TripInProgress {
			// The version moved with the seat release.
			bump := 0
			if wasAccepted {
				bump = 1
			}
			return s.maybeComplete(ctx, tx, t, bump)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(driverID, "request_cancelled", "A rider withdrew from your trip")
	return nil
}

// ConfirmPickup records that the rider is present at the pickup point. It
// gates the driver's pickup action.
func (s *Service) ConfirmPickup(ctx context.Context, cmd ConfirmPickupCommand) error {
	r, err := s.store.GetRequest(ctx, s.store.db, cmd.RequestID)
	if err != nil {
		return err
	}
	if r.RiderID != cmd.RiderID {
		return ErrForbidden
	}
	ok, err := s.store.ConfirmPickup(ctx, cmd.RequestID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidState
	}
	return nil
}

// StartTrip moves an active trip to in_progress. It refuses to start earlier
// than the configured window before departure, and rejects any requests still
// pending so every remaining request is decided.
func (s *Service) StartTrip(ctx context.Context, cmd StartTripCommand) error {
	var riders []types.ID
	err := s.withRetry(ctx, cmd.TripID, func(tx pgx.Tx, t *Trip) error {
		if t.DriverID != cmd.DriverID {
			return ErrForbidden
		}
		if !CanTransitionTrip(t.Status, TripInProgress) {
			return ErrInvalidState
		}
		if time.Now().Before(t.DepartureTime.Add(-s.cfg.StartWindow)) {
			return ErrNotReady
		}
		reqs, err := s.store.ListRequestsByTrip(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		for _, req := range reqs {
			if req.Status != RequestPending {
				continue
			}
			ok, err := s.store.UpdateRequestStatus(ctx, tx, req.ID, RequestPending, RequestRejected)
			if err != nil {
				return err
			}
			if !ok {
				return ErrConflict
			}
			riders = append(riders, req.RiderID)
		}
		ok, err := s.store.UpdateTripStatus(ctx, tx, t.ID, t.Status, TripInProgress, t.StatusVersion)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		_ = s.store.AppendEvent(ctx, &Event{
			TripID:     t.ID,
			FromStatus: string(t.Status),
			ToStatus:   string(TripInProgress),
			ActorType:  "driver",
			ActorID:    &cmd.DriverID,
			CreatedAt:  time.Now(),
		})
		return nil
	})
	if err != nil {
		return err
	}
	for _, r := range riders {
		s.notify(r, "request_rejected", "The trip departed before your request was accepted")
	}
	return nil
}

// UpdatePassengerStatus is the driver's per-passenger progress marker. Pickup
// requires the rider's prior confirmation; dropping off the last passenger
// settles the trip in the same transaction.
func (s *Service) UpdatePassengerStatus(ctx context.Context, cmd PassengerStatusCommand) error {
	return s.withRetry(ctx, cmd.TripID, func(tx pgx.Tx, t *Trip) error {
		if t.DriverID != cmd.DriverID {
			return ErrForbidden
		}
		if t.Status != TripInProgress {
			return ErrInvalidState
		}
		req, err := s.store.GetRequest(ctx, tx, cmd.RequestID)
		if err != nil {
			return err
		}
		if req.TripID != t.ID {
			return ErrNotFound
		}
		switch cmd.Action {
		case ActionPickup:
			if req.Status != RequestAccepted {
				return ErrInvalidState
			}
			if req.RiderPickupConfirmedAt == nil {
				return ErrWaitingForConfirmation
			}
			ok, err := s.store.UpdateRequestStatus(ctx, tx, req.ID, RequestAccepted, RequestOnTrip)
			if err != nil {
				return err
			}
			if !ok {
				return ErrConflict
			}
			_ = s.store.AppendEvent(ctx, &Event{
				TripID:     t.ID,
				RequestID:  &req.ID,
				FromStatus: string(RequestAccepted),
				ToStatus:   string(RequestOnTrip),
				ActorType:  "driver",
				ActorID:    &cmd.DriverID,
				CreatedAt:  time.Now(),
			})
			return nil
		case ActionDropoff:
			if req.Status != RequestOnTrip {
				return ErrInvalidState
			}
			ok, err := s.store.UpdateRequestStatus(ctx, tx, req.ID, RequestOnTrip, RequestCompleted)
			if err != nil {
				return err
			}
			if !ok {
				return ErrConflict
			}
			_ = s.store.AppendEvent(ctx, &Event{
				TripID:     t.ID,
				RequestID:  &req.ID,
				FromStatus: string(RequestOnTrip),
				ToStatus:   string(RequestCompleted),
				ActorType:  "driver",
				ActorID:    &cmd.DriverID,
				CreatedAt:  time.Now(),
			})
			return s.maybeComplete(ctx, tx, t, 0)
		default:
			return ErrValidation
		}
	})
}

// CompleteTrip settles an in-progress trip whose requests are all terminal.
// Completing an already-completed trip returns the stored settlement verbatim.
func (s *Service) CompleteTrip(ctx context.Context, cmd CompleteTripCommand) (*Trip, *Settlement, error) {
	var out *Trip
	err := s.withRetry(ctx, cmd.TripID, func(tx pgx.Tx, t *Trip) error {
		if t.DriverID != cmd.DriverID {
			return ErrForbidden
		}
		if t.Status == TripCompleted {
			out = t
			return nil
		}
		if t.Status != TripInProgress {
			return ErrInvalidState
		}
		reqs, err := s.store.ListRequestsByTrip(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		for _, r := range reqs {
			if !r.Status.Terminal() {
				return ErrInvalidState
			}
		}
		st := ComputeSettlement(t, reqs, time.Now(), s.cfg.PlatformFeePercent)
		ok, err := s.store.SaveSettlement(ctx, tx, t.ID, t.StatusVersion, st)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		t.Status = TripCompleted
		t.Settlement = st
		t.CompletedAt = &st.CompletedAt
		out = t
		_ = s.store.AppendEvent(ctx, &Event{
			TripID:     t.ID,
			FromStatus: string(TripInProgress),
			ToStatus:   string(TripCompleted),
			ActorType:  "driver",
			ActorID:    &cmd.DriverID,
			CreatedAt:  st.CompletedAt,
		})
		for _, r := range reqs {
			if r.Status == RequestCompleted {
				s.notify(r.RiderID, "trip_completed", "Your trip is complete")
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, out.Settlement, nil
}

// NextStop reports the driver's current target stop.
func (s *Service) NextStop(ctx context.Context, tripID, driverID types.ID) (Stop, error) {
	t, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return Stop{}, err
	}
	if t.DriverID != driverID {
		return Stop{}, ErrForbidden
	}
	reqs, err := s.store.ListRequestsByTrip(ctx, s.store.db, tripID)
	if err != nil {
		return Stop{}, err
	}
	return NextStop(t, reqs), nil
}

func (s *Service) ListRequestsByRider(ctx context.Context, riderID types.ID) ([]*PassengerRequest, error) {
	return s.store.ListRequestsByRider(ctx, riderID)
}

// FixStuckTrips repairs a driver's trips left pending despite holding
// accepted riders, moving them to active. Returns how many were repaired.
func (s *Service) FixStuckTrips(ctx context.Context, driverID types.ID, tripID *types.ID) (int, error) {
	trips, err := s.store.ListStuckPendingTrips(ctx, driverID, tripID)
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, t := range trips {
		ok, err := s.store.UpdateTripStatus(ctx, s.store.db, t.ID, TripPending, TripActive, t.StatusVersion)
		if err != nil {
			return fixed, err
		}
		if ok {
			fixed++
			_ = s.store.AppendEvent(ctx, &Event{
				TripID:     t.ID,
				FromStatus: string(TripPending),
				ToStatus:   string(TripActive),
				ActorType:  "system",
				CreatedAt:  time.Now(),
			})
		}
	}
	return fixed, nil
}

// maybeComplete settles the trip when every request is terminal. Runs inside
// the caller's transaction so the terminal-check and the completion are one
// atomic step. versionBump accounts for CAS increments earlier in the same
// transaction.
func (s *Service) maybeComplete(ctx context.Context, tx pgx.Tx, t *Trip, versionBump int) error {
	reqs, err := s.store.ListRequestsByTrip(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	for _, r := range reqs {
		if !r.Status.Terminal() {
			return nil
		}
	}
	st := ComputeSettlement(t, reqs, time.Now(), s.cfg.PlatformFeePercent)
	ok, err := s.store.SaveSettlement(ctx, tx, t.ID, t.StatusVersion+versionBump, st)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	_ = s.store.AppendEvent(ctx, &Event{
		TripID:     t.ID,
		FromStatus: string(TripInProgress),
		ToStatus:   string(TripCompleted),
		ActorType:  "system",
		CreatedAt:  st.CompletedAt,
	})
	s.notify(t.DriverID, "trip_completed", "All passengers dropped off, trip settled")
	return nil
}

// withRetry runs the mutation under the trip lock, retrying once when an
// optimistic write loses a race.
func (s *Service) withRetry(ctx context.Context, tripID types.ID, fn func(tx pgx.Tx, t *Trip) error) error {
	err := s.store.WithTripLock(ctx, tripID, fn)
	if errors.Is(err, ErrConflict) {
		err = s.store.WithTripLock(ctx, tripID, fn)
	}
	return err
}

// notify dispatches outside the transaction and never blocks the caller.
func (s *Service) notify(userID types.ID, kind, message string) {
	if s.notifier == nil || userID == "" {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("notify panic: %v", r)
			}
		}()
		s.notifier.Notify(context.Background(), userID, kind, message)
	}()
}

func newID() types.ID {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return types.ID(hex.EncodeToString(b[:]))
}
