// README: Trip store backed by PostgreSQL; all mutations run inside a per-trip row lock.
package trip

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"hitchly/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so reads can run
// inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTripLock runs fn inside a transaction holding a row lock on the trip.
// This serializes all mutations per trip while letting different trips
// proceed fully in parallel.
func (s *Store) WithTripLock(ctx context.Context, tripID types.ID, fn func(tx pgx.Tx, t *Trip) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := s.getTrip(ctx, tx, tripID, true)
	if err != nil {
		return err
	}
	if err := fn(tx, t); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const tripColumns = `
	id, driver_id, origin, destination,
	origin_lat, origin_lng, dest_lat, dest_lng,
	departure_time, max_seats, booked_seats, status, status_version,
	estimated_distance_km, settlement, started_at, completed_at,
	created_at, updated_at`

func (s *Store) CreateTrip(ctx context.Context, t *Trip) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trips (
			id, driver_id, origin, destination,
			origin_lat, origin_lng, dest_lat, dest_lng,
			departure_time, max_seats, booked_seats, status, status_version,
			estimated_distance_km, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $15
		)`,
		string(t.ID), string(t.DriverID), t.Origin, t.Destination,
		t.OriginPt.Lat, t.OriginPt.Lng, t.DestPt.Lat, t.DestPt.Lng,
		t.DepartureTime, t.MaxSeats, t.BookedSeats, string(t.Status), t.StatusVersion,
		t.EstimatedDistanceKm, t.CreatedAt,
	)
	return err
}

func (s *Store) GetTrip(ctx context.Context, id types.ID) (*Trip, error) {
	return s.getTrip(ctx, s.db, id, false)
}

func (s *Store) getTrip(ctx context.Context, q querier, id types.ID, forUpdate bool) (*Trip, error) {
	sql := `SELECT ` + tripColumns + ` FROM trips WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	t, err := scanTrip(q.QueryRow(ctx, sql, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func scanTrip(row pgx.Row) (*Trip, error) {
	var t Trip
	var settlement []byte
	err := row.Scan(
		&t.ID, &t.DriverID, &t.Origin, &t.Destination,
		&t.OriginPt.Lat, &t.OriginPt.Lng, &t.DestPt.Lat, &t.DestPt.Lng,
		&t.DepartureTime, &t.MaxSeats, &t.BookedSeats, &t.Status, &t.StatusVersion,
		&t.EstimatedDistanceKm, &settlement, &t.StartedAt, &t.CompletedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(settlement) > 0 {
		var st Settlement
		if err := json.Unmarshal(settlement, &st); err != nil {
			return nil, err
		}
		t.Settlement = &st
	}
	return &t, nil
}

// UpdateTripStatus performs an optimistic compare-and-set on the trip status,
// stamping the lifecycle timestamp that matches the target status.
func (s *Store) UpdateTripStatus(ctx context.Context, q querier, id types.ID, from, to TripStatus, version int) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE trips
		SET status = $1,
		    status_version = status_version + 1,
		    started_at = CASE WHEN $1 = 'in_progress' THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(to), string(id), string(from), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AcquireSeat atomically claims one seat; the capacity predicate is evaluated
// by the database together with the increment, never read-then-written.
func (s *Store) AcquireSeat(ctx context.Context, q querier, id types.ID) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE trips
		SET booked_seats = booked_seats + 1,
		    status_version = status_version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND booked_seats < max_seats`,
		string(id),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseSeat(ctx context.Context, q querier, id types.ID) error {
	_, err := q.Exec(ctx, `
		UPDATE trips
		SET booked_seats = booked_seats - 1,
		    status_version = status_version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND booked_seats > 0`,
		string(id),
	)
	return err
}

func (s *Store) UpdateTripFields(ctx context.Context, q querier, id types.ID, origin, destination *string, originPt, destPt *types.Point, departure *time.Time, maxSeats *int) error {
	_, err := q.Exec(ctx, `
		UPDATE trips
		SET origin = COALESCE($1, origin),
		    destination = COALESCE($2, destination),
		    origin_lat = COALESCE($3, origin_lat),
		    origin_lng = COALESCE($4, origin_lng),
		    dest_lat = COALESCE($5, dest_lat),
		    dest_lng = COALESCE($6, dest_lng),
		    departure_time = COALESCE($7, departure_time),
		    max_seats = COALESCE($8, max_seats),
		    updated_at = NOW()
		WHERE id = $9`,
		origin, destination,
		latPtr(originPt), lngPtr(originPt), latPtr(destPt), lngPtr(destPt),
		departure, maxSeats, string(id),
	)
	return err
}

// SaveSettlement marks the trip completed and persists the settlement in the
// same statement, CAS-guarded so concurrent completions converge to one write.
func (s *Store) SaveSettlement(ctx context.Context, q querier, id types.ID, version int, st *Settlement) (bool, error) {
	payload, err := json.Marshal(st)
	if err != nil {
		return false, err
	}
	tag, err := q.Exec(ctx, `
		UPDATE trips
		SET status = 'completed',
		    status_version = status_version + 1,
		    settlement = $1,
		    completed_at = $2,
		    updated_at = NOW()
		WHERE id = $3 AND status = 'in_progress' AND status_version = $4`,
		payload, st.CompletedAt, string(id), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListAvailableTrips returns joinable trips for a rider: seats free, not the
// rider's own, no existing pending/accepted request, inside the date window.
func (s *Store) ListAvailableTrips(ctx context.Context, riderID types.ID, from, to *time.Time) ([]*Trip, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+tripColumns+`
		FROM trips
		WHERE status IN ('pending', 'active')
		  AND driver_id <> $1
		  AND max_seats - booked_seats >= 1
		  AND ($2::timestamptz IS NULL OR departure_time >= $2)
		  AND ($3::timestamptz IS NULL OR departure_time <= $3)
		  AND id NOT IN (
			SELECT trip_id FROM trip_requests
			WHERE rider_id = $1 AND status IN ('pending', 'accepted')
		  )
		ORDER BY departure_time`,
		string(riderID), from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrips(rows)
}

// ListTripsForUser returns trips where the user is the driver or has a request
// as a rider, newest first.
func (s *Store) ListTripsForUser(ctx context.Context, userID types.ID) ([]*Trip, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+tripColumns+`
		FROM trips
		WHERE driver_id = $1
		   OR id IN (SELECT trip_id FROM trip_requests WHERE rider_id = $1)
		ORDER BY created_at DESC`,
		string(userID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrips(rows)
}

func collectTrips(rows pgx.Rows) ([]*Trip, error) {
	var out []*Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const requestColumns = `
	id, trip_id, rider_id,
	pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	estimated_distance_km, estimated_duration_sec, estimated_detour_sec, estimated_cost_cents,
	status, rider_pickup_confirmed_at, accepted_at, created_at, updated_at`

func (s *Store) CreateRequest(ctx context.Context, r *PassengerRequest) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trip_requests (
			id, trip_id, rider_id,
			pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			estimated_distance_km, estimated_duration_sec, estimated_detour_sec, estimated_cost_cents,
			status, created_at, updated_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $13
		)`,
		string(r.ID), string(r.TripID), string(r.RiderID),
		r.Pickup.Lat, r.Pickup.Lng, latPtr(r.Dropoff), lngPtr(r.Dropoff),
		r.EstimatedDistanceKm, r.EstimatedDurationSec, r.EstimatedDetourSec, r.EstimatedCostCents,
		string(r.Status), r.CreatedAt,
	)
	return err
}

func (s *Store) GetRequest(ctx context.Context, q querier, id types.ID) (*PassengerRequest, error) {
	r, err := scanRequest(q.QueryRow(ctx, `SELECT `+requestColumns+` FROM trip_requests WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func scanRequest(row pgx.Row) (*PassengerRequest, error) {
	var r PassengerRequest
	var dropLat, dropLng *float64
	err := row.Scan(
		&r.ID, &r.TripID, &r.RiderID,
		&r.Pickup.Lat, &r.Pickup.Lng, &dropLat, &dropLng,
		&r.EstimatedDistanceKm, &r.EstimatedDurationSec, &r.EstimatedDetourSec, &r.EstimatedCostCents,
		&r.Status, &r.RiderPickupConfirmedAt, &r.AcceptedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if dropLat != nil && dropLng != nil {
		r.Dropoff = &types.Point{Lat: *dropLat, Lng: *dropLng}
	}
	return &r, nil
}

// ListRequestsByTrip returns the trip's requests in acceptance order
// (accepted first by acceptance time, then the rest by creation time).
func (s *Store) ListRequestsByTrip(ctx context.Context, q querier, tripID types.ID) ([]*PassengerRequest, error) {
	rows, err := q.Query(ctx, `
		SELECT `+requestColumns+`
		FROM trip_requests
		WHERE trip_id = $1
		ORDER BY accepted_at NULLS LAST, created_at, id`,
		string(tripID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PassengerRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListRequestsByRider(ctx context.Context, riderID types.ID) ([]*PassengerRequest, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+requestColumns+`
		FROM trip_requests
		WHERE rider_id = $1
		ORDER BY created_at DESC`,
		string(riderID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PassengerRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRequestStatus performs a CAS on the request status; the acceptance
// timestamp is stamped when a request becomes accepted.
func (s *Store) UpdateRequestStatus(ctx context.Context, q querier, id types.ID, from, to RequestStatus) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE trip_requests
		SET status = $1,
		    accepted_at = CASE WHEN $1 = 'accepted' THEN NOW() ELSE accepted_at END,
		    updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(to), string(id), string(from),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ConfirmPickup stamps the rider's pickup confirmation on an accepted request.
func (s *Store) ConfirmPickup(ctx context.Context, id types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE trip_requests
		SET rider_pickup_confirmed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'accepted'`,
		string(id),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CancelOpenRequests cancels every pending and accepted request of a trip and
// zeroes the seat count; used when the driver cancels the whole trip.
func (s *Store) CancelOpenRequests(ctx context.Context, q querier, tripID types.ID) ([]types.ID, error) {
	rows, err := q.Query(ctx, `
		UPDATE trip_requests
		SET status = 'cancelled', updated_at = NOW()
		WHERE trip_id = $1 AND status IN ('pending', 'accepted')
		RETURNING rider_id`,
		string(tripID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var riders []types.ID
	for rows.Next() {
		var id types.ID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		riders = append(riders, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = q.Exec(ctx, `
		UPDATE trips SET booked_seats = 0, status_version = status_version + 1, updated_at = NOW()
		WHERE id = $1`,
		string(tripID),
	)
	return riders, err
}

func (s *Store) HasActiveRequest(ctx context.Context, tripID, riderID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trip_requests
			WHERE trip_id = $1 AND rider_id = $2 AND status IN ('pending', 'accepted')
		)`, string(tripID), string(riderID),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// ListStuckPendingTrips finds a driver's trips left pending despite having
// accepted riders; used by the repair operation.
func (s *Store) ListStuckPendingTrips(ctx context.Context, driverID types.ID, tripID *types.ID) ([]*Trip, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+tripColumns+`
		FROM trips
		WHERE driver_id = $1
		  AND status = 'pending'
		  AND ($2::text IS NULL OR id = $2)
		  AND id IN (SELECT trip_id FROM trip_requests WHERE status = 'accepted')`,
		string(driverID), idPtr(tripID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrips(rows)
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trip_state_events (
			trip_id, request_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.TripID), idPtr(e.RequestID), e.FromStatus, e.ToStatus,
		e.ActorType, idPtr(e.ActorID), e.CreatedAt,
	)
	return err
}

func latPtr(p *types.Point) *float64 {
	if p == nil {
		return nil
	}
	return &p.Lat
}

func lngPtr(p *types.Point) *float64 {
	if p == nil {
		return nil
	}
	return &p.Lng
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
