// README: Matching store: candidate query on Postgres, route cache on Redis,
// driver ratings from reviews.
package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	gmaps "hitchly/internal/maps"
	"hitchly/internal/types"
)

// routeCacheTTL bounds how long a cached estimate is trusted. Traffic shifts,
// roads do not.
const routeCacheTTL = 24 * time.Hour

type Store struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewStore(db *pgxpool.Pool, rdb *redis.Client) *Store {
	return &Store{db: db, redis: rdb}
}

// CandidateTrips returns joinable trips departing inside the window: open
// status, at least `seats` free, not the rider's own, and no live request by
// this rider already.
func (s *Store) CandidateTrips(ctx context.Context, riderID types.ID, from, to time.Time, seats int) ([]*CandidateTrip, error) {
	rows, err := s.db.Query(ctx, `
		SELECT t.id, t.driver_id,
		       COALESCE(u.display_name, ''), COALESCE(u.email, ''),
		       COALESCE(u.pref_smoking, FALSE), COALESCE(u.pref_pets, FALSE), COALESCE(u.pref_music, FALSE),
		       t.origin_lat, t.origin_lng, t.dest_lat, t.dest_lng,
		       t.departure_time, t.max_seats, t.booked_seats
		FROM trips t
		LEFT JOIN users u ON u.id = t.driver_id
		WHERE t.status IN ('pending', 'active')
		  AND t.driver_id <> $1
		  AND t.max_seats - t.booked_seats >= $2
		  AND t.departure_time BETWEEN $3 AND $4
		  AND t.id NOT IN (
			SELECT trip_id FROM trip_requests
			WHERE rider_id = $1 AND status IN ('pending', 'accepted')
		  )
		ORDER BY t.departure_time, t.id`,
		string(riderID), seats, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CandidateTrip
	for rows.Next() {
		var c CandidateTrip
		err := rows.Scan(
			&c.TripID, &c.DriverID,
			&c.DriverName, &c.DriverEmail,
			&c.DriverPrefs.Smoking, &c.DriverPrefs.Pets, &c.DriverPrefs.Music,
			&c.Origin.Lat, &c.Origin.Lng, &c.Destination.Lat, &c.Destination.Lng,
			&c.DepartureTime, &c.MaxSeats, &c.BookedSeats,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DriverRatings returns each driver's review average. Drivers without reviews
// are absent from the map.
func (s *Store) DriverRatings(ctx context.Context, driverIDs []types.ID) (map[types.ID]float64, error) {
	if len(driverIDs) == 0 {
		return map[types.ID]float64{}, nil
	}
	ids := make([]string, len(driverIDs))
	for i, id := range driverIDs {
		ids[i] = string(id)
	}
	rows, err := s.db.Query(ctx, `
		SELECT subject_id, AVG(rating)::float8
		FROM reviews
		WHERE subject_id = ANY($1)
		GROUP BY subject_id`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[types.ID]float64, len(driverIDs))
	for rows.Next() {
		var id types.ID
		var avg float64
		if err := rows.Scan(&id, &avg); err != nil {
			return nil, err
		}
		out[id] = avg
	}
	return out, rows.Err()
}

func (s *Store) UserEmail(ctx context.Context, userID types.ID) (string, error) {
	var email string
	err := s.db.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, string(userID)).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return email, err
}

// CachedRoute looks up a prior estimate for the same point sequence.
func (s *Store) CachedRoute(ctx context.Context, key string) (gmaps.RouteEstimate, bool) {
	if s.redis == nil {
		return gmaps.RouteEstimate{}, false
	}
	val, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		return gmaps.RouteEstimate{}, false
	}
	var est gmaps.RouteEstimate
	if err := json.Unmarshal([]byte(val), &est); err != nil {
		return gmaps.RouteEstimate{}, false
	}
	return est, true
}

func (s *Store) StoreRoute(ctx context.Context, key string, est gmaps.RouteEstimate) {
	if s.redis == nil {
		return
	}
	payload, err := json.Marshal(est)
	if err != nil {
		return
	}
	// Best effort; a cache miss later just re-estimates.
	_ = s.redis.Set(ctx, key, payload, routeCacheTTL).Err()
}

// RouteKey is stable for a point sequence at ~1 meter precision.
func RouteKey(points ...types.Point) string {
	key := "route:"
	for i, p := range points {
		if i > 0 {
			key += "|"
		}
		key += fmt.Sprintf("%.5f,%.5f", p.Lat, p.Lng)
	}
	return key
}
