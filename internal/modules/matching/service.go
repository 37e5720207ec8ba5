// README: Match scorer: filters candidate trips, estimates detours, ranks by
// weighted compatibility.
package matching

import (
	"context"
	"sort"
	"sync"
	"time"

	"hitchly/internal/config"
	gmaps "hitchly/internal/maps"
	"hitchly/internal/modules/pricing"
	"hitchly/internal/types"
)

// RouteEstimator is the slice of the maps adapter this service needs.
type RouteEstimator interface {
	Route(ctx context.Context, origin, destination types.Point, waypoints ...types.Point) (gmaps.RouteEstimate, error)
}

// routeCache fronts the estimator for repeated point sequences.
type routeCache interface {
	CachedRoute(ctx context.Context, key string) (gmaps.RouteEstimate, bool)
	StoreRoute(ctx context.Context, key string, est gmaps.RouteEstimate)
}

// detourToleranceMin is the detour a driver absorbs at full location score.
const detourToleranceMin = 10

// maxRouteStretch bounds the straight-line prefilter; candidates whose
// stretched path exceeds this ratio never reach the estimator.
const maxRouteStretch = 3.0

type Service struct {
	store  *Store
	routes RouteEstimator
	cfg    config.MatchingConfig
}

func NewService(store *Store, routes RouteEstimator, cfg config.MatchingConfig) *Service {
	return &Service{store: store, routes: routes, cfg: cfg}
}

// FindMatches returns ranked candidate trips for the rider. An empty result
// is a valid answer; estimator failures drop individual candidates, never the
// whole query.
func (s *Service) FindMatches(ctx context.Context, q RiderQuery) ([]Match, error) {
	if q.RiderID == "" || q.Origin.Zero() || q.Destination.Zero() {
		return nil, ErrValidation
	}
	desiredMin, err := timeToMinutes(q.DesiredArrivalTime)
	if err != nil {
		return nil, ErrValidation
	}
	if q.MaxOccupancy < 1 {
		q.MaxOccupancy = 1
	}

	date := time.Now()
	if q.DesiredDate != nil {
		date = *q.DesiredDate
	}
	y, m, d := date.Date()
	desiredAt := time.Date(y, m, d, desiredMin/60, desiredMin%60, 0, 0, time.Local)
	tolerance := time.Duration(s.cfg.ToleranceMinutes) * time.Minute

	candidates, err := s.store.CandidateTrips(ctx, q.RiderID, desiredAt.Add(-tolerance), desiredAt.Add(tolerance), 1)
	if err != nil {
		return nil, err
	}

	matches := rankCandidates(ctx, q, desiredMin, candidates, s.routes, s.store, s.cfg)

	ids := make([]types.ID, 0, len(matches))
	for _, mt := range matches {
		ids = append(ids, mt.DriverID)
	}
	ratings, err := s.store.DriverRatings(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range matches {
		if r, ok := ratings[matches[i].DriverID]; ok {
			matches[i].Rating = r
		} else {
			matches[i].Rating = DefaultRating
		}
	}

	if q.IncludeSynthetic {
		email, err := s.store.UserEmail(ctx, q.RiderID)
		if err == nil && IsTestAccount(email) {
			matches = append(matches, syntheticMatches()...)
		}
	}
	return matches, nil
}

type scoredCandidate struct {
	cand      *CandidateTrip
	detourSec int
	rideKm    float64
	rideSec   int
	arrival   time.Time
	costCents int64
	dropped   bool
}

// rankCandidates estimates and scores each candidate concurrently, then
// applies the batch-relative cost score, the threshold, and the deterministic
// order. It is independent of the store so tests can drive it with stubs.
func rankCandidates(ctx context.Context, q RiderQuery, desiredMin int, candidates []*CandidateTrip, routes RouteEstimator, cache routeCache, cfg config.MatchingConfig) []Match {
	if routes == nil {
		return nil
	}
	maxDetourSec := cfg.MaxDetourMinutes * 60
	timeout := time.Duration(cfg.EstimatorTimeoutMS) * time.Millisecond

	scored := make([]scoredCandidate, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		scored[i] = scoredCandidate{cand: c, dropped: true}
		if !directionCompatible(c.Origin, c.Destination, q.Origin, q.Destination, maxRouteStretch) {
			continue
		}
		wg.Add(1)
		go func(i int, c *CandidateTrip) {
			defer wg.Done()
			base, err := estimate(ctx, routes, cache, timeout, c.Origin, c.Destination)
			if err != nil {
				return
			}
			aug, err := estimate(ctx, routes, cache, timeout, c.Origin, c.Destination, q.Origin, q.Destination)
			if err != nil {
				return
			}
			ride, err := estimate(ctx, routes, cache, timeout, q.Origin, q.Destination)
			if err != nil {
				return
			}
			detour := aug.DurationSec - base.DurationSec
			if detour < 0 {
				detour = 0
			}
			if detour > maxDetourSec {
				return
			}
			scored[i].detourSec = detour
			scored[i].rideKm = ride.DistanceKm
			scored[i].rideSec = ride.DurationSec
			scored[i].arrival = c.DepartureTime.Add(time.Duration(aug.DurationSec) * time.Second)
			// Same formula the request will lock in, so the quoted price
			// matches the charged one.
			scored[i].costCents = pricing.EstimateCostCents(ride.DistanceKm, ride.DurationSec, c.BookedSeats, detour)
			scored[i].dropped = false
		}(i, c)
	}
	wg.Wait()

	var minCost int64 = -1
	for _, sc := range scored {
		if sc.dropped {
			continue
		}
		if minCost < 0 || sc.costCents < minCost {
			minCost = sc.costCents
		}
	}

	weights := presetFor(q.Preference)
	maxScore := weights.Sum()
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = MatchThreshold
	}

	var out []Match
	for _, sc := range scored {
		if sc.dropped {
			continue
		}
		c := sc.cand
		arrivalMin := sc.arrival.Hour()*60 + sc.arrival.Minute()
		breakdown := ScoreBreakdown{
			Schedule:   scheduleScore(desiredMin, arrivalMin),
			Location:   locationScore(sc.detourSec, detourToleranceMin),
			Cost:       pricing.CostScore(sc.costCents, minCost),
			Comfort:    comfortScore(c.BookedSeats, c.MaxSeats, q.MaxOccupancy),
			Preference: preferenceScore(q.Prefs, c.DriverPrefs),
		}
		total := breakdown.Schedule*weights.Schedule +
			breakdown.Location*weights.Location +
			breakdown.Cost*weights.Cost +
			breakdown.Comfort*weights.Comfort +
			breakdown.Preference*weights.Preference
		if total/maxScore < threshold {
			continue
		}
		out = append(out, Match{
			TripID:               c.TripID,
			DriverID:             c.DriverID,
			DriverName:           c.DriverName,
			MatchPercentage:      matchPercentage(total, maxScore),
			Scores:               breakdown,
			EstimatedCostCents:   sc.costCents,
			EstimatedDistanceKm:  sc.rideKm,
			EstimatedDurationSec: sc.rideSec,
			DetourSec:            sc.detourSec,
			DepartureTime:        c.DepartureTime,
			AvailableSeats:       c.AvailableSeats(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].MatchPercentage != out[j].MatchPercentage {
			return out[i].MatchPercentage > out[j].MatchPercentage
		}
		if !out[i].DepartureTime.Equal(out[j].DepartureTime) {
			return out[i].DepartureTime.Before(out[j].DepartureTime)
		}
		if out[i].DetourSec != out[j].DetourSec {
			return out[i].DetourSec < out[j].DetourSec
		}
		return out[i].TripID < out[j].TripID
	})

	limit := cfg.MaxCandidates
	if limit <= 0 {
		limit = MaxCandidates
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// estimate consults the cache first and bounds the live call with its own
// deadline so one slow estimate cannot stall the whole ranking.
func estimate(ctx context.Context, routes RouteEstimator, cache routeCache, timeout time.Duration, origin, destination types.Point, waypoints ...types.Point) (gmaps.RouteEstimate, error) {
	key := RouteKey(append([]types.Point{origin, destination}, waypoints...)...)
	if cache != nil {
		if est, ok := cache.CachedRoute(ctx, key); ok {
			return est, nil
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	est, err := routes.Route(ctx, origin, destination, waypoints...)
	if err != nil {
		if ctx.Err() != nil {
			return gmaps.RouteEstimate{}, ErrEstimatorTimeout
		}
		return gmaps.RouteEstimate{}, err
	}
	if cache != nil {
		cache.StoreRoute(ctx, key, est)
	}
	return est, nil
}

// syntheticMatches are fixture results for test accounts only. They carry
// obviously fake IDs and never mix into real scoring.
func syntheticMatches() []Match {
	now := time.Now()
	return []Match{
		{
			TripID: "dummy-trip-1", DriverID: "dummy-driver-1",
			DriverName: "Sarah Jenkins", Rating: 4.9, MatchPercentage: 92,
			EstimatedCostCents: 650, EstimatedDistanceKm: 9.5, EstimatedDurationSec: 17 * 60,
			DetourSec: 4 * 60, DepartureTime: now.Add(45 * time.Minute),
			AvailableSeats: 3, Synthetic: true,
		},
		{
			TripID: "dummy-trip-2", DriverID: "dummy-driver-2",
			DriverName: "David Chen", Rating: 4.7, MatchPercentage: 87,
			EstimatedCostCents: 540, EstimatedDistanceKm: 7.8, EstimatedDurationSec: 14 * 60,
			DetourSec: 6 * 60, DepartureTime: now.Add(70 * time.Minute),
			AvailableSeats: 1, Synthetic: true,
		},
		{
			TripID: "dummy-trip-3", DriverID: "dummy-driver-3",
			DriverName: "Michael Ross", Rating: 5.0, MatchPercentage: 81,
			EstimatedCostCents: 720, EstimatedDistanceKm: 11.2, EstimatedDurationSec: 21 * 60,
			DetourSec: 7 * 60, DepartureTime: now.Add(90 * time.Minute),
			AvailableSeats: 2, Synthetic: true,
		},
	}
}
