// README: Match scorer tests: pure scoring plus stub-estimator ranking.
package matching

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"hitchly/internal/config"
	gmaps "hitchly/internal/maps"
	"hitchly/internal/modules/pricing"
	"hitchly/internal/types"
)

func TestScheduleScore(t *testing.T) {
	cases := []struct {
		name             string
		desired, arrival int
		want             float64
	}{
		{"on time", 9 * 60, 9 * 60, 1.0},
		{"20 min late still perfect", 9 * 60, 9*60 + 20, 1.0},
		{"35 min late decays", 9 * 60, 9*60 + 35, 0.5},
		{"50 min late hits zero", 9 * 60, 9*60 + 50, 0.0},
		{"30 min early decays", 9 * 60, 9*60 - 30, 0.5},
		{"an hour early is zero", 9 * 60, 8 * 60, 0.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := scheduleScore(tc.desired, tc.arrival); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("scheduleScore(%d, %d) = %v, want %v", tc.desired, tc.arrival, got, tc.want)
			}
		})
	}
}

func TestLocationScore(t *testing.T) {
	if got := locationScore(5*60, 10); got != 1.0 {
		t.Errorf("within tolerance = %v, want 1.0", got)
	}
	got := locationScore(10*60+200, 10)
	want := math.Exp(-0.005 * 200)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("excess detour = %v, want %v", got, want)
	}
	if got := locationScore(4*3600, 10); got != 0.01 {
		t.Errorf("huge detour should floor at 0.01, got %v", got)
	}
}

func TestComfortScore(t *testing.T) {
	if got := comfortScore(3, 3, 5); got != 0 {
		t.Errorf("full car = %v, want 0", got)
	}
	if got := comfortScore(1, 3, 1); got != 0 {
		t.Errorf("over rider comfort = %v, want 0", got)
	}
	if got := comfortScore(0, 3, 3); got != 0.75 {
		t.Errorf("empty car = %v, want 0.75", got)
	}
	if got := comfortScore(2, 3, 3); got != 0.25 {
		t.Errorf("nearly full = %v, want 0.25", got)
	}
}

func TestPreferenceScore(t *testing.T) {
	if got := preferenceScore(nil, Prefs{Smoking: true}); got != 1.0 {
		t.Errorf("no rider prefs = %v, want 1.0", got)
	}
	rider := &Prefs{Music: true}
	if got := preferenceScore(rider, Prefs{Music: true}); got != 1.0 {
		t.Errorf("full overlap = %v, want 1.0", got)
	}
	got := preferenceScore(rider, Prefs{Smoking: true, Music: true})
	if math.Abs(got-2.0/3.0) > 1e-9 {
		t.Errorf("partial overlap = %v, want 2/3", got)
	}
}

func TestMatchPercentageClamped(t *testing.T) {
	if got := matchPercentage(3.0, 6.0); got != 50 {
		t.Errorf("half score = %d, want 50", got)
	}
	if got := matchPercentage(7.0, 6.0); got != 100 {
		t.Errorf("overshoot should clamp to 100, got %d", got)
	}
	if got := matchPercentage(-1, 6.0); got != 0 {
		t.Errorf("negative should clamp to 0, got %d", got)
	}
}

func TestTimeToMinutes(t *testing.T) {
	if got, err := timeToMinutes("08:50"); err != nil || got != 530 {
		t.Errorf("08:50 = %d, %v", got, err)
	}
	for _, bad := range []string{"25:00", "09:71", "morning", ""} {
		if _, err := timeToMinutes(bad); err == nil {
			t.Errorf("%q should not parse", bad)
		}
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	a := types.Point{Lat: 43.2609, Lng: -79.9192}
	if d := haversineKm(a, a); d > 0.001 {
		t.Errorf("same point = %v, want 0", d)
	}
	ny := types.Point{Lat: 40.7128, Lng: -74.0060}
	la := types.Point{Lat: 34.0522, Lng: -118.2437}
	if d := haversineKm(ny, la); math.Abs(d-3944) > 50 {
		t.Errorf("NY-LA = %v, want ~3944", d)
	}
}

func TestDirectionCompatible(t *testing.T) {
	dOrigin := types.Point{Lat: 43.25, Lng: -79.92}
	dDest := types.Point{Lat: 43.2609, Lng: -79.9192}
	onTheWay := types.Point{Lat: 43.254, Lng: -79.919}
	if !directionCompatible(dOrigin, dDest, onTheWay, dDest, 3.0) {
		t.Error("pickup along the route should pass")
	}
	oppositeCity := types.Point{Lat: 44.5, Lng: -78.0}
	if directionCompatible(dOrigin, dDest, oppositeCity, dDest, 3.0) {
		t.Error("pickup 200km away should be filtered")
	}
}

// stubEstimator serves canned estimates keyed by point sequence and records
// which keys were asked for.
type stubEstimator struct {
	mu     sync.Mutex
	canned map[string]gmaps.RouteEstimate
	delay  time.Duration
	calls  map[string]int
}

func (s *stubEstimator) Route(ctx context.Context, origin, destination types.Point, waypoints ...types.Point) (gmaps.RouteEstimate, error) {
	key := RouteKey(append([]types.Point{origin, destination}, waypoints...)...)
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[key]++
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return gmaps.RouteEstimate{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	est, ok := s.canned[key]
	if !ok {
		return gmaps.RouteEstimate{}, context.DeadlineExceeded
	}
	return est, nil
}

func (s *stubEstimator) callCount(points ...types.Point) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[RouteKey(points...)]
}

var (
	riderOrigin = types.Point{Lat: 43.2600, Lng: -79.9200}
	riderDest   = types.Point{Lat: 43.2620, Lng: -79.9100}
)

func testMatchingConfig() config.MatchingConfig {
	return config.MatchingConfig{
		ToleranceMinutes:   120,
		MaxDetourMinutes:   20,
		EstimatorTimeoutMS: 200,
		Threshold:          0.3,
		MaxCandidates:      20,
	}
}

func candidateAt(id string, departure time.Time, originLat float64, booked, max int) *CandidateTrip {
	return &CandidateTrip{
		TripID:        types.ID(id),
		DriverID:      types.ID("driver-" + id),
		Origin:        types.Point{Lat: originLat, Lng: -79.93},
		Destination:   types.Point{Lat: 43.2609, Lng: -79.9192},
		DepartureTime: departure,
		MaxSeats:      max,
		BookedSeats:   booked,
	}
}

// cannedFor registers base, augmented and rider-leg routes for a candidate.
func cannedFor(stub *stubEstimator, c *CandidateTrip, baseSec, augSec int) {
	if stub.canned == nil {
		stub.canned = map[string]gmaps.RouteEstimate{}
	}
	stub.canned[RouteKey(c.Origin, c.Destination)] = gmaps.RouteEstimate{DistanceKm: 10, DurationSec: baseSec}
	stub.canned[RouteKey(c.Origin, c.Destination, riderOrigin, riderDest)] = gmaps.RouteEstimate{DistanceKm: 12, DurationSec: augSec}
	stub.canned[RouteKey(riderOrigin, riderDest)] = gmaps.RouteEstimate{DistanceKm: 8, DurationSec: 15 * 60}
}

func TestRankCandidatesOrdering(t *testing.T) {
	day := time.Date(2026, 9, 2, 0, 0, 0, 0, time.Local)
	// A: empty car, small detour. B: nearly full, bigger detour.
	a := candidateAt("trip-a", day.Add(8*time.Hour+40*time.Minute), 43.2500, 0, 3)
	b := candidateAt("trip-b", day.Add(8*time.Hour+30*time.Minute), 43.2510, 2, 3)

	stub := &stubEstimator{}
	cannedFor(stub, a, 20*60, 25*60)
	cannedFor(stub, b, 20*60, 30*60)

	q := RiderQuery{
		RiderID: "rider-1", Origin: riderOrigin, Destination: riderDest,
		MaxOccupancy: 3,
	}
	matches := rankCandidates(context.Background(), q, 9*60, []*CandidateTrip{b, a}, stub, nil, testMatchingConfig())
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].TripID != "trip-a" || matches[1].TripID != "trip-b" {
		t.Fatalf("order = %s, %s; want trip-a first", matches[0].TripID, matches[1].TripID)
	}
	if matches[0].MatchPercentage <= matches[1].MatchPercentage {
		t.Fatalf("percentages not descending: %d then %d", matches[0].MatchPercentage, matches[1].MatchPercentage)
	}
	if matches[0].AvailableSeats != 3 || matches[1].AvailableSeats != 1 {
		t.Fatalf("available seats = %d/%d, want 3/1", matches[0].AvailableSeats, matches[1].AvailableSeats)
	}
	if matches[0].DetourSec != 5*60 {
		t.Fatalf("detour = %d, want 300", matches[0].DetourSec)
	}
	// the quote carries the detour surcharge, matching what a request locks in
	if want := pricing.EstimateCostCents(8, 15*60, 0, 5*60); matches[0].EstimatedCostCents != want {
		t.Fatalf("quoted cost = %d, want %d", matches[0].EstimatedCostCents, want)
	}
}

func TestRankCandidatesTieBreaksByTripID(t *testing.T) {
	day := time.Date(2026, 9, 2, 0, 0, 0, 0, time.Local)
	dep := day.Add(9 * time.Hour)
	a := candidateAt("trip-x", dep, 43.2500, 0, 3)
	b := candidateAt("trip-y", dep, 43.2500, 0, 3)

	stub := &stubEstimator{}
	cannedFor(stub, a, 20*60, 22*60)
	cannedFor(stub, b, 20*60, 22*60)

	q := RiderQuery{RiderID: "rider-1", Origin: riderOrigin, Destination: riderDest, MaxOccupancy: 3}

	// identical inputs rank identically on repeated runs
	for i := 0; i < 5; i++ {
		matches := rankCandidates(context.Background(), q, 9*60, []*CandidateTrip{b, a}, stub, nil, testMatchingConfig())
		if len(matches) != 2 {
			t.Fatalf("matches = %d, want 2", len(matches))
		}
		if matches[0].TripID != "trip-x" || matches[1].TripID != "trip-y" {
			t.Fatalf("run %d: tie not broken by trip ID: %s, %s", i, matches[0].TripID, matches[1].TripID)
		}
	}
}

func TestRankCandidatesDropsOnEstimatorTimeout(t *testing.T) {
	day := time.Date(2026, 9, 2, 0, 0, 0, 0, time.Local)
	slow := candidateAt("trip-slow", day.Add(9*time.Hour), 43.2500, 0, 3)

	stub := &stubEstimator{delay: 2 * time.Second}
	cannedFor(stub, slow, 20*60, 22*60)

	cfg := testMatchingConfig()
	cfg.EstimatorTimeoutMS = 30

	q := RiderQuery{RiderID: "rider-1", Origin: riderOrigin, Destination: riderDest, MaxOccupancy: 3}
	matches := rankCandidates(context.Background(), q, 9*60, []*CandidateTrip{slow}, stub, nil, cfg)
	if len(matches) != 0 {
		t.Fatalf("timed-out candidate should be dropped, got %d matches", len(matches))
	}
}

func TestRankCandidatesEnforcesDetourCap(t *testing.T) {
	day := time.Date(2026, 9, 2, 0, 0, 0, 0, time.Local)
	far := candidateAt("trip-far", day.Add(9*time.Hour), 43.2500, 0, 3)

	stub := &stubEstimator{}
	cannedFor(stub, far, 20*60, 45*60) // 25 min detour, cap is 20

	q := RiderQuery{RiderID: "rider-1", Origin: riderOrigin, Destination: riderDest, MaxOccupancy: 3}
	matches := rankCandidates(context.Background(), q, 9*60, []*CandidateTrip{far}, stub, nil, testMatchingConfig())
	if len(matches) != 0 {
		t.Fatalf("over-cap detour should be dropped, got %d matches", len(matches))
	}
}

func TestRankCandidatesPrefilterSkipsEstimator(t *testing.T) {
	day := time.Date(2026, 9, 2, 0, 0, 0, 0, time.Local)
	remote := &CandidateTrip{
		TripID: "trip-remote", DriverID: "driver-remote",
		Origin:        types.Point{Lat: 49.28, Lng: -123.12}, // other side of the continent
		Destination:   types.Point{Lat: 49.26, Lng: -123.10},
		DepartureTime: day.Add(9 * time.Hour),
		MaxSeats:      3,
	}
	stub := &stubEstimator{}

	q := RiderQuery{RiderID: "rider-1", Origin: riderOrigin, Destination: riderDest, MaxOccupancy: 3}
	matches := rankCandidates(context.Background(), q, 9*60, []*CandidateTrip{remote}, stub, nil, testMatchingConfig())
	if len(matches) != 0 {
		t.Fatalf("incompatible direction should be dropped, got %d", len(matches))
	}
	if n := stub.callCount(remote.Origin, remote.Destination); n != 0 {
		t.Fatalf("prefiltered candidate still hit the estimator %d times", n)
	}
}

func TestRankCandidatesEmptyInputIsValid(t *testing.T) {
	q := RiderQuery{RiderID: "rider-1", Origin: riderOrigin, Destination: riderDest, MaxOccupancy: 1}
	matches := rankCandidates(context.Background(), q, 9*60, nil, &stubEstimator{}, nil, testMatchingConfig())
	if len(matches) != 0 {
		t.Fatalf("no candidates should rank to empty, got %d", len(matches))
	}
}

func TestIsTestAccount(t *testing.T) {
	if !IsTestAccount("driver@mcmaster.ca") || !IsTestAccount("rider@mcmaster.ca") {
		t.Error("designated test accounts should qualify")
	}
	if IsTestAccount("someone@mcmaster.ca") {
		t.Error("arbitrary accounts must never qualify")
	}
}

func TestSyntheticMatchesAreFlagged(t *testing.T) {
	for _, m := range syntheticMatches() {
		if !m.Synthetic {
			t.Fatalf("synthetic match %s missing flag", m.TripID)
		}
	}
}
