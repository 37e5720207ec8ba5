// README: Match scorer types: rider queries, candidate trips, ranked matches.
package matching

import (
	"errors"
	"time"

	"hitchly/internal/types"
)

var (
	ErrValidation = errors.New("invalid match query")
	// ErrEstimatorTimeout marks a routing call that exceeded its deadline.
	// FindMatches never returns it; the affected candidate is dropped.
	ErrEstimatorTimeout = errors.New("route estimator timed out")
)

const (
	// MatchThreshold is the minimum normalized score a candidate must reach.
	MatchThreshold = 0.3
	// MaxCandidates caps the ranked result list.
	MaxCandidates = 20
	// DefaultRating is assumed for drivers with no reviews yet.
	DefaultRating = 5.0
)

// Weights is one scoring preset. Each component score is in [0, 1], so the
// preset's sum is the maximum achievable raw score.
type Weights struct {
	Schedule   float64
	Location   float64
	Cost       float64
	Comfort    float64
	Preference float64
}

func (w Weights) Sum() float64 {
	return w.Schedule + w.Location + w.Cost + w.Comfort + w.Preference
}

// WeightPresets shift emphasis per the rider's stated priority. The default
// preset sums to 6.0.
var WeightPresets = map[string]Weights{
	"default":         {Schedule: 2.0, Location: 2.0, Cost: 1.0, Comfort: 0.5, Preference: 0.5},
	"costPriority":    {Schedule: 2.0, Location: 2.0, Cost: 1.75, Comfort: 0.1, Preference: 0.15},
	"comfortPriority": {Schedule: 2.0, Location: 2.0, Cost: 0.5, Comfort: 1.0, Preference: 0.5},
}

func presetFor(name string) Weights {
	if w, ok := WeightPresets[name]; ok {
		return w
	}
	return WeightPresets["default"]
}

// Prefs are the ride-style attributes compared between rider and driver.
type Prefs struct {
	Smoking bool
	Pets    bool
	Music   bool
}

// RiderQuery is the input to FindMatches.
type RiderQuery struct {
	RiderID            types.ID
	Origin             types.Point
	Destination        types.Point
	DesiredArrivalTime string // HH:MM
	DesiredDate        *time.Time
	MaxOccupancy       int
	Preference         string
	Prefs              *Prefs
	IncludeSynthetic   bool
}

// CandidateTrip is a joinable trip as the store surfaces it, joined with the
// driver's profile.
type CandidateTrip struct {
	TripID        types.ID
	DriverID      types.ID
	DriverName    string
	DriverEmail   string
	DriverPrefs   Prefs
	Origin        types.Point
	Destination   types.Point
	DepartureTime time.Time
	MaxSeats      int
	BookedSeats   int
}

func (c *CandidateTrip) AvailableSeats() int {
	return c.MaxSeats - c.BookedSeats
}

// ScoreBreakdown carries the per-component scores for display and debugging.
type ScoreBreakdown struct {
	Schedule   float64 `json:"schedule"`
	Location   float64 `json:"location"`
	Cost       float64 `json:"cost"`
	Comfort    float64 `json:"comfort"`
	Preference float64 `json:"preference"`
}

// Match is one ranked result.
type Match struct {
	TripID          types.ID       `json:"trip_id"`
	DriverID        types.ID       `json:"driver_id"`
	DriverName      string         `json:"driver_name"`
	Rating          float64        `json:"rating"`
	MatchPercentage int            `json:"match_percentage"`
	Scores          ScoreBreakdown `json:"scores"`

	EstimatedCostCents   int64     `json:"estimated_cost_cents"`
	EstimatedDistanceKm  float64   `json:"estimated_distance_km"`
	EstimatedDurationSec int       `json:"estimated_duration_sec"`
	DetourSec            int       `json:"detour_sec"`
	DepartureTime        time.Time `json:"departure_time"`
	AvailableSeats       int       `json:"available_seats"`
	Synthetic            bool      `json:"synthetic,omitempty"`
}

// testAccountEmails may request synthetic matches; everyone else never sees
// them regardless of the query flag.
var testAccountEmails = map[string]bool{
	"driver@mcmaster.ca": true,
	"rider@mcmaster.ca":  true,
}

func IsTestAccount(email string) bool {
	return testAccountEmails[email]
}
