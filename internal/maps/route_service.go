// README: Google Maps Directions adapter; the only place that talks to the routing API.
package maps

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"hitchly/internal/types"
)

// RouteEstimate is the narrow result the core depends on.
type RouteEstimate struct {
	DistanceKm  float64
	DurationSec int
}

// RouteService handles interactions with the Google Maps Directions API.
type RouteService struct {
	client  *maps.Client
	timeout time.Duration
}

// NewRouteService creates a RouteService with the given API key. Every call is
// bounded by timeout so a slow routing backend can never stall a caller.
func NewRouteService(apiKey string, timeout time.Duration) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client, timeout: timeout}, nil
}

// Route returns the driving distance and duration from origin to destination,
// visiting waypoints in order. It assumes driving mode.
func (s *RouteService) Route(ctx context.Context, origin, destination types.Point, waypoints ...types.Point) (RouteEstimate, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	r := &maps.DirectionsRequest{
		Origin:      latLng(origin),
		Destination: latLng(destination),
		Mode:        maps.TravelModeDriving,
	}
	for _, wp := range waypoints {
		r.Waypoints = append(r.Waypoints, latLng(wp))
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return RouteEstimate{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return RouteEstimate{}, fmt.Errorf("no route found")
	}

	var meters int
	var duration time.Duration
	for _, leg := range routes[0].Legs {
		meters += leg.Distance.Meters
		duration += leg.Duration
	}
	return RouteEstimate{
		DistanceKm:  float64(meters) / 1000.0,
		DurationSec: int(duration / time.Second),
	}, nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}
