// README: Pure geographic helpers for candidate prefiltering.
package matching

import (
	"math"

	"hitchly/internal/types"
)

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func haversineKm(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// directionCompatible is a cheap straight-line prefilter applied before any
// routing call: if weaving the rider's pickup and dropoff into the driver's
// line stretches it beyond maxStretch times its direct length, the candidate
// cannot survive the detour cap and is skipped without spending an estimate.
func directionCompatible(driverOrigin, driverDest, riderOrigin, riderDest types.Point, maxStretch float64) bool {
	direct := haversineKm(driverOrigin, driverDest)
	if direct < 0.5 {
		// Degenerate short hop: let the real estimator decide.
		return true
	}
	stretched := haversineKm(driverOrigin, riderOrigin) +
		haversineKm(riderOrigin, riderDest) +
		haversineKm(riderDest, driverDest)
	return stretched <= direct*maxStretch
}
