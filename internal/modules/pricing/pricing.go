// README: Pricing computes rider fare estimates and the driver/platform split.
package pricing

import "math"

// Platform rates, in dollars.
const (
	BaseFare      = 2.50
	RatePerKm     = 0.20
	RatePerMinute = 0.10
)

// Detour surcharge: +5% for every 5 minutes of detour, capped at 25%.
const (
	detourSurchargePer5Min = 0.05
	detourSurchargeCap     = 0.25
)

// discountTiers maps the number of passengers already booked on the trip to
// the shared-ride discount applied to the new rider's fare.
var discountTiers = [4]float64{0.0, 0.15, 0.25, 0.35}

// Breakdown itemises an estimate for display and debugging.
type Breakdown struct {
	BaseFareCents        int64 `json:"base_fare_cents"`
	DistanceChargeCents  int64 `json:"distance_charge_cents"`
	TimeChargeCents      int64 `json:"time_charge_cents"`
	DetourSurchargePct   int   `json:"detour_surcharge_pct"`
	PassengerDiscountPct int   `json:"passenger_discount_pct"`
	FinalCostCents       int64 `json:"final_cost_cents"`
}

// FareSplit divides a settled fare between the platform and the driver.
type FareSplit struct {
	TotalCents       int64 `json:"total_cents"`
	PlatformFeeCents int64 `json:"platform_fee_cents"`
	DriverCents      int64 `json:"driver_cents"`
}

// EstimateCostCents returns the rider's fare in cents for a ride of the given
// distance and duration, joining a trip that already has existingPassengers
// booked and costing the driver detourSec of extra driving.
func EstimateCostCents(distanceKm float64, durationSec, existingPassengers, detourSec int) int64 {
	durMins := float64(durationSec) / 60.0
	raw := BaseFare + distanceKm*RatePerKm + durMins*RatePerMinute

	detourMins := float64(detourSec) / 60.0
	surcharge := math.Min(detourSurchargeCap, detourMins/5.0*detourSurchargePer5Min)

	discount := passengerDiscount(existingPassengers)

	final := raw * (1 + surcharge) * (1 - discount)
	return int64(math.Round(final * 100))
}

// CostBreakdown itemises the same computation as EstimateCostCents.
func CostBreakdown(distanceKm float64, durationSec, existingPassengers, detourSec int) Breakdown {
	durMins := float64(durationSec) / 60.0
	detourMins := float64(detourSec) / 60.0
	surchargePct := math.Min(25, detourMins/5.0*5)

	return Breakdown{
		BaseFareCents:        cents(BaseFare),
		DistanceChargeCents:  cents(distanceKm * RatePerKm),
		TimeChargeCents:      cents(durMins * RatePerMinute),
		DetourSurchargePct:   int(surchargePct),
		PassengerDiscountPct: int(passengerDiscount(existingPassengers) * 100),
		FinalCostCents:       EstimateCostCents(distanceKm, durationSec, existingPassengers, detourSec),
	}
}

// Split divides totalCents between the platform and the driver at the given
// fee percentage.
func Split(totalCents int64, platformFeePercent int) FareSplit {
	fee := int64(math.Round(float64(totalCents) * float64(platformFeePercent) / 100.0))
	return FareSplit{
		TotalCents:       totalCents,
		PlatformFeeCents: fee,
		DriverCents:      totalCents - fee,
	}
}

// CostScore normalises a fare against the cheapest fare of the batch: the
// cheapest candidate scores 1.0 and scores decay exponentially above it.
func CostScore(costCents, minCostCents int64) float64 {
	diff := float64(costCents-minCostCents) / 100.0
	if diff <= 0 {
		return 1.0
	}
	return math.Exp(-0.1 * diff)
}

func passengerDiscount(passengers int) float64 {
	if passengers < 0 {
		passengers = 0
	}
	if passengers > 3 {
		passengers = 3
	}
	return discountTiers[passengers]
}

func cents(dollars float64) int64 {
	return int64(math.Round(dollars * 100))
}
