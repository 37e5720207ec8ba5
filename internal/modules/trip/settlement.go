// README: Settlement computes the final fares and the driver/platform split.
package trip

import (
	"time"

	"hitchly/internal/modules/pricing"
)

// ComputeSettlement produces the one-and-only settlement for a trip. Fares
// come from the estimates locked in at request time; nothing is re-estimated
// here. Only riders who completed the ride are charged.
func ComputeSettlement(t *Trip, reqs []*PassengerRequest, completedAt time.Time, platformFeePercent int) *Settlement {
	st := &Settlement{
		PerPassenger: []PassengerFare{},
		CompletedAt:  completedAt,
	}

	if t.StartedAt != nil {
		mins := int(completedAt.Sub(*t.StartedAt) / time.Minute)
		if mins < 0 {
			mins = 0
		}
		st.DurationMinutes = &mins
	}

	var totalKm float64
	haveKm := false
	for _, r := range reqs {
		if r.Status != RequestCompleted {
			continue
		}
		st.PassengerCount++
		st.PerPassenger = append(st.PerPassenger, PassengerFare{
			RequestID:   r.ID,
			RiderID:     r.RiderID,
			AmountCents: fareFor(t, r),
		})
		if r.EstimatedDistanceKm != nil {
			totalKm += *r.EstimatedDistanceKm
			haveKm = true
		} else if t.EstimatedDistanceKm != nil {
			totalKm += *t.EstimatedDistanceKm
			haveKm = true
		}
	}
	if haveKm {
		st.TotalDistanceKm = &totalKm
	}

	for _, f := range st.PerPassenger {
		st.TotalFaresCents += f.AmountCents
	}
	split := pricing.Split(st.TotalFaresCents, platformFeePercent)
	st.PlatformFeeCents = split.PlatformFeeCents
	st.TotalEarningsCents = split.DriverCents
	return st
}

// fareFor returns the rider's charge: the cost locked in at request time, or
// a fresh estimate from the stored distance and duration when no cost was
// captured.
func fareFor(t *Trip, r *PassengerRequest) int64 {
	if r.EstimatedCostCents != nil {
		return *r.EstimatedCostCents
	}
	dist := fallbackDistanceKm
	if r.EstimatedDistanceKm != nil {
		dist = *r.EstimatedDistanceKm
	} else if t.EstimatedDistanceKm != nil {
		dist = *t.EstimatedDistanceKm
	}
	dur := fallbackDurationSec
	if r.EstimatedDurationSec != nil {
		dur = *r.EstimatedDurationSec
	}
	return pricing.EstimateCostCents(dist, dur, 0, 0)
}
