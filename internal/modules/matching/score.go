// README: Pure scoring functions for the match ranker.
package matching

import (
	"fmt"
	"math"
)

// scheduleScore compares the driver's projected arrival against the rider's
// desired arrival, both as minutes into the day. Arriving up to 20 minutes
// after the desired time is perfect; later arrivals decay over 30 minutes,
// early arrivals over an hour.
func scheduleScore(desiredMin, arrivalMin int) float64 {
	diff := float64(arrivalMin - desiredMin)
	switch {
	case diff >= 0 && diff <= 20:
		return 1.0
	case diff > 20:
		return math.Max(0, 1.0-(diff-20)/30)
	default:
		return math.Max(0, 1.0-(-diff)/60)
	}
}

// locationScore is 1.0 while the detour stays inside the driver's tolerance
// and decays exponentially past it, floored so a long detour still ranks
// candidates rather than erasing them.
func locationScore(detourSec, toleranceMin int) float64 {
	toleranceSec := toleranceMin * 60
	if detourSec <= toleranceSec {
		return 1.0
	}
	excess := float64(detourSec - toleranceSec)
	return math.Max(0.01, math.Exp(-0.005*excess))
}

// comfortScore rewards seat slack. Exceeding the car's capacity or the
// rider's stated occupancy comfort is a hard zero.
func comfortScore(currentPassengers, maxPassengers, riderMaxOccupancy int) float64 {
	occupancy := currentPassengers + 1
	if occupancy > maxPassengers {
		return 0
	}
	if occupancy > riderMaxOccupancy {
		return 0
	}
	score := 1.0 - float64(occupancy)/float64(maxPassengers+1)
	return math.Max(0, math.Min(1, score))
}

// preferenceScore is the fraction of ride-style attributes rider and driver
// agree on. A rider with no stated preferences is compatible with anyone.
func preferenceScore(rider *Prefs, driver Prefs) float64 {
	if rider == nil {
		return 1.0
	}
	matches := 0
	if rider.Smoking == driver.Smoking {
		matches++
	}
	if rider.Pets == driver.Pets {
		matches++
	}
	if rider.Music == driver.Music {
		matches++
	}
	return float64(matches) / 3.0
}

// matchPercentage normalizes a raw weighted score against the preset maximum.
func matchPercentage(score, maxScore float64) int {
	if maxScore <= 0 {
		return 0
	}
	pct := int(math.Round(score / maxScore * 100))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

// timeToMinutes parses "HH:MM" into minutes into the day.
func timeToMinutes(v string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(v, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("time out of range: %q", v)
	}
	return h*60 + m, nil
}
