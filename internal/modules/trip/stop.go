// README: Stop sequencer; pure function over a trip and its requests.
package trip

import "hitchly/internal/types"

type StopKind string

const (
	StopPickup  StopKind = "pickup"
	StopDropoff StopKind = "dropoff"
	StopNone    StopKind = "none"
)

// Stop is the driver's current target.
type Stop struct {
	Kind    StopKind
	Request *PassengerRequest
	Target  types.Point
	// WaitingForRider is set on a pickup stop whose rider has not yet
	// confirmed presence.
	WaitingForRider bool
}

// NextStop picks the driver's next stop. All accepted riders are picked up in
// acceptance order before any dropoff; once everyone is aboard, riders are
// dropped in the same order. Requests must already be in acceptance order, as
// the store returns them.
func NextStop(t *Trip, reqs []*PassengerRequest) Stop {
	for _, r := range reqs {
		if r.Status == RequestAccepted {
			return Stop{
				Kind:            StopPickup,
				Request:         r,
				Target:          r.Pickup,
				WaitingForRider: r.RiderPickupConfirmedAt == nil,
			}
		}
	}
	for _, r := range reqs {
		if r.Status == RequestOnTrip {
			target := t.DestPt
			if r.Dropoff != nil {
				target = *r.Dropoff
			}
			return Stop{Kind: StopDropoff, Request: r, Target: target}
		}
	}
	return Stop{Kind: StopNone, Target: t.DestPt}
}
