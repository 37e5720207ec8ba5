// README: Match search handler.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hitchly/internal/http/middleware"
	"hitchly/internal/modules/matching"
	"hitchly/internal/types"
)

type MatchingHandler struct {
	matching *matching.Service
}

func NewMatchingHandler(svc *matching.Service) *MatchingHandler {
	return &MatchingHandler{matching: svc}
}

type prefsReq struct {
	Smoking bool `json:"smoking"`
	Pets    bool `json:"pets"`
	Music   bool `json:"music"`
}

type findMatchesReq struct {
	Origin             pointReq   `json:"origin"`
	Destination        pointReq   `json:"destination"`
	DesiredArrivalTime string     `json:"desired_arrival_time"`
	DesiredDate        *time.Time `json:"desired_date"`
	MaxOccupancy       int        `json:"max_occupancy"`
	Preference         string     `json:"preference"`
	Prefs              *prefsReq  `json:"prefs"`
	IncludeSynthetic   bool       `json:"include_synthetic"`
}

func (h *MatchingHandler) Find(c *gin.Context) {
	var req findMatchesReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	q := matching.RiderQuery{
		RiderID:            types.ID(middleware.CallerUID(c)),
		Origin:             req.Origin.toPoint(),
		Destination:        req.Destination.toPoint(),
		DesiredArrivalTime: req.DesiredArrivalTime,
		DesiredDate:        req.DesiredDate,
		MaxOccupancy:       req.MaxOccupancy,
		Preference:         req.Preference,
		IncludeSynthetic:   req.IncludeSynthetic,
	}
	if req.Prefs != nil {
		q.Prefs = &matching.Prefs{
			Smoking: req.Prefs.Smoking,
			Pets:    req.Prefs.Pets,
			Music:   req.Prefs.Music,
		}
	}
	matches, err := h.matching.FindMatches(c.Request.Context(), q)
	if err != nil {
		writeMatchError(c, err)
		return
	}
	if matches == nil {
		matches = []matching.Match{}
	}
	writeJSON(c, http.StatusOK, gin.H{"matches": matches})
}
