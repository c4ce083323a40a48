// Package matcher narrows the connected drivers down to the ones an urgent
// order is offered to.
package matcher

import (
	"context"
	"sort"

	"github.com/example/delivery-relay/internal/eta"
	"github.com/example/delivery-relay/internal/geo"
	"github.com/example/delivery-relay/internal/models"
)

// Candidate is a driver selected for an offer.
type Candidate struct {
	DriverID   string
	Positioned bool
	DistanceM  float64
	ETASeconds float64
}

type Geo interface {
	Nearby(ctx context.Context, center models.Coord, radiusM float64, limit int) ([]geo.Located, error)
}

// Selector filters candidates to those within RadiusM of Origin and keeps
// the TopN with the lowest ETA. RadiusM <= 0 disables the distance filter,
// TopN <= 0 keeps everyone.
type Selector struct {
	Geo     Geo // optional; without it positions are unknown
	ETA     *eta.Estimator
	Origin  models.Coord
	RadiusM float64
	TopN    int
}

func (s *Selector) Select(ctx context.Context, candidates []string) ([]Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	positions := map[string]geo.Located{}
	if s.Geo != nil {
		located, err := s.Geo.Nearby(ctx, s.Origin, s.RadiusM, 0)
		if err != nil {
			return nil, err
		}
		for _, l := range located {
			positions[l.DriverID] = l
		}
	}

	out := make([]Candidate, 0, len(candidates))
	for _, id := range candidates {
		l, known := positions[id]
		if !known {
			if s.RadiusM > 0 {
				continue
			}
			out = append(out, Candidate{DriverID: id})
			continue
		}
		c := Candidate{DriverID: id, Positioned: true, DistanceM: l.DistanceM}
		if s.ETA != nil {
			c.ETASeconds = s.ETA.Estimate(ctx, l.Loc, s.Origin)
		} else {
			c.ETASeconds = eta.EstimateSeconds(l.Loc, s.Origin, 0)
		}
		out = append(out, c)
	}

	// known positions first, closest ETA first; unknown keep input order
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Positioned != out[j].Positioned {
			return out[i].Positioned
		}
		return out[i].ETASeconds < out[j].ETASeconds
	})
	if s.TopN > 0 && len(out) > s.TopN {
		out = out[:s.TopN]
	}
	return out, nil
}
