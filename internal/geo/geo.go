package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/delivery-relay/internal/models"
)

// Located is a driver found by a radius query.
type Located struct {
	DriverID  string
	Loc       models.Coord
	DistanceM float64
}

// Geo indexes available drivers by position. The relay writes to it and
// the dispatch selector queries it.
type Geo interface {
	Upsert(ctx context.Context, driverID string, loc models.Coord) error
	Remove(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, center models.Coord, radiusM float64, limit int) ([]Located, error)
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Coord
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Coord)}
}

func (g *Index) Upsert(_ context.Context, driverID string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = loc
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// naive scan; fine for a single store's fleet
func (g *Index) Nearby(_ context.Context, center models.Coord, radiusM float64, limit int) ([]Located, error) {
	g.mu.RLock()
	out := make([]Located, 0, len(g.drivers))
	for id, loc := range g.drivers {
		dist := Haversine(center.Lat, center.Lon, loc.Lat, loc.Lon)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		out = append(out, Located{DriverID: id, Loc: loc, DistanceM: dist})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
