package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Geo is the minimal interface required by the registry and the lifecycle engine.
type Geo interface {
	// Nearby returns available drivers within radiusMeters of the origin,
	// nearest first. Ties are broken by driver id so results are stable
	// for a fixed dataset.
	Nearby(lat, lon, radiusMeters float64, limit int) []models.DriverPos
	Upsert(d models.DriverPos)
	Remove(id string)
}

// Index is an in-memory implementation backed by a linear scan. Fine up to a
// few thousand drivers per process; beyond that use RedisGeo.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPos
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverPos)}
}

func (g *Index) Upsert(d models.DriverPos) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
}

func (g *Index) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, id)
}

func (g *Index) Nearby(lat, lon, radiusMeters float64, limit int) []models.DriverPos {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.DriverPos
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Available {
			continue
		}
		dist := Haversine(lat, lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radiusMeters {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].d.ID < arr[j].d.ID
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.DriverPos, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out
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
