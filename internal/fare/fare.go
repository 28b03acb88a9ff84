package fare

import (
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Placeholder fare policy: a bounded, distance-scaled estimate. Deterministic
// so tests and polling clients see a stable number for the same trip. The
// bounds match the product's current quoting range; the formula itself is a
// stand-in until pricing requirements land.
const (
	MinFare  = 100.0
	MaxFare  = 350.0
	perKm    = 12.0
	baseFare = MinFare
)

// Estimate returns the placeholder fare for a trip, in major currency units.
func Estimate(pickup, dropoff models.Coord) float64 {
	d := geo.Haversine(pickup.Lat, pickup.Lon, dropoff.Lat, dropoff.Lon)
	f := baseFare + d/1000*perKm
	if f > MaxFare {
		f = MaxFare
	}
	return math.Round(f)
}
