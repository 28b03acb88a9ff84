package maps

import (
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

// StaticURL builds a MapQuest static map link showing the pickup and dropoff
// markers. Pure string assembly; the core never fetches or interprets it.
func StaticURL(apiKey string, pickup, dropoff models.Coord) string {
	return fmt.Sprintf(
		"https://www.mapquestapi.com/staticmap/v5/map?key=%s&locations=%f,%f|marker-start||%f,%f|marker-end&size=800,600@2x",
		apiKey, pickup.Lat, pickup.Lon, dropoff.Lat, dropoff.Lon)
}
