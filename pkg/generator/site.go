// Package generator produces synthetic solar sites and meter readings for the
// simulator and for tests.
package generator

import (
	"math"
	"math/rand"

	"github.com/brianvoe/gofakeit/v7"

	"procodus.dev/solarwatch/internal/solar"
)

const kmPerDegreeLat = 111.32

type siteProfile struct {
	Address    string `fake:"{street}"`
	City       string `fake:"{city}"`
	State      string `fake:"{stateabr}"`
	PostalCode string `fake:"{zip}"`
	Panels     int    `fake:"{number:4,40}"`
}

// NewSite returns a site with a fake postal address, a random panel count and
// no coordinate.
func NewSite(id int64) solar.Site {
	var p siteProfile
	if err := gofakeit.Struct(&p); err != nil {
		p = siteProfile{Address: "1 Main St", City: "Springfield", State: "IL", PostalCode: "62701", Panels: 10}
	}

	return solar.Site{
		ID:         id,
		Capacity:   0,
		Panels:     p.Panels,
		Address:    p.Address,
		City:       p.City,
		State:      p.State,
		PostalCode: p.PostalCode,
	}
}

// NewSiteNear returns NewSite(id) placed uniformly within spreadKm of center.
func NewSiteNear(id int64, center solar.Coordinate, spreadKm float64) solar.Site {
	s := NewSite(id)
	c := Scatter(center, spreadKm)
	s.Coordinate = &c
	return s
}

// Scatter returns a point within spreadKm of center. Latitude is clamped to
// the valid range and longitude wraps.
func Scatter(center solar.Coordinate, spreadKm float64) solar.Coordinate {
	r := spreadKm * math.Sqrt(rand.Float64())
	theta := rand.Float64() * 2 * math.Pi

	dLat := r * math.Sin(theta) / kmPerDegreeLat
	cos := math.Cos(center.Lat * math.Pi / 180)
	dLng := 0.0
	if cos > 1e-9 {
		dLng = r * math.Cos(theta) / (kmPerDegreeLat * cos)
	}

	lat := math.Max(-85, math.Min(85, center.Lat+dLat))
	lng := math.Mod(center.Lng+dLng+540, 360) - 180
	return solar.Coordinate{Lng: lng, Lat: lat}
}

// Fleet returns n sites with ids starting at firstID, all scattered around center.
func Fleet(firstID int64, n int, center solar.Coordinate, spreadKm float64) []solar.Site {
	sites := make([]solar.Site, 0, n)
	for i := range n {
		sites = append(sites, NewSiteNear(firstID+int64(i), center, spreadKm))
	}
	return sites
}
