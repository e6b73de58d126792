// Package geo resolves IP addresses to coordinates and computes the
// travel speed between sightings for impossible-travel detection.
package geo

import (
	"fmt"
	"math"
	"net"
	"time"

	"github.com/oschwald/geoip2-golang"
)

const earthRadiusKm = 6371.0

// Location is a resolved geographic position.
type Location struct {
	Latitude  float64
	Longitude float64
	Country   string
}

// Resolver maps IP addresses to locations using a MaxMind database.
// The zero-value Resolver (no database) resolves nothing; callers fall
// back to event-supplied coordinates.
type Resolver struct {
	db *geoip2.Reader
}

// NewResolver opens the MaxMind City database at path. An empty path
// returns a resolver that never resolves.
func NewResolver(path string) (*Resolver, error) {
	if path == "" {
		return &Resolver{}, nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &Resolver{db: db}, nil
}

// Resolve looks up an IP address. Returns false when the resolver has
// no database, the IP is invalid, or the lookup found nothing useful.
func (r *Resolver) Resolve(ipAddr string) (Location, bool) {
	if r.db == nil || ipAddr == "" {
		return Location{}, false
	}
	ip := net.ParseIP(ipAddr)
	if ip == nil {
		return Location{}, false
	}
	rec, err := r.db.City(ip)
	if err != nil || rec == nil {
		return Location{}, false
	}
	if rec.Location.Latitude == 0 && rec.Location.Longitude == 0 && rec.Country.IsoCode == "" {
		return Location{}, false
	}
	return Location{
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
		Country:   rec.Country.IsoCode,
	}, true
}

// Close releases the underlying database.
func (r *Resolver) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// HaversineKm returns the great-circle distance between two points.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// SpeedKmh returns the implied travel speed between two sightings.
// Returns +Inf for distinct points at identical or inverted
// timestamps, and 0 for identical points.
func SpeedKmh(lat1, lon1 float64, t1 time.Time, lat2, lon2 float64, t2 time.Time) float64 {
	dist := HaversineKm(lat1, lon1, lat2, lon2)
	if dist == 0 {
		return 0
	}
	hours := t2.Sub(t1).Hours()
	if hours <= 0 {
		return math.Inf(1)
	}
	return dist / hours
}
