package rules

import (
	"fmt"
	"math"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/geo"
)

func loginCatalogue() []loginRule {
	return []loginRule{
		{id: "new_device_login", eval: newDeviceLoginRule},
		{id: "impossible_travel", eval: impossibleTravelRule},
		{id: "failed_attempts", eval: failedAttemptsRule},
	}
}

// newDeviceLoginRule flags logins from a device the user has never
// used before.
func newDeviceLoginRule(e *Engine, ev *domain.LoginEvent, lc *LoginContext) *domain.FraudSignal {
	if ev.DeviceID == "" || lc.KnownDevice {
		return nil
	}
	return newSignal("new_device_login", domain.FraudAccountTakeover, 0.6, 0.8,
		fmt.Sprintf("Login from unrecognized device %s", ev.DeviceID),
		map[string]interface{}{"device_id": ev.DeviceID})
}

// impossibleTravelRule flags logins whose implied travel speed from
// the previous sighting exceeds the configured limit.
func impossibleTravelRule(e *Engine, ev *domain.LoginEvent, lc *LoginContext) *domain.FraudSignal {
	if !lc.HasLastGeo {
		return nil
	}

	var lat, lon float64
	switch {
	case ev.Latitude != nil && ev.Longitude != nil:
		lat, lon = *ev.Latitude, *ev.Longitude
	case lc.Location != nil:
		lat, lon = lc.Location.Latitude, lc.Location.Longitude
	default:
		return nil
	}

	speed := geo.SpeedKmh(lc.LastLat, lc.LastLon, lc.LastGeoAt, lat, lon, ev.Timestamp)
	if speed <= e.cfg.TravelSpeedKmh {
		return nil
	}

	evidence := map[string]interface{}{
		"speed_kmh":   speed,
		"limit_kmh":   e.cfg.TravelSpeedKmh,
		"distance_km": geo.HaversineKm(lc.LastLat, lc.LastLon, lat, lon),
	}
	if math.IsInf(speed, 1) {
		evidence["speed_kmh"] = "inf"
	}
	return newSignal("impossible_travel", domain.FraudAccountTakeover, 0.8, 0.9,
		"Login location unreachable from previous sighting", evidence)
}

// failedAttemptsRule flags logins preceded by repeated failures,
// scaling risk with the failure count.
func failedAttemptsRule(e *Engine, ev *domain.LoginEvent, lc *LoginContext) *domain.FraudSignal {
	threshold := e.cfg.FailedLoginThreshold
	if ev.FailedAttempts < threshold {
		return nil
	}
	risk := math.Min(float64(ev.FailedAttempts)/float64(threshold)*0.7, 0.9)
	return newSignal("failed_attempts", domain.FraudAccountTakeover, risk, 0.9,
		fmt.Sprintf("%d failed login attempts preceded this login", ev.FailedAttempts),
		map[string]interface{}{
			"failed_attempts": ev.FailedAttempts,
			"threshold":       threshold,
		})
}
