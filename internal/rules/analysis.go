package rules

import (
	"math"
	"strings"
)

// Suspicious user-agent fragments seen in scripted fraud traffic.
var suspiciousAgents = []string{
	"curl", "wget", "python", "bot", "scraper", "headless", "phantomjs",
}

func suspiciousUserAgent(ua string) bool {
	lower := strings.ToLower(ua)
	for _, frag := range suspiciousAgents {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Anonymizing-network markers matched against the reported address or
// the reverse hostname a proxy layer stamped into it.
var anonNetworkMarkers = []string{"vpn", "proxy", "tor"}

func vpnOrProxy(ip string) bool {
	lower := strings.ToLower(ip)
	for _, marker := range anonNetworkMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func torExitNode(ip string) bool {
	return strings.Contains(strings.ToLower(ip), "tor")
}

// DeviceAnalysis aggregates device risk indicators into one score.
// Contributions: blacklisted device 0.8, new device 0.3, suspicious
// user agent 0.4; capped at 1.0.
func (e *Engine) DeviceAnalysis(deviceID, userAgent string, knownDevice bool) (float64, map[string]interface{}) {
	score := 0.0
	details := map[string]interface{}{
		"device_id": deviceID,
	}

	if deviceID != "" && e.blacklistDevices[deviceID] {
		score += 0.8
		details["blacklisted"] = true
	}
	if deviceID != "" && !knownDevice {
		score += 0.3
		details["new_device"] = true
	}
	if userAgent != "" && suspiciousUserAgent(userAgent) {
		score += 0.4
		details["suspicious_user_agent"] = true
	}

	score = math.Min(score, 1.0)
	details["risk_score"] = score
	return score, details
}

// NetworkAnalysis aggregates network risk indicators into one score.
// Contributions: blacklisted IP 0.7, high-risk country 0.5, VPN or
// proxy 0.4, Tor exit node 0.8; capped at 1.0.
func (e *Engine) NetworkAnalysis(ipAddress, country string) (float64, map[string]interface{}) {
	score := 0.0
	details := map[string]interface{}{
		"ip_address": ipAddress,
	}

	if ipAddress != "" && e.blacklistIPs[ipAddress] {
		score += 0.7
		details["blacklisted_ip"] = true
	}
	if country != "" && e.highRiskCountries[country] {
		score += 0.5
		details["high_risk_country"] = country
	}
	if ipAddress != "" && vpnOrProxy(ipAddress) {
		score += 0.4
		details["vpn_or_proxy"] = true
	}
	if ipAddress != "" && torExitNode(ipAddress) {
		score += 0.8
		details["tor_exit_node"] = true
	}

	score = math.Min(score, 1.0)
	details["risk_score"] = score
	return score, details
}
