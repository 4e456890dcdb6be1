package correlate

import (
	"fmt"
	"strings"
	"time"

	"github.com/leadwise/attribution/internal/capture"
	"github.com/leadwise/attribution/internal/model"
)

// Method names recorded on correlation candidates.
const (
	MethodTokenExact      = "token_exact"
	MethodExactMatch      = "exact_match"
	MethodSocialSignal    = "social_signal"
	MethodPartialUA       = "partial_ua"
	MethodDeviceProfile   = "device_profile"
	MethodNetworkFallback = "network_fallback"
)

// Observation is the fingerprint observed on the inbound event side,
// optionally enriched from the device identity cache.
type Observation struct {
	IPAddress        string
	UserAgent        string
	Timezone         string
	ScreenResolution string
	ObservedAt       time.Time
}

// Matcher scores one session against an observation. A nil candidate
// means the matcher does not apply to that session.
type Matcher interface {
	Name() string
	// Primary matchers only consider sessions inside the primary window.
	Primary() bool
	// Ceiling is the highest score the matcher can ever produce; the
	// correlator skips a matcher once the running best reaches it.
	Ceiling(p Profile) int
	Score(p Profile, obs Observation, s *model.TrackingSession) (int, []string)
}

func defaultMatchers() []Matcher {
	return []Matcher{
		exactMatcher{},
		socialSignalMatcher{},
		partialUAMatcher{},
		deviceProfileMatcher{},
		networkFallbackMatcher{},
	}
}

// timeBonus rewards temporal proximity between click and message.
func timeBonus(p Profile, obs Observation, s *model.TrackingSession) (int, string) {
	dt := obs.ObservedAt.Sub(s.CreatedAt)
	if dt < 0 {
		dt = -dt
	}
	switch {
	case dt < time.Duration(p.TightWindowMinutes)*time.Minute:
		return p.TimeBonusTight, fmt.Sprintf("within_%dm", p.TightWindowMinutes)
	case dt < time.Duration(p.NearWindowMinutes)*time.Minute:
		return p.TimeBonusNear, fmt.Sprintf("within_%dm", p.NearWindowMinutes)
	}
	return 0, ""
}

var socialPlatforms = []string{
	"facebook", "instagram", "meta", "tiktok", "linkedin",
	"twitter", "youtube", "whatsapp", "fb", "ig",
}

// socialSource reports whether utm_source names a known social platform.
func socialSource(s *model.TrackingSession) bool {
	src := strings.ToLower(s.UTM.Source)
	if src == "" {
		return false
	}
	for _, platform := range socialPlatforms {
		if strings.Contains(src, platform) {
			return true
		}
	}
	return false
}

var clickMarkers = []string{"fbclid", "gclid", "ttclid", "wbraid", "msclkid"}

// hasClickMarker reports whether the session carries a platform click
// identifier in utm_content or the landing URL.
func hasClickMarker(s *model.TrackingSession) bool {
	haystack := strings.ToLower(s.UTM.Content + " " + s.LandingURL)
	for _, marker := range clickMarkers {
		if strings.Contains(haystack, marker) {
			return true
		}
	}
	return false
}

// paidOrSocial reports whether the session's traffic looks purchased.
func paidOrSocial(s *model.TrackingSession) bool {
	return s.UTM.IsPaid() || socialSource(s)
}

type exactMatcher struct{}

func (exactMatcher) Name() string  { return MethodExactMatch }
func (exactMatcher) Primary() bool { return true }
func (exactMatcher) Ceiling(p Profile) int {
	return p.ExactMatchBase + p.TimeBonusTight + p.PaidMediumBonus
}

func (m exactMatcher) Score(p Profile, obs Observation, s *model.TrackingSession) (int, []string) {
	if obs.IPAddress == "" || obs.UserAgent == "" {
		return 0, nil
	}
	if s.IPAddress != obs.IPAddress || s.UserAgent != obs.UserAgent {
		return 0, nil
	}
	score := p.ExactMatchBase
	factors := []string{"ip_exact", "ua_exact"}
	if b, f := timeBonus(p, obs, s); b > 0 {
		score += b
		factors = append(factors, f)
	}
	if paidOrSocial(s) {
		score += p.PaidMediumBonus
		factors = append(factors, "paid_traffic")
	}
	return score, factors
}

type socialSignalMatcher struct{}

func (socialSignalMatcher) Name() string  { return MethodSocialSignal }
func (socialSignalMatcher) Primary() bool { return false }
func (socialSignalMatcher) Ceiling(p Profile) int {
	return p.SocialSignalBase + p.SocialSourceBonus + p.ClickMarkerBonus + p.TimeBonusTight
}

func (m socialSignalMatcher) Score(p Profile, obs Observation, s *model.TrackingSession) (int, []string) {
	if obs.IPAddress == "" || s.IPAddress != obs.IPAddress {
		return 0, nil
	}
	social := socialSource(s)
	marker := hasClickMarker(s)
	if !social && !marker {
		return 0, nil
	}
	score := p.SocialSignalBase
	factors := []string{"ip_exact"}
	if social {
		score += p.SocialSourceBonus
		factors = append(factors, "social_source")
	}
	if marker {
		score += p.ClickMarkerBonus
		factors = append(factors, "click_marker")
	}
	if b, f := timeBonus(p, obs, s); b > 0 {
		score += b
		factors = append(factors, f)
	}
	return score, factors
}

type partialUAMatcher struct{}

func (partialUAMatcher) Name() string  { return MethodPartialUA }
func (partialUAMatcher) Primary() bool { return true }
func (partialUAMatcher) Ceiling(p Profile) int {
	return p.PartialUABase + p.TimeBonusTight + p.PaidMediumBonus
}

func (m partialUAMatcher) Score(p Profile, obs Observation, s *model.TrackingSession) (int, []string) {
	if obs.IPAddress == "" || s.IPAddress != obs.IPAddress {
		return 0, nil
	}
	if !capture.PartialUserAgentMatch(obs.UserAgent, s.UserAgent) {
		return 0, nil
	}
	score := p.PartialUABase
	factors := []string{"ip_exact", "ua_partial"}
	if b, f := timeBonus(p, obs, s); b > 0 {
		score += b
		factors = append(factors, f)
	}
	if paidOrSocial(s) {
		score += p.PaidMediumBonus
		factors = append(factors, "paid_traffic")
	}
	return score, factors
}

type deviceProfileMatcher struct{}

func (deviceProfileMatcher) Name() string  { return MethodDeviceProfile }
func (deviceProfileMatcher) Primary() bool { return false }
func (deviceProfileMatcher) Ceiling(p Profile) int {
	return p.DeviceProfileBase + p.TimeBonusTight
}

func (m deviceProfileMatcher) Score(p Profile, obs Observation, s *model.TrackingSession) (int, []string) {
	if obs.IPAddress == "" || obs.Timezone == "" || obs.ScreenResolution == "" {
		return 0, nil
	}
	if s.IPAddress != obs.IPAddress || s.Timezone != obs.Timezone || s.ScreenResolution != obs.ScreenResolution {
		return 0, nil
	}
	score := p.DeviceProfileBase
	factors := []string{"ip_exact", "timezone", "screen_resolution"}
	if b, f := timeBonus(p, obs, s); b > 0 {
		score += b
		factors = append(factors, f)
	}
	return score, factors
}

type networkFallbackMatcher struct{}

func (networkFallbackMatcher) Name() string  { return MethodNetworkFallback }
func (networkFallbackMatcher) Primary() bool { return false }
func (networkFallbackMatcher) Ceiling(p Profile) int {
	return p.NetworkFallbackBase + p.NetworkPaidBonus + p.TimeBonusTight
}

func (m networkFallbackMatcher) Score(p Profile, obs Observation, s *model.TrackingSession) (int, []string) {
	if obs.IPAddress == "" || s.IPAddress != obs.IPAddress {
		return 0, nil
	}
	score := p.NetworkFallbackBase
	factors := []string{"ip_exact"}
	// Paid-medium candidates outrank organic ones on the same IP.
	if s.UTM.IsPaid() {
		score += p.NetworkPaidBonus
		factors = append(factors, "paid_medium")
	}
	if b, f := timeBonus(p, obs, s); b > 0 {
		score += b
		factors = append(factors, f)
	}
	return score, factors
}
