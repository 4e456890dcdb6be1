package correlate

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Profile holds the tunable scoring knobs for the correlation engine.
// Base scores and bonuses mirror the production defaults; operators can
// override them through a YAML file without recompiling.
type Profile struct {
	// TokenWindowHours bounds the deterministic click-token lookup.
	TokenWindowHours int `yaml:"token_window_hours"`

	// AcceptThreshold is the minimum final score an automatic
	// attribution requires.
	AcceptThreshold int `yaml:"accept_threshold"`

	// Matcher base scores, in evaluation order.
	ExactMatchBase      int `yaml:"exact_match_base"`
	SocialSignalBase    int `yaml:"social_signal_base"`
	PartialUABase       int `yaml:"partial_ua_base"`
	DeviceProfileBase   int `yaml:"device_profile_base"`
	NetworkFallbackBase int `yaml:"network_fallback_base"`

	// Candidate windows around the inbound event timestamp. Primary
	// matchers only see sessions within the primary window; secondary
	// matchers see the wider one.
	PrimaryWindowMinutes   int `yaml:"primary_window_minutes"`
	SecondaryWindowMinutes int `yaml:"secondary_window_minutes"`

	// Time-proximity bonuses shared by the matchers.
	TimeBonusTight     int `yaml:"time_bonus_tight"`      // under TightWindowMinutes
	TimeBonusNear      int `yaml:"time_bonus_near"`       // under NearWindowMinutes
	TightWindowMinutes int `yaml:"tight_window_minutes"`
	NearWindowMinutes  int `yaml:"near_window_minutes"`

	PaidMediumBonus   int `yaml:"paid_medium_bonus"`
	SocialSourceBonus int `yaml:"social_source_bonus"`
	ClickMarkerBonus  int `yaml:"click_marker_bonus"`

	// NetworkPaidBonus rewards paid-medium candidates in the IP-only
	// fallback matcher.
	NetworkPaidBonus int `yaml:"network_paid_bonus"`

	// UTMCompletenessBonus is added to the winning candidate when its
	// session carries all five UTM parameters.
	UTMCompletenessBonus int `yaml:"utm_completeness_bonus"`
}

// DefaultProfile returns the production scoring defaults.
func DefaultProfile() Profile {
	return Profile{
		TokenWindowHours:       24,
		AcceptThreshold:        60,
		ExactMatchBase:         95,
		SocialSignalBase:       85,
		PartialUABase:          85,
		DeviceProfileBase:      80,
		NetworkFallbackBase:    70,
		PrimaryWindowMinutes:   30,
		SecondaryWindowMinutes: 120,
		TimeBonusTight:         5,
		TimeBonusNear:          3,
		TightWindowMinutes:     5,
		NearWindowMinutes:      15,
		PaidMediumBonus:        2,
		SocialSourceBonus:      3,
		ClickMarkerBonus:       2,
		NetworkPaidBonus:       3,
		UTMCompletenessBonus:   2,
	}
}

// LoadProfile reads a YAML profile from path, layering it over the
// defaults so partial files stay valid.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, eris.Wrap(err, "correlate: read profile")
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return p, eris.Wrap(err, "correlate: parse profile")
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate rejects profiles that could never attribute anything or
// that would overflow the confidence scale before clamping.
func (p Profile) Validate() error {
	if p.AcceptThreshold < 0 || p.AcceptThreshold > 100 {
		return eris.Errorf("correlate: accept_threshold %d out of range", p.AcceptThreshold)
	}
	if p.TokenWindowHours <= 0 {
		return eris.Errorf("correlate: token_window_hours must be positive, got %d", p.TokenWindowHours)
	}
	if p.PrimaryWindowMinutes <= 0 || p.SecondaryWindowMinutes < p.PrimaryWindowMinutes {
		return eris.Errorf("correlate: candidate windows %d/%d invalid", p.PrimaryWindowMinutes, p.SecondaryWindowMinutes)
	}
	for _, base := range []int{p.ExactMatchBase, p.SocialSignalBase, p.PartialUABase, p.DeviceProfileBase, p.NetworkFallbackBase} {
		if base <= 0 || base > 100 {
			return eris.Errorf("correlate: matcher base score %d out of range", base)
		}
	}
	return nil
}
