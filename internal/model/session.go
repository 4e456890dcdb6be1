package model

import (
	"strings"
	"time"
)

// SessionStatus represents the lifecycle state of a tracking session.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionMatched SessionStatus = "matched"
	SessionExpired SessionStatus = "expired"
)

// PendingDevicePrefix keys a device identity record captured before the
// real phone is known. The record is rekeyed once a message arrives.
const PendingDevicePrefix = "PENDING_"

// UTMParams holds the standard campaign URL parameters.
type UTMParams struct {
	Source   string `json:"utm_source,omitempty"`
	Medium   string `json:"utm_medium,omitempty"`
	Campaign string `json:"utm_campaign,omitempty"`
	Content  string `json:"utm_content,omitempty"`
	Term     string `json:"utm_term,omitempty"`
}

// Complete reports whether all five UTM fields are populated.
func (u UTMParams) Complete() bool {
	return u.Source != "" && u.Medium != "" && u.Campaign != "" && u.Content != "" && u.Term != ""
}

// IsPaid reports whether the medium indicates paid traffic.
func (u UTMParams) IsPaid() bool {
	switch strings.ToLower(u.Medium) {
	case "cpc", "ppc", "paid", "paid_social", "cpm":
		return true
	}
	return false
}

// TrackingSession is one click/visit fingerprint captured at ad-click time.
type TrackingSession struct {
	ID                string        `json:"session_id"`
	DeviceFingerprint string        `json:"device_fingerprint,omitempty"`
	IPAddress         string        `json:"ip_address,omitempty"`
	UserAgent         string        `json:"user_agent,omitempty"`
	ScreenResolution  string        `json:"screen_resolution,omitempty"`
	Language          string        `json:"language,omitempty"`
	Timezone          string        `json:"timezone,omitempty"`
	Referrer          string        `json:"referrer,omitempty"`
	LandingURL        string        `json:"landing_url,omitempty"`
	CampaignID        string        `json:"campaign_id,omitempty"`
	UTM               UTMParams     `json:"utm"`
	ClickToken        string        `json:"click_token,omitempty"`
	GeoCountry        string        `json:"geo_country,omitempty"`
	GeoRegion         string        `json:"geo_region,omitempty"`
	Status            SessionStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
}

// DeviceIdentityRecord is a redundant device/network snapshot keyed by
// phone, or by PENDING_<click_token> until the phone is observed.
type DeviceIdentityRecord struct {
	IdentityKey      string    `json:"identity_key"`
	IPAddress        string    `json:"ip_address,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	Browser          string    `json:"browser,omitempty"`
	OS               string    `json:"os,omitempty"`
	DeviceType       string    `json:"device_type,omitempty"`
	ScreenResolution string    `json:"screen_resolution,omitempty"`
	Timezone         string    `json:"timezone,omitempty"`
	Language         string    `json:"language,omitempty"`
	UTM              UTMParams `json:"utm"`
	ClickToken       string    `json:"click_token,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Placeholder reports whether the record is still keyed by a click token
// rather than a real phone.
func (d DeviceIdentityRecord) Placeholder() bool {
	return strings.HasPrefix(d.IdentityKey, PendingDevicePrefix)
}
