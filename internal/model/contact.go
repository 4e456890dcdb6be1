package model

import "time"

// TrackingMethod describes how a contact's attribution was established.
type TrackingMethod string

const (
	TrackingOrganic        TrackingMethod = "organic"
	TrackingDirectClick    TrackingMethod = "direct_click"
	TrackingUTMDirect      TrackingMethod = "utm_direct"
	TrackingUTMCorrelation TrackingMethod = "utm_correlation"
	TrackingCTWACampaign   TrackingMethod = "ctwa_campaign"
)

// Provenance source tags recorded on a contact.
const (
	ProvenanceSessionCapture = "session_capture"
	ProvenanceDeviceCache    = "device_cache"
	ProvenanceCorrelation    = "correlation"
)

// Contact is the attribution target: one row per inbound phone identity.
type Contact struct {
	Phone           string         `json:"phone"`
	Name            string         `json:"name,omitempty"`
	CampaignID      string         `json:"campaign_id,omitempty"`
	UTM             UTMParams      `json:"utm"`
	TrackingMethod  TrackingMethod `json:"tracking_method"`
	ConfidenceScore int            `json:"confidence_score"`
	Provenance      []string       `json:"provenance,omitempty"`
	FirstMessage    string         `json:"first_message,omitempty"`
	LastContactAt   time.Time      `json:"last_contact_at"`
	Notes           []string       `json:"notes,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Attributed reports whether the contact already carries campaign
// attribution that a correlator must not overwrite.
func (c *Contact) Attributed() bool {
	if c.CampaignID != "" {
		return true
	}
	switch c.TrackingMethod {
	case "", TrackingOrganic:
		return false
	}
	return true
}
