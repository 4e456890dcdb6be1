package model

import "time"

// CorrelationCandidate is the ephemeral output of a correlator run.
type CorrelationCandidate struct {
	SessionID  string    `json:"session_id"`
	CampaignID string    `json:"campaign_id,omitempty"`
	UTM        UTMParams `json:"utm"`
	ClickToken string    `json:"click_token,omitempty"`
	Score      int       `json:"score"`
	Method     string    `json:"method"`
	Factors    []string  `json:"factors,omitempty"`
}

// ConfidenceBand buckets a retrospective suggestion score for operators.
type ConfidenceBand string

const (
	BandHigh   ConfidenceBand = "high"
	BandMedium ConfidenceBand = "medium"
	BandLow    ConfidenceBand = "low"
)

// CorrelationSuggestion is a ranked, human-approved attribution candidate
// produced by the retrospective engine. It is never applied automatically.
type CorrelationSuggestion struct {
	ContactPhone     string         `json:"contact_phone"`
	SessionID        string         `json:"session_id"`
	CampaignID       string         `json:"campaign_id,omitempty"`
	UTM              UTMParams      `json:"utm"`
	Score            float64        `json:"score"`
	Band             ConfidenceBand `json:"band"`
	Factors          []string       `json:"factors"`
	SessionCreatedAt time.Time      `json:"session_created_at"`
	ContactCreatedAt time.Time      `json:"contact_created_at"`
}
