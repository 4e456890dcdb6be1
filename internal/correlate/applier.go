package correlate

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/leadwise/attribution/internal/model"
	"github.com/leadwise/attribution/internal/phone"
	"github.com/leadwise/attribution/internal/store"
)

// ApplyStatus is the outcome of one applier call.
type ApplyStatus string

const (
	ApplyCreated  ApplyStatus = "created"
	ApplyEnriched ApplyStatus = "enriched"
	ApplySkipped  ApplyStatus = "skipped"
)

// ApplyResult reports what the applier did for one inbound contact.
type ApplyResult struct {
	Status    ApplyStatus                 `json:"status"`
	Phone     string                      `json:"phone"`
	Candidate *model.CorrelationCandidate `json:"candidate,omitempty"`
}

// ApplierStore is the slice of the store the applier writes through.
type ApplierStore interface {
	GetContact(ctx context.Context, phones []string) (*model.Contact, error)
	CreateContact(ctx context.Context, c *model.Contact) error
	EnrichContact(ctx context.Context, phone string, attr store.Attribution) (bool, error)
	TouchContact(ctx context.Context, phone, firstMessage, note string) error
	ConsumeSession(ctx context.Context, sessionID string) (bool, error)
	RekeyDevice(ctx context.Context, oldKey, newKey string) (bool, error)
}

// Applier merges a correlation candidate into the contact record and
// consumes the matched session. Every step is idempotent so at-least-once
// event delivery converges on the same contact state.
type Applier struct {
	store  ApplierStore
	phones *phone.Normalizer
	now    func() time.Time
}

func NewApplier(st ApplierStore, phones *phone.Normalizer) *Applier {
	return &Applier{
		store:  st,
		phones: phones,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Apply attributes one inbound contact. candidate may be nil, in which
// case a missing contact is created as organic with zero confidence.
// rawPhone is the channel identity as observed; firstMessage seeds the
// contact's first_message exactly once.
func (a *Applier) Apply(ctx context.Context, rawPhone, name, firstMessage string, candidate *model.CorrelationCandidate) (*ApplyResult, error) {
	canonical, err := a.phones.Canonical(rawPhone)
	if err != nil {
		return nil, eris.Wrap(err, "apply: normalize phone")
	}

	// Rekey the provisional device record before touching the contact so
	// the provenance below can reflect a successful device-cache hit.
	rekeyed := false
	if candidate != nil && candidate.ClickToken != "" {
		rekeyed, err = a.store.RekeyDevice(ctx, model.PendingDevicePrefix+candidate.ClickToken, canonical)
		if err != nil {
			return nil, eris.Wrap(err, "apply: rekey device")
		}
	}

	existing, err := a.store.GetContact(ctx, a.phones.Equivalents(canonical))
	if err != nil {
		return nil, eris.Wrap(err, "apply: resolve contact")
	}

	result := &ApplyResult{Phone: canonical, Candidate: candidate}
	switch {
	case existing == nil:
		contact := a.buildContact(canonical, name, firstMessage, candidate, rekeyed)
		if err := a.store.CreateContact(ctx, contact); err != nil {
			return nil, eris.Wrap(err, "apply: create contact")
		}
		result.Status = ApplyCreated

	case existing.Attributed():
		// Attribution already set: never overwrite, only leave an audit
		// trail of the candidate that was not applied.
		note := ""
		if candidate != nil {
			note = fmt.Sprintf("candidate not applied: session=%s method=%s score=%d",
				candidate.SessionID, candidate.Method, candidate.Score)
		}
		if err := a.store.TouchContact(ctx, existing.Phone, firstMessage, note); err != nil {
			return nil, eris.Wrap(err, "apply: touch contact")
		}
		result.Status = ApplySkipped

	default:
		if candidate == nil {
			if err := a.store.TouchContact(ctx, existing.Phone, firstMessage, ""); err != nil {
				return nil, eris.Wrap(err, "apply: touch contact")
			}
			result.Status = ApplySkipped
			break
		}
		applied, err := a.store.EnrichContact(ctx, existing.Phone, store.Attribution{
			CampaignID:      candidate.CampaignID,
			UTM:             candidate.UTM,
			TrackingMethod:  trackingMethodFor(candidate),
			ConfidenceScore: candidate.Score,
			Provenance:      provenanceFor(candidate, rekeyed),
		})
		if err != nil {
			return nil, eris.Wrap(err, "apply: enrich contact")
		}
		if err := a.store.TouchContact(ctx, existing.Phone, firstMessage, ""); err != nil {
			return nil, eris.Wrap(err, "apply: touch contact")
		}
		if applied {
			result.Status = ApplyEnriched
		} else {
			// A concurrent caller attributed the contact first.
			result.Status = ApplySkipped
		}
	}

	if candidate != nil {
		won, err := a.store.ConsumeSession(ctx, candidate.SessionID)
		if err != nil {
			return nil, eris.Wrap(err, "apply: consume session")
		}
		if !won {
			// Lost the compare-and-swap: another handler matched this
			// session. The contact writes above stand as is.
			zap.L().Warn("apply: session already consumed",
				zap.String("session_id", candidate.SessionID),
				zap.String("phone", canonical),
				zap.String("method", candidate.Method))
		}
	}
	return result, nil
}

func (a *Applier) buildContact(canonical, name, firstMessage string, candidate *model.CorrelationCandidate, rekeyed bool) *model.Contact {
	now := a.now()
	contact := &model.Contact{
		Phone:          canonical,
		Name:           name,
		TrackingMethod: model.TrackingOrganic,
		FirstMessage:   firstMessage,
		LastContactAt:  now,
		CreatedAt:      now,
	}
	if candidate != nil {
		contact.CampaignID = candidate.CampaignID
		contact.UTM = candidate.UTM
		contact.TrackingMethod = trackingMethodFor(candidate)
		contact.ConfidenceScore = candidate.Score
		contact.Provenance = provenanceFor(candidate, rekeyed)
	}
	return contact
}

// trackingMethodFor maps a candidate to the contact-facing method label.
func trackingMethodFor(c *model.CorrelationCandidate) model.TrackingMethod {
	if c.Method == MethodTokenExact {
		switch {
		case c.CampaignID != "":
			return model.TrackingCTWACampaign
		case c.UTM != (model.UTMParams{}):
			return model.TrackingUTMDirect
		default:
			return model.TrackingDirectClick
		}
	}
	return model.TrackingUTMCorrelation
}

func provenanceFor(c *model.CorrelationCandidate, rekeyed bool) []string {
	var prov []string
	if c.Method == MethodTokenExact {
		prov = append(prov, model.ProvenanceSessionCapture)
	} else {
		prov = append(prov, model.ProvenanceCorrelation)
	}
	if rekeyed {
		prov = append(prov, model.ProvenanceDeviceCache)
	}
	return prov
}
