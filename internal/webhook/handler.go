package webhook

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/leadwise/attribution/internal/correlate"
	"github.com/leadwise/attribution/internal/model"
	"github.com/leadwise/attribution/internal/phone"
)

// Outcome summarizes what one inbound event caused.
type Outcome string

const (
	OutcomeIgnored  Outcome = "ignored"
	OutcomeCreated  Outcome = "created"
	OutcomeEnriched Outcome = "enriched"
	OutcomeSkipped  Outcome = "skipped"
)

// Result is returned to the HTTP layer for the response body.
type Result struct {
	Outcome   Outcome                     `json:"outcome"`
	Phone     string                      `json:"phone,omitempty"`
	Candidate *model.CorrelationCandidate `json:"candidate,omitempty"`
}

// DeviceReader looks up the cached device fingerprint for a phone.
type DeviceReader interface {
	GetDevice(ctx context.Context, identityKey string) (*model.DeviceIdentityRecord, error)
}

// Handler runs the full correlation pipeline for one inbound message:
// token extraction, deterministic then probabilistic matching, and
// idempotent attribution application.
type Handler struct {
	correlator *correlate.Correlator
	applier    *correlate.Applier
	devices    DeviceReader
	phones     *phone.Normalizer
}

func NewHandler(correlator *correlate.Correlator, applier *correlate.Applier, devices DeviceReader, phones *phone.Normalizer) *Handler {
	return &Handler{
		correlator: correlator,
		applier:    applier,
		devices:    devices,
		phones:     phones,
	}
}

// Handle processes one validated inbound event. Redelivery of the same
// event converges on the same contact state, so callers may retry.
func (h *Handler) Handle(ctx context.Context, ev *model.InboundEvent) (*Result, error) {
	if ev.Ignorable() {
		return &Result{Outcome: OutcomeIgnored}, nil
	}

	canonical, err := h.phones.Canonical(ev.RawPhone())
	if err != nil {
		return nil, eris.Wrap(err, "webhook: invalid remote identity")
	}

	candidate, err := h.resolve(ctx, canonical, ev)
	if err != nil {
		return nil, err
	}

	applied, err := h.applier.Apply(ctx, canonical, ev.Message.PushName, ev.Message.Text, candidate)
	if err != nil {
		return nil, err
	}
	return &Result{
		Outcome:   outcomeFor(applied.Status),
		Phone:     applied.Phone,
		Candidate: candidate,
	}, nil
}

// resolve picks the best correlation candidate for the event: an exact
// click-token match wins outright, otherwise the fingerprint matchers
// score the surrounding pending sessions.
func (h *Handler) resolve(ctx context.Context, canonical string, ev *model.InboundEvent) (*model.CorrelationCandidate, error) {
	if token := correlate.ExtractClickToken(ev.Message.Text); token != "" {
		candidate, err := h.correlator.MatchByToken(ctx, token)
		if err != nil {
			return nil, err
		}
		if candidate != nil {
			return candidate, nil
		}
		zap.L().Debug("webhook: click token did not resolve",
			zap.String("token", token),
			zap.String("phone", canonical))
	}

	obs := correlate.Observation{
		IPAddress:  ev.RemoteIP,
		UserAgent:  ev.UserAgent,
		ObservedAt: ev.ReceivedAt,
	}
	// A previously rekeyed device record fills in the fingerprint fields
	// the message channel cannot carry. Lookup failure is not fatal.
	if device, err := h.devices.GetDevice(ctx, canonical); err != nil {
		zap.L().Debug("webhook: device lookup failed", zap.Error(err))
	} else if device != nil {
		obs.Timezone = device.Timezone
		obs.ScreenResolution = device.ScreenResolution
		if obs.UserAgent == "" {
			obs.UserAgent = device.UserAgent
		}
		if obs.IPAddress == "" {
			obs.IPAddress = device.IPAddress
		}
	}
	return h.correlator.MatchByFingerprint(ctx, obs)
}

func outcomeFor(status correlate.ApplyStatus) Outcome {
	switch status {
	case correlate.ApplyCreated:
		return OutcomeCreated
	case correlate.ApplyEnriched:
		return OutcomeEnriched
	}
	return OutcomeSkipped
}
