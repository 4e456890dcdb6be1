// Package server exposes the attribution engine over HTTP: click
// capture, the inbound-event webhook, and the operator suggestion API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/leadwise/attribution/internal/capture"
	"github.com/leadwise/attribution/internal/config"
	"github.com/leadwise/attribution/internal/model"
	"github.com/leadwise/attribution/internal/phone"
	"github.com/leadwise/attribution/internal/ratelimit"
	"github.com/leadwise/attribution/internal/suggest"
	"github.com/leadwise/attribution/internal/webhook"
)

// StatsReader serves the dashboard counters.
type StatsReader interface {
	SessionStatusCounts(ctx context.Context) (map[model.SessionStatus]int, error)
	TrackingMethodCounts(ctx context.Context) (map[model.TrackingMethod]int, error)
}

// Server wires the engine components into an HTTP API.
type Server struct {
	cfg       config.ServerConfig
	capture   *capture.Service
	inbound   *webhook.Handler
	suggester *suggest.Engine
	limiter   *ratelimit.Limiter
	stats     StatsReader
}

func New(cfg config.ServerConfig, cap *capture.Service, inbound *webhook.Handler, suggester *suggest.Engine, limiter *ratelimit.Limiter, stats StatsReader) *Server {
	return &Server{
		cfg:       cfg,
		capture:   cap,
		inbound:   inbound,
		suggester: suggester,
		limiter:   limiter,
		stats:     stats,
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/t/click", s.handleClickRedirect)
	r.Post("/api/capture", s.handleCapture)
	r.Post("/webhook/inbound", s.handleInbound)
	r.Get("/api/suggestions", s.handleSuggestions)
	r.Post("/api/suggestions/apply", s.handleSuggestionApply)
	r.Get("/api/stats", s.handleStats)
	return r
}

// ListenAndServe runs the server until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	zap.L().Info("server: listening", zap.Int("port", s.cfg.Port))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleClickRedirect captures a campaign link click and bounces the
// visitor to the destination. Tracked links look like
// /t/click?campaign_id=..&utm_source=..&to=https%3A%2F%2Fexample.com.
func (s *Server) handleClickRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	click := capture.ClickContext{
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
		Language:   firstLanguage(r.Header.Get("Accept-Language")),
		Referrer:   r.Referer(),
		LandingURL: q.Get("to"),
		CampaignID: q.Get("campaign_id"),
		ClickToken: q.Get("click_token"),
		UTM:        utmFromQuery(q.Get),
	}

	if _, err := s.capture.Capture(r.Context(), click); err != nil {
		// The visitor still gets redirected; losing a session row must
		// not break the landing flow.
		zap.L().Error("server: click capture failed", zap.Error(err))
	}

	target := q.Get("to")
	if target == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// captureRequest is the JSON body of POST /api/capture, sent by the
// landing-page snippet which can read fingerprint fields the redirect
// endpoint cannot.
type captureRequest struct {
	DeviceFingerprint string          `json:"device_fingerprint"`
	ScreenResolution  string          `json:"screen_resolution"`
	Language          string          `json:"language"`
	Timezone          string          `json:"timezone"`
	Referrer          string          `json:"referrer"`
	LandingURL        string          `json:"landing_url"`
	CampaignID        string          `json:"campaign_id"`
	ClickToken        string          `json:"click_token"`
	UTM               model.UTMParams `json:"utm"`
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sess, err := s.capture.Capture(r.Context(), capture.ClickContext{
		DeviceFingerprint: req.DeviceFingerprint,
		IPAddress:         clientIP(r),
		UserAgent:         r.UserAgent(),
		ScreenResolution:  req.ScreenResolution,
		Language:          req.Language,
		Timezone:          req.Timezone,
		Referrer:          req.Referrer,
		LandingURL:        req.LandingURL,
		CampaignID:        req.CampaignID,
		ClickToken:        req.ClickToken,
		UTM:               req.UTM,
	})
	if err != nil {
		zap.L().Error("server: capture failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "capture failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sess.ID})
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiter.Allow(r.Context(), ip) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var ev model.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		zap.L().Warn("server: inbound payload rejected",
			zap.String("security", "validation_reject"),
			zap.String("remote_ip", ip),
			zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := ev.Validate(); err != nil {
		zap.L().Warn("server: inbound payload rejected",
			zap.String("security", "validation_reject"),
			zap.String("remote_ip", ip),
			zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev.RemoteIP = ip
	ev.UserAgent = r.UserAgent()
	ev.ReceivedAt = time.Now().UTC()

	res, err := s.inbound.Handle(r.Context(), &ev)
	if err != nil {
		if errors.Is(err, phone.ErrInvalidNumber) {
			zap.L().Warn("server: inbound identity rejected",
				zap.String("security", "validation_reject"),
				zap.String("remote_ip", ip),
				zap.String("message_id", ev.Message.MessageID),
				zap.Error(err))
			writeError(w, http.StatusBadRequest, "invalid remote identity")
			return
		}
		zap.L().Error("server: inbound event failed",
			zap.String("message_id", ev.Message.MessageID),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	window := 0
	if raw := r.URL.Query().Get("window"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = n
	}

	suggestions, err := s.suggester.Suggest(r.Context(), window, r.URL.Query().Get("lead_id"))
	if err != nil {
		zap.L().Error("server: suggestion scan failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "suggestion scan failed")
		return
	}
	if suggestions == nil {
		suggestions = []model.CorrelationSuggestion{}
	}
	writeJSON(w, http.StatusOK, suggestions)
}

type applyRequest struct {
	LeadID    string `json:"lead_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

func (s *Server) handleSuggestionApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.LeadID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "lead_id and session_id are required")
		return
	}

	res, err := s.suggester.Approve(r.Context(), req.LeadID, req.SessionID, req.Reason)
	if err != nil {
		zap.L().Error("server: suggestion apply failed",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.stats.SessionStatusCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	methods, err := s.stats.TrackingMethodCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":         sessions,
		"tracking_methods": methods,
	})
}

func utmFromQuery(get func(string) string) model.UTMParams {
	return model.UTMParams{
		Source:   get("utm_source"),
		Medium:   get("utm_medium"),
		Campaign: get("utm_campaign"),
		Content:  get("utm_content"),
		Term:     get("utm_term"),
	}
}

// clientIP trusts middleware.RealIP to have rewritten RemoteAddr from
// the forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// firstLanguage extracts the preferred tag from an Accept-Language value.
func firstLanguage(header string) string {
	if header == "" {
		return ""
	}
	first := strings.Split(header, ",")[0]
	return strings.TrimSpace(strings.Split(first, ";")[0])
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Error("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
