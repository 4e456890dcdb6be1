package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/leadwise/attribution/internal/capture"
	"github.com/leadwise/attribution/internal/cleanup"
	"github.com/leadwise/attribution/internal/correlate"
	"github.com/leadwise/attribution/internal/phone"
	"github.com/leadwise/attribution/internal/ratelimit"
	"github.com/leadwise/attribution/internal/store"
	"github.com/leadwise/attribution/internal/suggest"
	"github.com/leadwise/attribution/internal/webhook"
	"github.com/leadwise/attribution/pkg/geoip"
)

// env holds the wired engine components shared by the serve, cleanup
// and suggest commands.
type env struct {
	Store      store.Store
	Capture    *capture.Service
	Correlator *correlate.Correlator
	Applier    *correlate.Applier
	Inbound    *webhook.Handler
	Suggester  *suggest.Engine
	Limiter    *ratelimit.Limiter
	Sweeper    *cleanup.Sweeper
}

func (e *env) Close() {
	_ = e.Store.Close()
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "attribution.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	profile := correlate.DefaultProfile()
	if cfg.Correlate.ProfilePath != "" {
		profile, err = correlate.LoadProfile(cfg.Correlate.ProfilePath)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	if cfg.Correlate.TokenWindowHours > 0 {
		profile.TokenWindowHours = cfg.Correlate.TokenWindowHours
	}

	var geo geoip.Client
	if cfg.GeoIP.BaseURL != "" {
		geo = geoip.NewClient(cfg.GeoIP.BaseURL,
			geoip.WithTimeout(time.Duration(cfg.GeoIP.TimeoutMS)*time.Millisecond),
			geoip.WithRateLimit(cfg.GeoIP.RatePerSec),
		)
	}

	phones := phone.New(cfg.Phone.DefaultCountryCode)
	correlator := correlate.New(st, profile)
	applier := correlate.NewApplier(st, phones)

	return &env{
		Store:      st,
		Capture:    capture.New(st, geo),
		Correlator: correlator,
		Applier:    applier,
		Inbound:    webhook.NewHandler(correlator, applier, st, phones),
		Suggester:  suggest.New(st, applier, suggest.WithConcurrency(cfg.Suggest.Concurrency)),
		Limiter: ratelimit.New(st, cfg.RateLimit.Requests,
			time.Duration(cfg.RateLimit.WindowSeconds)*time.Second),
		Sweeper: cleanup.New(st,
			time.Duration(cfg.Capture.SessionTTLHours)*time.Hour,
			time.Duration(cfg.Cleanup.RetentionDays)*24*time.Hour,
			time.Duration(cfg.Cleanup.IntervalMinutes)*time.Minute),
	}, nil
}
