// Package trustwrapper is the public API for embedding the TrustWrapper
// verification gateway.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := trustwrapper.New(
//	    trustwrapper.WithVersion(version),
//	    trustwrapper.WithLogger(logger),
//	    trustwrapper.WithSource(myExchangeFeed{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: trustwrapper (root)
// imports internal/*, but internal/* never imports the root. Public types
// (Request, Result, Quote, ...) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package trustwrapper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/shinrai-ai/trustwrapper/api"
	"github.com/shinrai-ai/trustwrapper/internal/attest"
	"github.com/shinrai-ai/trustwrapper/internal/audit"
	"github.com/shinrai-ai/trustwrapper/internal/auth"
	"github.com/shinrai-ai/trustwrapper/internal/cache"
	"github.com/shinrai-ai/trustwrapper/internal/config"
	"github.com/shinrai-ai/trustwrapper/internal/engine"
	"github.com/shinrai-ai/trustwrapper/internal/metrics"
	"github.com/shinrai-ai/trustwrapper/internal/model"
	"github.com/shinrai-ai/trustwrapper/internal/oracle"
	"github.com/shinrai-ai/trustwrapper/internal/ratelimit"
	"github.com/shinrai-ai/trustwrapper/internal/server"
	"github.com/shinrai-ai/trustwrapper/internal/telemetry"
	"github.com/shinrai-ai/trustwrapper/internal/verifier"
)

// Fan-out parameters for sources registered via WithSource that have no
// matching TW_ORACLE_SOURCES entry. A config entry for the same id overrides
// them.
const (
	defaultSourceWeight      = 1.0
	defaultSourceReliability = 0.9
	defaultSourceTimeout     = 2 * time.Second
)

// App is the TrustWrapper server lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	eng          *engine.Engine
	srv          *server.Server
	limiter      ratelimit.Limiter
	auditSink    audit.Sink
	otelShutdown func(context.Context) error
	clock        func() time.Time
	logger       *slog.Logger
	version      string
}

// New initialises the verification gateway. It loads config, wires all
// subsystems, and returns a ready-to-run App. It does NOT start any
// goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := o.clock
	if clock == nil {
		clock = time.Now
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("trustwrapper starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	rec, err := metrics.New(telemetry.Meter("trustwrapper"))
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("metrics: %w", err)
	}

	// One cache serves both verification results and oracle quotes; the key
	// prefixes keep the namespaces apart.
	store := cache.New(cfg.CacheCapacity,
		cache.WithErrorTTL(cfg.ErrorTTL),
		cache.WithClock(clock),
	)

	// Oracle sources: HTTP adapters from config, programmatic overrides and
	// additions from options.
	impls := make(map[string]oracle.Source, len(cfg.Sources)+len(o.sources))
	for _, spec := range cfg.Sources {
		if spec.URL == "" {
			continue
		}
		src, srcErr := oracle.NewHTTPSource(oracle.HTTPSourceConfig{
			ID:              spec.ID,
			URL:             spec.URL,
			PriceField:      spec.PriceField,
			ConfidenceField: spec.ConfidenceField,
			TimestampField:  spec.TimestampField,
		}, nil)
		if srcErr != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("oracle source %q: %w", spec.ID, srcErr)
		}
		impls[spec.ID] = src
	}
	for _, s := range o.sources {
		impls[s.ID()] = &sourceAdapter{src: s, clock: clock}
	}

	sourceCfgs := make([]oracle.SourceConfig, 0, len(cfg.Sources)+len(o.sources))
	seen := make(map[string]bool, len(cfg.Sources)+len(o.sources))
	for _, spec := range cfg.Sources {
		sourceCfgs = append(sourceCfgs, oracle.SourceConfig{
			ID:                  spec.ID,
			Weight:              spec.Weight,
			DeclaredReliability: spec.DeclaredReliability,
			Timeout:             time.Duration(spec.TimeoutMs) * time.Millisecond,
		})
		seen[spec.ID] = true
	}
	// Option sources without a config entry join the fan-out under default
	// weight and timeout.
	for _, s := range o.sources {
		if seen[s.ID()] {
			continue
		}
		sourceCfgs = append(sourceCfgs, oracle.SourceConfig{
			ID:                  s.ID(),
			Weight:              defaultSourceWeight,
			DeclaredReliability: defaultSourceReliability,
			Timeout:             defaultSourceTimeout,
		})
		seen[s.ID()] = true
	}

	var mgr *oracle.Manager
	if len(sourceCfgs) > 0 {
		mgr, err = oracle.NewManager(oracle.Config{
			MinSources:          cfg.MinSources,
			DevNormal:           cfg.DevNormal,
			DevWarn:             cfg.DevWarn,
			DevManip:            cfg.DevManip,
			StalenessLimit:      cfg.StalenessLimit,
			QuoteTTL:            cfg.QuoteTTL,
			FailedProbeCooldown: cfg.FailedProbeCooldown,
		}, logger, store, clock, impls, sourceCfgs)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("oracle: %w", err)
		}
		logger.Info("oracle: enabled", "sources", len(sourceCfgs), "min_sources", cfg.MinSources)
	} else {
		logger.Info("oracle: disabled (no sources configured)")
	}

	ver := verifier.New(verifier.Config{
		StaleAfter:           cfg.StaleAfter,
		PerformanceThreshold: cfg.PerformanceThreshold,
		WinRateTolerance:     cfg.WinRateTolerance,
		PositionCap:          cfg.PositionCap,
		SlippageLimit:        cfg.SlippageLimit,
		LeverageLimit:        cfg.LeverageLimit,
		DrawdownLimit:        cfg.DrawdownLimit,
		StopLossLimit:        cfg.StopLossLimit,
		MaxFractionDigits:    cfg.MaxFractionDigits,
		ProtocolDenyList:     cfg.ProtocolDenyList,
	})

	// Attestation — external override takes priority over the built-in
	// hash-commitment generator.
	var att attest.Attester
	if o.attester != nil {
		att = &attesterAdapter{a: o.attester}
	} else {
		var secret []byte
		if cfg.AttestationSecret != "" {
			secret = []byte(cfg.AttestationSecret)
		}
		att, err = attest.NewGenerator(secret)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("attest: %w", err)
		}
	}

	// Audit trail.
	var sink audit.Sink
	var reader server.AuditReader
	switch {
	case o.auditSink != nil:
		sink = &auditSinkAdapter{s: o.auditSink}
		logger.Info("audit trail: external sink")
	case cfg.AuditSink == "memory":
		ms := audit.NewMemorySink(cfg.AuditMemoryCap)
		sink, reader = ms, ms
		logger.Info("audit trail: memory ring", "capacity", cfg.AuditMemoryCap)
	case cfg.AuditSink == "sqlite":
		ss, sinkErr := audit.NewSQLiteSink(context.Background(), cfg.AuditDBPath)
		if sinkErr != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("audit: %w", sinkErr)
		}
		sink, reader = ss, ss
		logger.Info("audit trail: sqlite", "path", cfg.AuditDBPath)
	default:
		logger.Warn("audit trail: disabled", "risk", "SOC2 compliance checks will not pass")
	}

	eng := engine.New(engine.Config{
		MaxTotal:           cfg.MaxTotal,
		OverheadMargin:     cfg.OverheadMargin,
		MaxInflight:        cfg.MaxInflight,
		ResultTTL:          cfg.ResultTTL,
		FingerprintWindow:  cfg.FingerprintWindow,
		DevNormal:          cfg.DevNormal,
		RequiredCompliance: cfg.RequiredCompliance,
	}, logger, store, mgr, ver, att, rec, sink, clock)

	// Auth.
	keyring, err := auth.NewKeyring(cfg.APIKeys)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}
	if keyring.Empty() {
		logger.Warn("auth: disabled (no TW_API_KEYS configured)")
	}

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Engine:              eng,
		Metrics:             rec,
		JWTMgr:              jwtMgr,
		Keyring:             keyring,
		Logger:              logger,
		Limiter:             limiter,
		AuditReader:         reader,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxTotal:            cfg.MaxTotal,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		eng:          eng,
		srv:          srv,
		limiter:      limiter,
		auditSink:    sink,
		otelShutdown: otelShutdown,
		clock:        clock,
		logger:       logger,
		version:      version,
	}, nil
}

// Verify runs one verification in-process, without going through HTTP.
// Embedded consumers use this to wrap their own transports around the engine.
func (a *App) Verify(ctx context.Context, req Request) Result {
	res := a.eng.Verify(ctx, model.Request{
		RequestID:       req.RequestID,
		Kind:            model.Kind(req.Kind),
		Payload:         req.Payload,
		CreatedAt:       a.clock().UnixNano(),
		PreservePrivacy: req.PreservePrivacy,
		OracleSources:   req.OracleSources,
		Compliance:      req.Compliance,
	})
	return toPublicResult(res)
}

// Handler returns the root HTTP handler, for tests and custom servers.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Run starts the HTTP server and blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown is called automatically —
// callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then closes the audit sink, the
// rate limiter, and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("trustwrapper shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	if a.auditSink != nil {
		if err := a.auditSink.Close(); err != nil {
			a.logger.Error("audit sink close error", "error", err)
		}
	}
	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())

	a.logger.Info("trustwrapper stopped")
	return nil
}

// ── Public/internal boundary adapters ──────────────────────────────────────

// sourceAdapter lifts a public Source into the internal oracle contract.
type sourceAdapter struct {
	src   Source
	clock func() time.Time
}

func (a *sourceAdapter) ID() string { return a.src.ID() }

func (a *sourceAdapter) Fetch(ctx context.Context, pair string, at time.Time) (oracle.Quote, error) {
	q, err := a.src.Fetch(ctx, pair, at)
	if err != nil {
		return oracle.Quote{}, err
	}
	observed := q.ObservedAt
	if observed.IsZero() {
		observed = a.clock()
	}
	return oracle.Quote{
		SourceID:   a.src.ID(),
		Pair:       q.Pair,
		Price:      q.Price,
		Confidence: q.Confidence,
		ObservedAt: observed,
		ReceivedAt: a.clock(),
	}, nil
}

// attesterAdapter lifts a public Attester into the internal contract.
type attesterAdapter struct {
	a Attester
}

func (ad *attesterAdapter) Attest(ctx context.Context, view attest.View) (string, error) {
	return ad.a.Attest(ctx, AttestationView{
		RequestID:  view.RequestID,
		Status:     Status(view.Status),
		RiskGrade:  RiskGrade(view.RiskGrade),
		Compliance: view.Compliance,
	})
}

// auditSinkAdapter lifts a public AuditSink into the internal contract.
type auditSinkAdapter struct {
	s AuditSink
}

func (ad *auditSinkAdapter) Append(ctx context.Context, rec audit.Record) error {
	return ad.s.Append(ctx, AuditRecord{
		ID:              rec.ID,
		RequestID:       rec.RequestID,
		Kind:            Kind(rec.Kind),
		Status:          Status(rec.Status),
		RiskGrade:       RiskGrade(rec.RiskGrade),
		RiskScore:       rec.RiskScore,
		Violations:      rec.Violations,
		PreservePrivacy: rec.PreservePrivacy,
		Attested:        rec.Attested,
		CreatedAt:       rec.CreatedAt,
	})
}

func (ad *auditSinkAdapter) Close() error { return ad.s.Close() }

// toPublicResult converts the internal result to the public type.
func toPublicResult(r model.Result) Result {
	return Result{
		RequestID:       r.RequestID,
		Status:          Status(r.Status),
		Confidence:      r.Confidence,
		RiskGrade:       RiskGrade(r.RiskGrade),
		RiskScore:       r.RiskScore,
		Violations:      r.Violations,
		OracleHealth:    r.OracleHealth,
		LocalLatency:    r.LocalLatency,
		TotalLatency:    r.TotalLatency,
		Attestation:     r.Attestation,
		Recommendations: r.Recommendations,
		Compliance:      r.Compliance,
		Details:         r.Details,
	}
}
