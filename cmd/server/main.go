package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/parabit/memgate/internal/authn"
	"github.com/parabit/memgate/internal/breaker"
	"github.com/parabit/memgate/internal/cfg"
	"github.com/parabit/memgate/internal/flags"
	"github.com/parabit/memgate/internal/httpserver"
	"github.com/parabit/memgate/internal/idempotency"
	"github.com/parabit/memgate/internal/log"
	"github.com/parabit/memgate/internal/memoryhttp"
	"github.com/parabit/memgate/internal/metrics"
	"github.com/parabit/memgate/internal/opshttp"
	"github.com/parabit/memgate/internal/otelx"
	"github.com/parabit/memgate/internal/pipeline"
	"github.com/parabit/memgate/internal/probe"
	"github.com/parabit/memgate/internal/prof"
	"github.com/parabit/memgate/internal/ratelimit"
	"github.com/parabit/memgate/internal/rbac"
	"github.com/parabit/memgate/internal/redact"
	"github.com/parabit/memgate/internal/upload"
	v "github.com/parabit/memgate/internal/version"
)

const appName = "memgate"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix MEMGATE_ and validate
	cfg.FillFromEnv(flag.CommandLine, "MEMGATE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", vi)

	// The redaction engine doubles as the log scrubber, so it exists
	// before the logger. Its hooks touch metrics only: a hook that logs
	// would re-enter the scrubber.
	engine := redact.NewEngine(redact.Options{
		FailClosedTier: redact.Tier(conf.FailClosedTier),
		Hooks: redact.Hooks{
			OnRedaction: func(detector string, tier redact.Tier) {
				m.IncRedaction(detector, int(tier))
			},
			OnDetectorError: func(detector string, tier redact.Tier, err error) {
				m.IncDetectorFailure(int(tier))
			},
			OnFailClosed: func(tier redact.Tier) {
				m.IncFailClosed(int(tier))
			},
		},
	})

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		Scrub:             engine.ScrubString,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"profile", conf.Profile,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"jwks_url", conf.JWKSURL,
		"jwt_issuer", conf.JWTIssuer,
		"policy_path", conf.PolicyPath,
		"redis_addr", conf.RedisAddr,
		"fail_closed_tier", conf.FailClosedTier,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	} else {
		m.SetProfilingActive(conf.EnablePyroscope)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Every deployment preset must compose the identical stage order.
	// A divergence is a build defect, refuse to start on it.
	if err := pipeline.VerifyProfileParity(func(p pipeline.Profile) *pipeline.Pipeline {
		return pipeline.New(pipeline.Options{
			Redactor: redact.NewEngine(redact.Options{FailClosedTier: p.FailClosedTier}),
			Uploads:  upload.NewValidator(upload.Options{Limits: p.Limits}),
			Flags:    flags.New(p.Flags),
		})
	}); err != nil {
		L.Error(ctx, err, "profile parity check failed")
		os.Exit(1)
	}
	profile, err := pipeline.ProfileByName(conf.Profile)
	if err != nil {
		L.Error(ctx, err, "unknown profile", "profile", conf.Profile)
		os.Exit(1)
	}

	// Load the permission policy, pinned to the baseline hash outside dev
	policy, err := rbac.Load(conf.PolicyPath, conf.PolicyBaselineHash)
	if err != nil {
		L.Error(ctx, err, "policy load failed", "policy_path", conf.PolicyPath)
		os.Exit(1)
	}
	m.SetPolicyHash(policy.Hash())
	L.Info(ctx, "policy loaded", "policy_hash", policy.Hash(), "roles", policy.Roles())
	authorizer := rbac.NewAuthorizer(policy, L)

	// Token verification keyring and resolver
	keyring, err := authn.NewKeyring(authn.KeyringOptions{
		URL:          conf.JWKSURL,
		TTL:          conf.KeyCacheTTL,
		NegativeTTL:  conf.NegativeKeyTTL,
		FetchTimeout: conf.KeyFetchTimeout,
		FetchTries:   conf.KeyFetchTries,
		Hooks: authn.KeyringHooks{
			OnCacheHit:    m.IncKeyCacheHit,
			OnCacheMiss:   m.IncKeyCacheMiss,
			OnNegativeHit: m.IncKeyCacheNegativeHit,
			OnFetchError: func(err error) {
				m.IncKeyFetchError()
				L.Error(ctx, err, "verification key fetch failed")
			},
		},
	})
	if err != nil {
		L.Error(ctx, err, "keyring init failed", "jwks_url", conf.JWKSURL)
		os.Exit(1)
	}
	resolver, err := authn.NewResolver(authn.ResolverOptions{
		Keyring:   keyring,
		Issuer:    conf.JWTIssuer,
		Audience:  conf.JWTAudience,
		ClockSkew: conf.ClockSkew,
		Inherits:  policy.Inherits(),
	})
	if err != nil {
		L.Error(ctx, err, "resolver init failed")
		os.Exit(1)
	}

	// Runtime enforce/log-only toggles, seeded from config
	fset := flags.New(map[string]bool{
		flags.ArchiveBlocking:     conf.EnforceArchiveBlocking,
		flags.RedactionFailClosed: conf.EnforceRedactionFailClosed,
	})

	validator := upload.NewValidator(upload.Options{
		Limits: upload.Limits{
			MaxParts:        conf.MaxParts,
			MaxPartBytes:    conf.MaxPartBytes,
			MaxRequestBytes: conf.MaxRequestBytes,
			Archive: upload.ArchiveLimits{
				MaxEntries: conf.ArchiveMaxEntries,
				MaxRatio:   conf.ArchiveMaxRatio,
			},
		},
		Hooks: upload.Hooks{
			OnRejected: func(reason upload.Reason) {
				m.IncMultipartRejection(string(reason))
			},
			OnLogOnly: func(reason upload.Reason, partName string) {
				m.IncMultipartLogOnly(string(reason))
				L.Warn(ctx, "multipart check downgraded to log-only", "reason", string(reason), "part", partName)
			},
		},
		ArchiveEnforce: func() bool { return fset.Enforced(flags.ArchiveBlocking) },
	})

	// Shared idempotency store is optional. Without redis the local
	// per-instance store is primary and replay is best effort.
	var shared idempotency.Store
	var brk *breaker.Breaker
	if conf.RedisAddr != "" {
		shared = idempotency.NewRedisStore(redis.NewClient(&redis.Options{Addr: conf.RedisAddr}))
		brk = breaker.New(breaker.Options{
			Threshold: conf.BreakerThreshold,
			Window:    conf.BreakerWindow,
			Cooldown:  conf.BreakerCooldown,
			OnStateChange: func(from, to breaker.State) {
				m.SetBreakerState(to.String())
				L.Warn(ctx, "idempotency store breaker transition", "from", from.String(), "to", to.String())
			},
		})
		L.Info(ctx, "using shared idempotency store", "redis_addr", conf.RedisAddr)
	} else {
		L.Info(ctx, "no shared idempotency store configured, using local store only")
	}
	manager := idempotency.NewManager(idempotency.ManagerOptions{
		Shared:  shared,
		TTL:     conf.IdempotencyTTL,
		Timeout: conf.StoreTimeout,
		Breaker: brk,
		Logger:  L,
		Hooks: idempotency.Hooks{
			OnReplay:   m.IncIdempotencyReplay,
			OnFallback: m.IncIdempotencyFallback,
		},
	})

	pl := pipeline.New(pipeline.Options{
		Resolver:        resolver,
		Authorizer:      authorizer,
		Redactor:        engine,
		Uploads:         validator,
		Idempotency:     manager,
		Flags:           fset,
		Metrics:         m,
		Logger:          L,
		MaxRequestBytes: conf.MaxRequestBytes,
	})
	L.Info(ctx, "pipeline composed", "stage_fingerprint", pl.Fingerprint(), "stages", pl.Stages())

	api := memoryhttp.NewAPI(L)

	// setup toggle for server shutdown
	var gate probe.ShutdownGate
	readiness := probe.Multi(gate.Probe())

	// Per-client pre-check limiter
	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// start gateway http server
	gatewayStop, err := httpserver.Start(ctx, httpserver.Options{
		Port:         conf.HTTPPort,
		Logger:       L,
		Health:       probe.Static(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		MaxBodyBytes: conf.MaxRequestBytes,
		APIRoutes: func(r chi.Router) {
			api.RegisterRoutes(r, pl.Wrap)
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start gateway http listener")
		os.Exit(1)
	}
	defer func() { _ = gatewayStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and the config view
	// sg restricts inbound to internal monitoring infrastructure
	// we reject connections from public ips in middleware to prevent accidental
	// exposure if sg is misconfigured or a load balancer ever sends traffic there
	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      probe.Static(true, ""),
		Readiness:   readiness,
		Config: func() opshttp.ConfigView {
			lim := validator.Limits()
			return opshttp.ConfigView{
				Profile:           profile.Name,
				StageFingerprint:  pl.Fingerprint(),
				MaxParts:          lim.MaxParts,
				MaxPartBytes:      lim.MaxPartBytes,
				MaxRequestBytes:   lim.MaxRequestBytes,
				ArchiveMaxEntries: lim.Archive.MaxEntries,
				ArchiveMaxRatio:   lim.Archive.MaxRatio,
				FailClosedTier:    conf.FailClosedTier,
				PolicyHash:        policy.Hash(),
				IdempotencyTTL:    manager.TTL().String(),
				Flags:             fset.Snapshot(),
			}
		},
		Flags: fset,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness checks to drain connections
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// wait for in-flight requests to finish and for the load balancer to
	// observe the unreadiness and stop sending new requests
	L.Info(context.Background(), "sleeping 60s for in-flight and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(60 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := gatewayStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "gateway http server shutdown")
	}

	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
