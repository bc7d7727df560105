package cfg

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/parabit/memgate/internal/log"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	Profile string

	// authentication
	JWKSURL         string
	JWTIssuer       string
	JWTAudience     string
	ClockSkew       time.Duration
	KeyCacheTTL     time.Duration
	NegativeKeyTTL  time.Duration
	KeyFetchTimeout time.Duration
	KeyFetchTries   int

	// authorization
	PolicyPath         string
	PolicyBaselineHash string

	// redaction
	FailClosedTier int

	// multipart
	MaxParts          int
	MaxPartBytes      int64
	MaxRequestBytes   int64
	ArchiveMaxEntries int
	ArchiveMaxRatio   float64

	// idempotency
	RedisAddr        string
	IdempotencyTTL   time.Duration
	StoreTimeout     time.Duration
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration

	// feature flag defaults (enforce vs log-only)
	EnforceArchiveBlocking     bool
	EnforceRedactionFailClosed bool

	// per-client pre-check limiter
	RateLimitRPS   float64
	RateLimitBurst int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.Profile, "profile", "dev", "deployment profile (dev|staging|prod)")

	fs.StringVar(&c.JWKSURL, "jwks-url", "", "HTTP(S) endpoint serving the token verification key set")
	fs.StringVar(&c.JWTIssuer, "jwt-issuer", "", "required token issuer")
	fs.StringVar(&c.JWTAudience, "jwt-audience", "memgate", "required token audience")
	fs.DurationVar(&c.ClockSkew, "clock-skew", 120*time.Second, "allowed clock skew for token time claims")
	fs.DurationVar(&c.KeyCacheTTL, "key-cache-ttl", 5*time.Minute, "verification key cache TTL")
	fs.DurationVar(&c.NegativeKeyTTL, "negative-key-ttl", 5*time.Minute, "unknown key id negative cache TTL")
	fs.DurationVar(&c.KeyFetchTimeout, "key-fetch-timeout", 5*time.Second, "per-attempt key set fetch timeout")
	fs.IntVar(&c.KeyFetchTries, "key-fetch-tries", 3, "key set fetch attempts before failing closed")

	fs.StringVar(&c.PolicyPath, "policy-path", "policy.yaml", "permission policy file path")
	fs.StringVar(&c.PolicyBaselineHash, "policy-baseline-hash", "", "expected sha256 of the policy file (required outside dev)")

	fs.IntVar(&c.FailClosedTier, "fail-closed-tier", 3, "redaction tier at or above which emission is blocked (1..3)")

	fs.IntVar(&c.MaxParts, "max-parts", 64, "max parts per multipart request")
	fs.Int64Var(&c.MaxPartBytes, "max-part-bytes", 8<<20, "max bytes per multipart part")
	fs.Int64Var(&c.MaxRequestBytes, "max-request-bytes", 32<<20, "max total multipart bytes per request")
	fs.IntVar(&c.ArchiveMaxEntries, "archive-max-entries", 1024, "max entries in an accepted archive")
	fs.Float64Var(&c.ArchiveMaxRatio, "archive-max-ratio", 100, "max decompressed/compressed ratio for accepted archives")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "shared idempotency store address (host:port); empty uses the local store only")
	fs.DurationVar(&c.IdempotencyTTL, "idempotency-ttl", 24*time.Hour, "idempotency record TTL")
	fs.DurationVar(&c.StoreTimeout, "store-timeout", 2*time.Second, "per-operation idempotency store timeout")
	fs.IntVar(&c.BreakerThreshold, "breaker-threshold", 10, "consecutive store failures that open the breaker")
	fs.DurationVar(&c.BreakerWindow, "breaker-window", 30*time.Second, "rolling window for the failure streak")
	fs.DurationVar(&c.BreakerCooldown, "breaker-cooldown", 15*time.Second, "open-state cooldown before a recovery probe")

	fs.BoolVar(&c.EnforceArchiveBlocking, "enforce-archive-blocking", true, "enforce (true) or log-only (false) archive blocking on text endpoints")
	fs.BoolVar(&c.EnforceRedactionFailClosed, "enforce-redaction-fail-closed", true, "enforce (true) or log-only (false) the redaction fail-closed policy")

	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 50, "per-client request rate limit")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 100, "per-client burst allowance")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	switch c.Profile {
	case "dev", "staging", "prod":
	default:
		errs = append(errs, fmt.Errorf("invalid PROFILE %q (must be dev|staging|prod)", c.Profile))
	}

	// Authentication
	if c.JWKSURL == "" {
		errs = append(errs, fmt.Errorf("JWKS_URL is required"))
	} else if u, err := url.Parse(c.JWKSURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("JWKS_URL must be a URL (got %q)", c.JWKSURL))
	}
	if c.JWTIssuer == "" {
		errs = append(errs, fmt.Errorf("JWT_ISSUER is required"))
	}
	if c.JWTAudience == "" {
		errs = append(errs, fmt.Errorf("JWT_AUDIENCE is required"))
	}
	if c.ClockSkew < 0 || c.ClockSkew > 10*time.Minute {
		errs = append(errs, fmt.Errorf("CLOCK_SKEW must be 0..10m (got %s)", c.ClockSkew))
	}
	if c.KeyCacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("KEY_CACHE_TTL must be positive (got %s)", c.KeyCacheTTL))
	}
	if c.NegativeKeyTTL <= 0 {
		errs = append(errs, fmt.Errorf("NEGATIVE_KEY_TTL must be positive (got %s)", c.NegativeKeyTTL))
	}
	if c.KeyFetchTries < 1 {
		errs = append(errs, fmt.Errorf("KEY_FETCH_TRIES must be >= 1 (got %d)", c.KeyFetchTries))
	}

	// Authorization
	if c.PolicyPath == "" {
		errs = append(errs, fmt.Errorf("POLICY_PATH is required"))
	}
	if c.PolicyBaselineHash != "" {
		if raw, err := hex.DecodeString(c.PolicyBaselineHash); err != nil || len(raw) != 32 {
			errs = append(errs, fmt.Errorf("POLICY_BASELINE_HASH must be 64 hex chars (got %q)", c.PolicyBaselineHash))
		}
	}
	// A silently drifted policy is a release failure, not a dev nuisance.
	if c.Profile != "dev" && c.PolicyBaselineHash == "" {
		errs = append(errs, fmt.Errorf("POLICY_BASELINE_HASH is required when PROFILE=%s", c.Profile))
	}

	// Redaction
	if c.FailClosedTier < 1 || c.FailClosedTier > 3 {
		errs = append(errs, fmt.Errorf("FAIL_CLOSED_TIER must be 1..3 (got %d)", c.FailClosedTier))
	}

	// Multipart
	if c.MaxParts < 1 {
		errs = append(errs, fmt.Errorf("MAX_PARTS must be >= 1 (got %d)", c.MaxParts))
	}
	if c.MaxPartBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_PART_BYTES must be >= 1 (got %d)", c.MaxPartBytes))
	}
	if c.MaxRequestBytes < c.MaxPartBytes {
		errs = append(errs, fmt.Errorf("MAX_REQUEST_BYTES %d must be >= MAX_PART_BYTES %d", c.MaxRequestBytes, c.MaxPartBytes))
	}
	if c.ArchiveMaxEntries < 1 {
		errs = append(errs, fmt.Errorf("ARCHIVE_MAX_ENTRIES must be >= 1 (got %d)", c.ArchiveMaxEntries))
	}
	if c.ArchiveMaxRatio < 1 {
		errs = append(errs, fmt.Errorf("ARCHIVE_MAX_RATIO must be >= 1 (got %.1f)", c.ArchiveMaxRatio))
	}

	// Idempotency
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, fmt.Errorf("IDEMPOTENCY_TTL must be positive (got %s)", c.IdempotencyTTL))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STORE_TIMEOUT must be positive (got %s)", c.StoreTimeout))
	}
	if c.BreakerThreshold < 1 {
		errs = append(errs, fmt.Errorf("BREAKER_THRESHOLD must be >= 1 (got %d)", c.BreakerThreshold))
	}

	// Rate limiter
	if c.RateLimitRPS <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be positive (got %.1f)", c.RateLimitRPS))
	}
	if c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be >= 1 (got %d)", c.RateLimitBurst))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
