package cfg

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

// validArgs is the minimal set of flags a deployable config needs on
// top of the defaults.
func validArgs(extra ...string) []string {
	return append([]string{
		"-jwks-url=https://auth.internal/jwks.json",
		"-jwt-issuer=https://auth.internal",
	}, extra...)
}

func TestRegister_Defaults(t *testing.T) {
	c := newTestConfig(t, nil)

	if !c.LogJSON {
		t.Error("LogJSON: want true")
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel: want %q, got %q", "info", c.LogLevel)
	}
	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort: want 8080, got %d", c.HTTPPort)
	}
	if c.AdminPort != 9000 {
		t.Errorf("AdminPort: want 9000, got %d", c.AdminPort)
	}
	if !c.EnablePprof {
		t.Error("EnablePprof: want true")
	}
	if c.EnablePyroscope {
		t.Error("EnablePyroscope: want false")
	}
	if c.EnableTracing {
		t.Error("EnableTracing: want false")
	}
	if c.Profile != "dev" {
		t.Errorf("Profile: want dev, got %q", c.Profile)
	}
	if c.ClockSkew != 120*time.Second {
		t.Errorf("ClockSkew: want 120s, got %s", c.ClockSkew)
	}
	if c.KeyCacheTTL != 5*time.Minute {
		t.Errorf("KeyCacheTTL: want 5m, got %s", c.KeyCacheTTL)
	}
	if c.FailClosedTier != 3 {
		t.Errorf("FailClosedTier: want 3, got %d", c.FailClosedTier)
	}
	if c.MaxParts != 64 {
		t.Errorf("MaxParts: want 64, got %d", c.MaxParts)
	}
	if c.MaxPartBytes != 8<<20 {
		t.Errorf("MaxPartBytes: want %d, got %d", int64(8<<20), c.MaxPartBytes)
	}
	if c.IdempotencyTTL != 24*time.Hour {
		t.Errorf("IdempotencyTTL: want 24h, got %s", c.IdempotencyTTL)
	}
	if c.BreakerThreshold != 10 {
		t.Errorf("BreakerThreshold: want 10, got %d", c.BreakerThreshold)
	}
	if !c.EnforceArchiveBlocking {
		t.Error("EnforceArchiveBlocking: want true")
	}
	if !c.EnforceRedactionFailClosed {
		t.Error("EnforceRedactionFailClosed: want true")
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	c := newTestConfig(t, []string{
		"-log-json=false",
		"-log-level=debug",
		"-http-port=9090",
		"-admin-port=9100",
		"-profile=staging",
		"-jwks-url=https://keys.example/jwks.json",
		"-jwt-issuer=https://issuer.example",
		"-jwt-audience=gateway",
		"-clock-skew=90s",
		"-fail-closed-tier=2",
		"-max-parts=8",
		"-max-part-bytes=1048576",
		"-redis-addr=redis:6379",
		"-idempotency-ttl=1h",
		"-breaker-threshold=5",
		"-enforce-archive-blocking=false",
	})

	if c.LogJSON {
		t.Error("LogJSON: want false")
	}
	if c.Profile != "staging" {
		t.Errorf("Profile: want staging, got %q", c.Profile)
	}
	if c.JWKSURL != "https://keys.example/jwks.json" {
		t.Errorf("JWKSURL: got %q", c.JWKSURL)
	}
	if c.JWTAudience != "gateway" {
		t.Errorf("JWTAudience: got %q", c.JWTAudience)
	}
	if c.ClockSkew != 90*time.Second {
		t.Errorf("ClockSkew: got %s", c.ClockSkew)
	}
	if c.FailClosedTier != 2 {
		t.Errorf("FailClosedTier: got %d", c.FailClosedTier)
	}
	if c.MaxParts != 8 {
		t.Errorf("MaxParts: got %d", c.MaxParts)
	}
	if c.MaxPartBytes != 1048576 {
		t.Errorf("MaxPartBytes: got %d", c.MaxPartBytes)
	}
	if c.RedisAddr != "redis:6379" {
		t.Errorf("RedisAddr: got %q", c.RedisAddr)
	}
	if c.IdempotencyTTL != time.Hour {
		t.Errorf("IdempotencyTTL: got %s", c.IdempotencyTTL)
	}
	if c.BreakerThreshold != 5 {
		t.Errorf("BreakerThreshold: got %d", c.BreakerThreshold)
	}
	if c.EnforceArchiveBlocking {
		t.Error("EnforceArchiveBlocking: want false")
	}
}

func TestFillFromEnv(t *testing.T) {
	pfx := "TESTCFG_"
	t.Setenv(pfx+"LOG_JSON", "false")
	t.Setenv(pfx+"LOG_LEVEL", "debug")
	t.Setenv(pfx+"HTTP_PORT", "8088")
	t.Setenv(pfx+"JWKS_URL", "https://keys.env/jwks.json")
	t.Setenv(pfx+"CLOCK_SKEW", "60s")
	t.Setenv(pfx+"FAIL_CLOSED_TIER", "1")
	t.Setenv(pfx+"REDIS_ADDR", "redis-env:6379")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	FillFromEnv(fs, pfx, nil)

	if c.LogJSON {
		t.Error("LogJSON: want false from env")
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want %q, got %q", "debug", c.LogLevel)
	}
	if c.HTTPPort != 8088 {
		t.Errorf("HTTPPort: want 8088, got %d", c.HTTPPort)
	}
	if c.JWKSURL != "https://keys.env/jwks.json" {
		t.Errorf("JWKSURL: got %q", c.JWKSURL)
	}
	if c.ClockSkew != time.Minute {
		t.Errorf("ClockSkew: got %s", c.ClockSkew)
	}
	if c.FailClosedTier != 1 {
		t.Errorf("FailClosedTier: got %d", c.FailClosedTier)
	}
	if c.RedisAddr != "redis-env:6379" {
		t.Errorf("RedisAddr: got %q", c.RedisAddr)
	}
}

func TestFillFromEnv_CLITakesPrecedence(t *testing.T) {
	pfx := "TESTCFG2_"
	t.Setenv(pfx+"HTTP_PORT", "7777")
	t.Setenv(pfx+"LOG_LEVEL", "warn")
	t.Setenv(pfx+"ENABLE_PPROF", "false")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-http-port=9090", "-log-level=debug", "-enable-pprof=true"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var overrideMessages []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		overrideMessages = append(overrideMessages, fmt.Sprintf(format, args...))
	})

	// CLI wins
	if c.HTTPPort != 9090 {
		t.Errorf("HTTPPort: want 9090 (cli), got %d", c.HTTPPort)
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want %q (cli), got %q", "debug", c.LogLevel)
	}
	if !c.EnablePprof {
		t.Error("EnablePprof: want true (cli)")
	}

	// Should have logged override messages for all three
	if len(overrideMessages) != 3 {
		t.Errorf("expected 3 override messages, got %d: %v", len(overrideMessages), overrideMessages)
	}
	for _, msg := range overrideMessages {
		if !strings.Contains(msg, "overrides env") {
			t.Errorf("unexpected override message format: %s", msg)
		}
	}
}

func TestFillFromEnv_InvalidEnvIgnored(t *testing.T) {
	pfx := "TESTCFG3_"
	t.Setenv(pfx+"HTTP_PORT", "not-a-number")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var logMessages []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		logMessages = append(logMessages, fmt.Sprintf(format, args...))
	})

	// Should keep default, not crash
	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort: want 8080 (default), got %d", c.HTTPPort)
	}
	// Should have logged the error
	if len(logMessages) != 1 {
		t.Fatalf("expected 1 log message, got %d: %v", len(logMessages), logMessages)
	}
	if !strings.Contains(logMessages[0], "ignoring invalid env") {
		t.Errorf("unexpected log message: %s", logMessages[0])
	}
}

func TestValidate_OK(t *testing.T) {
	c := newTestConfig(t, validArgs(
		"-enable-pyroscope=true",
		"-pyro-server=https://pyro:4040",
		"-pyro-tenant=test-tenant",
		"-enable-tracing=true",
		"-otlp-endpoint=otel:4317",
		"-trace-sample=0.2",
	))
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, []string{
		"-http-port=0",
		"-admin-port=70000",
		"-log-level=nope",
		"-stacktrace-level=alsonope",
		"-trace-sample=2.0",
		"-enable-pyroscope=true",
		"-pyro-server=not-a-url",
		"-enable-tracing=true",
		"-otlp-endpoint=otel",
		"-include-error-links=true",
		"-max-error-links=0",
		"-profile=canary",
		"-clock-skew=15m",
		"-fail-closed-tier=4",
		"-max-parts=0",
		"-breaker-threshold=0",
	})

	err := Validate(c)
	if err == nil {
		t.Fatal("Validate() expected errors, got <nil>")
	}

	wantErrContains(t, err, "invalid HTTP_PORT")
	wantErrContains(t, err, "invalid ADMIN_PORT")
	wantErrContains(t, err, "invalid LOG_LEVEL")
	wantErrContains(t, err, "invalid STACKTRACE_LEVEL")
	wantErrContains(t, err, "invalid TRACE_SAMPLE")
	wantErrContains(t, err, "PYRO_SERVER must be a URL")
	wantErrContains(t, err, "OTLP_ENDPOINT must be host:port")
	wantErrContains(t, err, "MAX_ERROR_LINKS")
	wantErrContains(t, err, "invalid PROFILE")
	wantErrContains(t, err, "JWKS_URL is required")
	wantErrContains(t, err, "CLOCK_SKEW")
	wantErrContains(t, err, "FAIL_CLOSED_TIER")
	wantErrContains(t, err, "MAX_PARTS")
	wantErrContains(t, err, "BREAKER_THRESHOLD")
}

func TestValidate_JWKSURLMustParse(t *testing.T) {
	c := newTestConfig(t, []string{"-jwks-url=not a url", "-jwt-issuer=x"})
	wantErrContains(t, Validate(c), "JWKS_URL must be a URL")
}

func TestValidate_BaselineHashRequiredOutsideDev(t *testing.T) {
	c := newTestConfig(t, validArgs("-profile=prod"))
	wantErrContains(t, Validate(c), "POLICY_BASELINE_HASH is required")

	c = newTestConfig(t, validArgs(
		"-profile=prod",
		"-policy-baseline-hash="+strings.Repeat("ab", 32),
	))
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_BaselineHashShape(t *testing.T) {
	c := newTestConfig(t, validArgs("-policy-baseline-hash=zzzz"))
	wantErrContains(t, Validate(c), "POLICY_BASELINE_HASH must be 64 hex chars")
}

func TestValidate_RequestBytesCoversPartBytes(t *testing.T) {
	c := newTestConfig(t, validArgs("-max-part-bytes=1000", "-max-request-bytes=500"))
	wantErrContains(t, Validate(c), "MAX_REQUEST_BYTES")
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
