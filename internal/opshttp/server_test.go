package opshttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/parabit/memgate/internal/flags"
	"github.com/parabit/memgate/internal/log"
	"github.com/parabit/memgate/internal/probe"
)

// test helpers

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startOps(t *testing.T, opts Options) (port int, stopFunc func(context.Context) error) {
	t.Helper()
	if opts.Port == 0 {
		opts.Port = getFreePort(t)
	}
	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { stop(ctx) })
	return opts.Port, stop
}

func opsGet(t *testing.T, port int, path string) *http.Response {
	t.Helper()
	addr := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	resp, err := http.Get(addr)
	if err != nil {
		t.Fatalf("GET %s: %v", addr, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

// Start - lifecycle

func TestStart_ReturnsStopFunc(t *testing.T) {
	port, stop := startOps(t, Options{})
	_ = port
	if stop == nil {
		t.Fatal("stop func is nil")
	}
}

func TestStart_CustomPort(t *testing.T) {
	port, _ := startOps(t, Options{
		Health:    probe.Static(true, ""),
		Readiness: probe.Static(true, ""),
	})

	resp := opsGet(t, port, "/-/healthy")
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStart_GracefulShutdown(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()

	stop, err := Start(ctx, log.Nop(), Options{
		Port:      port,
		Health:    probe.Static(true, ""),
		Readiness: probe.Static(true, ""),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Verify it's up
	resp := opsGet(t, port, "/-/healthy")
	resp.Body.Close()

	// Shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	// Should no longer accept connections
	addr := fmt.Sprintf("http://127.0.0.1:%d/-/healthy", port)
	_, err = http.Get(addr)
	if err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}

func TestStart_StopIdempotent(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()

	stop, err := Start(ctx, log.Nop(), Options{Port: port})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := stop(ctx); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("third stop: %v", err)
	}
}

func TestStart_PortConflict(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()

	stop1, err := Start(ctx, log.Nop(), Options{Port: port})
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stop1(ctx)

	_, err = Start(ctx, log.Nop(), Options{Port: port})
	if err == nil {
		t.Fatal("expected error for port conflict")
	}
}

// Health endpoints

func TestStart_HealthyEndpoint_Healthy(t *testing.T) {
	port, _ := startOps(t, Options{
		Health: probe.Static(true, ""),
	})

	resp := opsGet(t, port, "/-/healthy")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, "ok") {
		t.Fatalf("body = %q, want 'ok'", body)
	}
}

func TestStart_HealthyEndpoint_Unhealthy(t *testing.T) {
	port, _ := startOps(t, Options{
		Health: probe.Static(false, "something broke"),
	})

	resp := opsGet(t, port, "/-/healthy")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if !strings.Contains(body, "something broke") {
		t.Fatalf("body = %q, want reason", body)
	}
}

func TestStart_ReadyEndpoint_Ready(t *testing.T) {
	port, _ := startOps(t, Options{
		Readiness: probe.Static(true, ""),
	})

	resp := opsGet(t, port, "/-/ready")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, "ready") {
		t.Fatalf("body = %q, want 'ready'", body)
	}
}

func TestStart_ReadyEndpoint_NotReady(t *testing.T) {
	port, _ := startOps(t, Options{
		Readiness: probe.Static(false, "keyring: no key material yet"),
	})

	resp := opsGet(t, port, "/-/ready")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if !strings.Contains(body, "keyring: no key material yet") {
		t.Fatalf("body = %q, want reason", body)
	}
}

func TestStart_HealthyEndpoint_DynamicProbe(t *testing.T) {
	var gate probe.ShutdownGate

	port, _ := startOps(t, Options{
		Health: gate.Probe(),
	})

	// Initially healthy
	resp := opsGet(t, port, "/-/healthy")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initially: status = %d, want 200", resp.StatusCode)
	}

	// Close gate
	gate.Set("draining")
	resp = opsGet(t, port, "/-/healthy")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("after drain: status = %d, want 503", resp.StatusCode)
	}
}

// Config endpoint

func TestStart_ConfigEndpoint(t *testing.T) {
	fs := flags.New(map[string]bool{
		flags.ArchiveBlocking:     true,
		flags.RedactionFailClosed: false,
	})
	port, _ := startOps(t, Options{
		Config: func() ConfigView {
			return ConfigView{
				Profile:         "staging",
				MaxParts:        64,
				MaxPartBytes:    8 << 20,
				MaxRequestBytes: 32 << 20,
				FailClosedTier:  3,
				IdempotencyTTL:  "24h0m0s",
				Flags:           fs.Snapshot(),
			}
		},
	})

	resp := opsGet(t, port, "/-/config")
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "application/json") {
		t.Fatalf("content type = %q", got)
	}
	var view ConfigView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	resp.Body.Close()

	if view.Profile != "staging" || view.MaxParts != 64 || view.FailClosedTier != 3 {
		t.Fatalf("view = %+v", view)
	}
	if len(view.Flags) != 2 {
		t.Fatalf("flags = %+v", view.Flags)
	}
}

func TestStart_ConfigEndpoint_ReflectsFlagFlips(t *testing.T) {
	fs := flags.New(map[string]bool{flags.ArchiveBlocking: true})
	port, _ := startOps(t, Options{
		Config: func() ConfigView { return ConfigView{Flags: fs.Snapshot()} },
	})

	fs.SetEnforced(flags.ArchiveBlocking, false)

	resp := opsGet(t, port, "/-/config")
	var view ConfigView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	resp.Body.Close()
	if len(view.Flags) != 1 || view.Flags[0].Enforced {
		t.Fatalf("flags = %+v, want archive_blocking downgraded", view.Flags)
	}
}

// Flag toggle endpoint

func opsPutFlag(t *testing.T, port int, name, body string) *http.Response {
	t.Helper()
	addr := fmt.Sprintf("http://127.0.0.1:%d/-/flags/%s", port, name)
	req, err := http.NewRequest(http.MethodPut, addr, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT %s: %v", addr, err)
	}
	return resp
}

func TestStart_FlagsEndpoint_TogglesLive(t *testing.T) {
	fs := flags.New(map[string]bool{flags.ArchiveBlocking: true})
	port, _ := startOps(t, Options{
		Flags:  fs,
		Config: func() ConfigView { return ConfigView{Flags: fs.Snapshot()} },
	})

	resp := opsPutFlag(t, port, flags.ArchiveBlocking, `{"enforced": false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %q", resp.StatusCode, readBody(t, resp))
	}
	var flipped flags.Flag
	if err := json.NewDecoder(resp.Body).Decode(&flipped); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	resp.Body.Close()
	if flipped.Name != flags.ArchiveBlocking || flipped.Enforced {
		t.Fatalf("response = %+v, want archive_blocking downgraded", flipped)
	}
	if fs.Enforced(flags.ArchiveBlocking) {
		t.Fatal("set still reads enforced after the toggle")
	}

	// The config endpoint sees the flip without a restart.
	resp = opsGet(t, port, "/-/config")
	var view ConfigView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	resp.Body.Close()
	if len(view.Flags) != 1 || view.Flags[0].Enforced {
		t.Fatalf("config flags = %+v", view.Flags)
	}

	// And back to enforce once the incident is over.
	resp = opsPutFlag(t, port, flags.ArchiveBlocking, `{"enforced": true}`)
	resp.Body.Close()
	if !fs.Enforced(flags.ArchiveBlocking) {
		t.Fatal("set did not re-enforce")
	}
}

func TestStart_FlagsEndpoint_UnknownName(t *testing.T) {
	fs := flags.New(map[string]bool{flags.ArchiveBlocking: true})
	port, _ := startOps(t, Options{Flags: fs})

	resp := opsPutFlag(t, port, "no_such_flag", `{"enforced": false}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStart_FlagsEndpoint_BadBody(t *testing.T) {
	fs := flags.New(map[string]bool{flags.ArchiveBlocking: true})
	port, _ := startOps(t, Options{Flags: fs})

	for _, body := range []string{``, `{}`, `{"enforced": "yes"}`} {
		resp := opsPutFlag(t, port, flags.ArchiveBlocking, body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
	if !fs.Enforced(flags.ArchiveBlocking) {
		t.Fatal("rejected request still flipped the flag")
	}
}

func TestStart_FlagsEndpoint_GetNotAllowed(t *testing.T) {
	fs := flags.New(map[string]bool{flags.ArchiveBlocking: true})
	port, _ := startOps(t, Options{Flags: fs})

	resp := opsGet(t, port, "/-/flags/"+flags.ArchiveBlocking)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestStart_FlagsEndpoint_Unconfigured(t *testing.T) {
	port, _ := startOps(t, Options{})

	resp := opsPutFlag(t, port, flags.ArchiveBlocking, `{"enforced": false}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStart_ConfigEndpoint_Unconfigured(t *testing.T) {
	port, _ := startOps(t, Options{})

	resp := opsGet(t, port, "/-/config")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

// Metrics endpoint

func TestStart_MetricsEndpoint(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("# HELP fake_metric\n"))
	})

	port, _ := startOps(t, Options{
		Metrics: metricsHandler,
	})

	resp := opsGet(t, port, "/metrics")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, "fake_metric") {
		t.Fatalf("body = %q, want metrics output", body)
	}
}

func TestStart_MetricsEndpoint_Nil(t *testing.T) {
	port, _ := startOps(t, Options{
		Metrics: nil,
	})

	resp := opsGet(t, port, "/metrics")
	resp.Body.Close()

	// No metrics handler registered, should 404
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

// Pprof endpoints

func TestStart_PprofEnabled(t *testing.T) {
	port, _ := startOps(t, Options{
		EnablePprof: true,
	})

	resp := opsGet(t, port, "/debug/pprof/")
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStart_PprofDisabled(t *testing.T) {
	port, _ := startOps(t, Options{
		EnablePprof: false,
	})

	resp := opsGet(t, port, "/debug/pprof/")
	resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (pprof disabled)", resp.StatusCode)
	}
}

// requireNonPublicNetwork

func TestRequireNonPublicNetwork_Loopback(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("allowed"))
	})

	h := requireNonPublicNetwork(log.Nop(), inner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/-/healthy", http.NoBody)
	req.RemoteAddr = "127.0.0.1:12345"
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("loopback: status = %d, want 200", rec.Code)
	}
}

func TestRequireNonPublicNetwork_IPv6Loopback(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h := requireNonPublicNetwork(log.Nop(), inner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/-/healthy", http.NoBody)
	req.RemoteAddr = "[::1]:12345"
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("IPv6 loopback: status = %d, want 200", rec.Code)
	}
}

func TestRequireNonPublicNetwork_PrivateIP(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h := requireNonPublicNetwork(log.Nop(), inner)

	privateIPs := []string{
		"10.0.0.1:8080",
		"172.16.0.1:8080",
		"192.168.1.1:8080",
	}

	for _, addr := range privateIPs {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/-/healthy", http.NoBody)
		req.RemoteAddr = addr
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("private IP %s: status = %d, want 200", addr, rec.Code)
		}
	}
}

func TestRequireNonPublicNetwork_PublicIP_Rejected(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for public IPs")
	})

	h := requireNonPublicNetwork(log.Nop(), inner)

	publicIPs := []string{
		"8.8.8.8:12345",
		"1.1.1.1:443",
		"203.0.113.1:80",
		"198.51.100.1:9000",
	}

	for _, addr := range publicIPs {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/-/healthy", http.NoBody)
		req.RemoteAddr = addr
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Errorf("public IP %s: status = %d, want 403", addr, rec.Code)
		}
	}
}

func TestRequireNonPublicNetwork_LinkLocal(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h := requireNonPublicNetwork(log.Nop(), inner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/-/healthy", http.NoBody)
	req.RemoteAddr = "169.254.1.1:8080"
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("link-local: status = %d, want 200", rec.Code)
	}
}

func TestRequireNonPublicNetwork_BadRemoteAddr(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for bad remote addr")
	})

	h := requireNonPublicNetwork(log.Nop(), inner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/-/healthy", http.NoBody)
	req.RemoteAddr = "not-an-address"
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("bad addr: status = %d, want 403", rec.Code)
	}
}

func TestRequireNonPublicNetwork_EmptyRemoteAddr(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for empty remote addr")
	})

	h := requireNonPublicNetwork(log.Nop(), inner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/-/healthy", http.NoBody)
	req.RemoteAddr = ""
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("empty addr: status = %d, want 403", rec.Code)
	}
}

func TestRequireNonPublicNetwork_InvalidIP(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for invalid IP")
	})

	h := requireNonPublicNetwork(log.Nop(), inner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/-/healthy", http.NoBody)
	req.RemoteAddr = "999.999.999.999:8080"
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("invalid IP: status = %d, want 403", rec.Code)
	}
}

func TestRequireNonPublicNetwork_IPv4MappedIPv6_Rejected(t *testing.T) {
	// ::ffff:8.8.8.8 is an IPv4-mapped IPv6 address for a public IP.
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for IPv4-mapped public IP")
	})

	h := requireNonPublicNetwork(log.Nop(), inner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/-/healthy", http.NoBody)
	req.RemoteAddr = "[::ffff:8.8.8.8]:12345"
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("IPv4-mapped public IP: status = %d, want 403", rec.Code)
	}
}

func TestRequireNonPublicNetwork_IPv4MappedIPv6_PrivateAllowed(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h := requireNonPublicNetwork(log.Nop(), inner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/-/healthy", http.NoBody)
	req.RemoteAddr = "[::ffff:10.0.0.1]:12345"
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("IPv4-mapped private IP: status = %d, want 200", rec.Code)
	}
}
