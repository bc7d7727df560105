package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parabit/memgate/internal/httpmw"
	"github.com/parabit/memgate/internal/log"
	"github.com/parabit/memgate/internal/probe"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // called when a panic is recovered, e.g. to bump a counter
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       probe.Probe
	Readiness    probe.Probe

	// APIRoutes mounts the application routes. The pipeline wrapping
	// happens inside this callback, per route.
	APIRoutes func(chi.Router)

	// MaxBodyBytes caps any request body at the listener edge, before
	// the pipeline's own limits apply. Defaults to 32 MiB.
	MaxBodyBytes int64
}
