package opshttp

import (
	"net/http"

	"github.com/parabit/memgate/internal/flags"
	"github.com/parabit/memgate/internal/probe"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      probe.Probe
	Readiness   probe.Probe

	// Config supplies the read-only view served at /-/config.
	// nil leaves the endpoint unmounted.
	Config func() ConfigView

	// Flags enables the runtime toggle endpoint at PUT /-/flags/{name}.
	// nil leaves the endpoint unmounted.
	Flags *flags.Set
}
