package opshttp

import (
	"encoding/json"
	"net/http"

	"github.com/parabit/memgate/internal/flags"
)

// ConfigView is the read-only active-configuration surface served at
// /-/config. It exposes the enforced limits and flags so an operator
// can confirm what a deployment is actually running with, without
// shell access. No secrets belong here.
type ConfigView struct {
	Profile          string `json:"profile"`
	StageFingerprint string `json:"stage_fingerprint"`

	MaxParts          int     `json:"max_parts"`
	MaxPartBytes      int64   `json:"max_part_bytes"`
	MaxRequestBytes   int64   `json:"max_request_bytes"`
	ArchiveMaxEntries int     `json:"archive_max_entries"`
	ArchiveMaxRatio   float64 `json:"archive_max_ratio"`

	FailClosedTier int    `json:"fail_closed_tier"`
	PolicyHash     string `json:"policy_hash"`
	IdempotencyTTL string `json:"idempotency_ttl"`

	Flags []flags.Flag `json:"flags"`
}

// ConfigHandler serves the active configuration. view is called per
// request so flag flips show up without restart.
func ConfigHandler(view func() ConfigView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if view == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(view())
	}
}
