package opshttp

import (
	"encoding/json"
	"net/http"

	"github.com/parabit/memgate/internal/flags"
	"github.com/parabit/memgate/internal/log"
)

// FlagsHandler flips one enforcement toggle at runtime, mounted at
// PUT /-/flags/{name}. The body carries {"enforced": bool}. This is
// the rollback lever for the enforce toggles: downgrade a check to
// log-only without a restart, confirm via /-/config.
func FlagsHandler(L log.Logger, set *flags.Set) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if !set.Known(name) {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Enforced *bool `json:"enforced"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enforced == nil {
			http.Error(w, `body must be {"enforced": true|false}`, http.StatusBadRequest)
			return
		}
		set.SetEnforced(name, *body.Enforced)
		L.Warn(r.Context(), "runtime flag toggled",
			"flag", name,
			"enforced", *body.Enforced,
			"remote_addr", r.RemoteAddr,
		)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(flags.Flag{Name: name, Enforced: *body.Enforced})
	}
}
