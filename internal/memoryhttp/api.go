package memoryhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/parabit/memgate/internal/authn"
	"github.com/parabit/memgate/internal/log"
	"github.com/parabit/memgate/internal/pipeline"
)

// Memory is one stored note. The gateway normally proxies these to the
// memory service; this package is the in-process stand-in that keeps
// the route surface and pipeline semantics exercisable end to end.
type Memory struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// API implements the memory endpoints behind the security pipeline.
type API struct {
	logger log.Logger

	mu    sync.RWMutex
	store map[string]Memory
}

func NewAPI(logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{logger: logger, store: make(map[string]Memory)}
}

// Wrapper applies per-route pipeline metadata to a handler. In
// production it is Pipeline.Wrap; tests substitute a passthrough.
type Wrapper func(pipeline.RouteSpec, http.Handler) http.Handler

// RegisterRoutes attaches the memory endpoints to the router. Every
// route carries its required permission; there is no unwrapped path to
// a handler.
func (api *API) RegisterRoutes(r chi.Router, wrap Wrapper) {
	r.Method(http.MethodPost, "/v1/memories", wrap(pipeline.RouteSpec{
		PathTemplate: "/v1/memories",
		Resource:     "memories",
		Action:       "write",
		Mutating:     true,
	}, http.HandlerFunc(api.HandleCreate)))

	r.Method(http.MethodPost, "/v1/memories/import", wrap(pipeline.RouteSpec{
		PathTemplate: "/v1/memories/import",
		Resource:     "memories",
		Action:       "write",
		Mutating:     true,
		Multipart:    true,
		TextOnly:     true,
	}, http.HandlerFunc(api.HandleImport)))

	r.Method(http.MethodGet, "/v1/memories/{id}", wrap(pipeline.RouteSpec{
		PathTemplate: "/v1/memories/{id}",
		Resource:     "memories",
		Action:       "read",
	}, http.HandlerFunc(api.HandleGet)))

	r.Method(http.MethodPost, "/v1/memories/search", wrap(pipeline.RouteSpec{
		PathTemplate: "/v1/memories/search",
		Resource:     "memories",
		Action:       "read",
	}, http.HandlerFunc(api.HandleSearch)))
}

type createRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// HandleCreate stores one memory for the caller's org.
func (api *API) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeJSON(r.Context(), w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}
	if req.Title == "" {
		api.writeJSON(r.Context(), w, http.StatusBadRequest, map[string]string{"error": "bad_request", "reason": "title is required"})
		return
	}
	m := api.put(authn.PrincipalFromContext(r.Context()).OrgID, req.Title, req.Body)
	api.writeJSON(r.Context(), w, http.StatusCreated, m)
}

type importResponse struct {
	Imported []Memory `json:"imported"`
}

// HandleImport stores one memory per validated upload part. The
// pipeline has already bounded, sniffed, and UTF-8-checked every part;
// the handler only sees clean text.
func (api *API) HandleImport(w http.ResponseWriter, r *http.Request) {
	parts := pipeline.PartsFromContext(r.Context())
	if len(parts) == 0 {
		api.writeJSON(r.Context(), w, http.StatusBadRequest, map[string]string{"error": "bad_request", "reason": "no parts"})
		return
	}
	orgID := authn.PrincipalFromContext(r.Context()).OrgID
	resp := importResponse{Imported: make([]Memory, 0, len(parts))}
	for _, p := range parts {
		title := p.Filename
		if title == "" {
			title = p.Name
		}
		resp.Imported = append(resp.Imported, api.put(orgID, title, string(p.Content)))
	}
	api.writeJSON(r.Context(), w, http.StatusCreated, resp)
}

// HandleGet returns one memory by id, scoped to the caller's org.
func (api *API) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	orgID := authn.PrincipalFromContext(r.Context()).OrgID

	api.mu.RLock()
	m, ok := api.store[id]
	api.mu.RUnlock()
	if !ok || m.OrgID != orgID {
		api.writeJSON(r.Context(), w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, m)
}

type searchRequest struct {
	Query string `json:"query"`
}

type searchResponse struct {
	Results []Memory `json:"results"`
}

// HandleSearch returns the caller-org memories matching the query.
func (api *API) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeJSON(r.Context(), w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}
	orgID := authn.PrincipalFromContext(r.Context()).OrgID
	q := strings.ToLower(req.Query)

	api.mu.RLock()
	var results []Memory
	for _, m := range api.store {
		if m.OrgID != orgID {
			continue
		}
		if q == "" || strings.Contains(strings.ToLower(m.Title), q) || strings.Contains(strings.ToLower(m.Body), q) {
			results = append(results, m)
		}
	}
	api.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.Before(results[j].CreatedAt) })
	api.writeJSON(r.Context(), w, http.StatusOK, searchResponse{Results: results})
}

func (api *API) put(orgID, title, body string) Memory {
	m := Memory{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Title:     title,
		Body:      body,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	api.mu.Lock()
	api.store[m.ID] = m
	api.mu.Unlock()
	return m
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Error(ctx, err, "encode response")
	}
}
