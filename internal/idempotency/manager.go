package idempotency

import (
	"context"
	"time"

	"github.com/parabit/memgate/internal/breaker"
	"github.com/parabit/memgate/internal/cryptoutil"
	"github.com/parabit/memgate/internal/log"
)

// Hooks are optional metric callbacks.
type Hooks struct {
	OnReplay   func()
	OnFallback func()
}

type ManagerOptions struct {
	Shared  Store // usually a RedisStore; nil makes the local store primary
	TTL     time.Duration
	Timeout time.Duration // per store operation
	Breaker *breaker.Breaker
	Logger  log.Logger
	Hooks   Hooks
}

// Manager fronts the shared store with breaker-guarded access and a
// local fallback. Store trouble never fails the request it was
// triggered by; the cost is a duplicate-replay risk, taken knowingly.
type Manager struct {
	shared  Store
	local   *LocalStore
	ttl     time.Duration
	timeout time.Duration
	brk     *breaker.Breaker
	logger  log.Logger
	hooks   Hooks
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Breaker == nil {
		opts.Breaker = breaker.New(breaker.Options{})
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Manager{
		shared:  opts.Shared,
		local:   NewLocalStore(),
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		brk:     opts.Breaker,
		logger:  opts.Logger,
		hooks:   opts.Hooks,
	}
}

// TTL returns the active record TTL, for the config endpoint.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Check looks up key and returns the recorded response when the
// mutation has already run. It never returns an error: shared-store
// trouble trips the breaker and degrades to the local fallback.
func (m *Manager) Check(ctx context.Context, key string) *Record {
	store, shared := m.activeStore(ctx)
	opCtx, cancel := context.WithTimeout(ctx, m.timeout)
	rec, err := store.Get(opCtx, key)
	cancel()
	if err != nil {
		if shared {
			m.tripped(ctx, key, "get", err)
			rec, _ = m.local.Get(ctx, key)
		} else {
			rec = nil
		}
	} else if shared {
		m.brk.Success()
	}
	if rec != nil && m.hooks.OnReplay != nil {
		m.hooks.OnReplay()
	}
	return rec
}

// Save records a completed mutation under key. Persist failures are
// logged and swallowed; the client already has its response.
func (m *Manager) Save(ctx context.Context, key string, rec *Record) {
	if rec.ResponseHash == "" {
		rec.ResponseHash = cryptoutil.SHA256Hex(rec.Body)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.ScopeKey = key

	store, shared := m.activeStore(ctx)
	opCtx, cancel := context.WithTimeout(ctx, m.timeout)
	_, err := store.PutIfAbsent(opCtx, key, rec, m.ttl)
	cancel()
	if err != nil {
		if shared {
			m.tripped(ctx, key, "put", err)
		}
		// keep at least the single-instance guarantee
		if _, lerr := m.local.PutIfAbsent(ctx, key, rec, m.ttl); lerr != nil {
			m.logger.Error(ctx, lerr, "idempotency local fallback write failed", "scope_key", key)
		}
		return
	}
	if shared {
		m.brk.Success()
	}
}

// activeStore picks the shared store while the breaker admits traffic,
// otherwise the local fallback.
func (m *Manager) activeStore(ctx context.Context) (Store, bool) {
	if m.shared == nil {
		return m.local, false
	}
	if m.brk.Allow() {
		return m.shared, true
	}
	if m.hooks.OnFallback != nil {
		m.hooks.OnFallback()
	}
	m.logger.Warn(ctx, "idempotency store degraded to local fallback",
		"breaker_state", m.brk.State().String())
	return m.local, false
}

func (m *Manager) tripped(ctx context.Context, key, op string, err error) {
	m.brk.Failure()
	if m.hooks.OnFallback != nil {
		m.hooks.OnFallback()
	}
	m.logger.Warn(ctx, "idempotency shared store failure, using local fallback",
		"op", op, "scope_key", key, "error", err.Error(),
		"breaker_state", m.brk.State().String())
}
