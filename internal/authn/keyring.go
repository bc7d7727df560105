package authn

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/parabit/memgate/internal/xerrors"
)

const (
	defaultKeyTTL       = 5 * time.Minute
	defaultNegativeTTL  = 5 * time.Minute
	defaultFetchTimeout = 5 * time.Second
	defaultFetchTries   = 3

	keyCacheSize      = 256
	negativeCacheSize = 1024
)

// KeyMaterial is one cached verification key. Entries are append-only
// across rotations: a rotation introduces a new key id, existing entries
// are never overwritten in place, only expired by TTL.
type KeyMaterial struct {
	KeyID     string
	PublicKey *rsa.PublicKey
	FetchedAt time.Time
}

// KeyringHooks are optional observability callbacks, invoked inline.
type KeyringHooks struct {
	OnCacheHit    func()
	OnCacheMiss   func()
	OnNegativeHit func()
	OnFetchError  func(err error)
}

type KeyringOptions struct {
	// URL of the HTTP(S) endpoint serving the current verification key set.
	URL string

	HTTPClient   *http.Client
	TTL          time.Duration
	NegativeTTL  time.Duration
	FetchTimeout time.Duration
	FetchTries   int
	Hooks        KeyringHooks

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Keyring caches verification key material fetched from a key source.
// Concurrent requests needing the same missing key share one in-flight
// fetch; identifiers confirmed absent land in a short negative cache so
// bogus key ids cannot cause fetch storms.
type Keyring struct {
	url          string
	client       *http.Client
	ttl          time.Duration
	negativeTTL  time.Duration
	fetchTimeout time.Duration
	fetchTries   int
	hooks        KeyringHooks
	now          func() time.Time

	keys     *expirable.LRU[string, KeyMaterial]
	negative *expirable.LRU[string, time.Time]
	group    singleflight.Group
}

func NewKeyring(opts KeyringOptions) (*Keyring, error) {
	if opts.URL == "" {
		return nil, xerrors.New("keyring: key source URL is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultKeyTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = defaultNegativeTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.FetchTries <= 0 {
		opts.FetchTries = defaultFetchTries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Keyring{
		url:          opts.URL,
		client:       opts.HTTPClient,
		ttl:          opts.TTL,
		negativeTTL:  opts.NegativeTTL,
		fetchTimeout: opts.FetchTimeout,
		fetchTries:   opts.FetchTries,
		hooks:        opts.Hooks,
		now:          opts.Now,
		keys:         expirable.NewLRU[string, KeyMaterial](keyCacheSize, nil, opts.TTL),
		negative:     expirable.NewLRU[string, time.Time](negativeCacheSize, nil, opts.NegativeTTL),
	}, nil
}

// Resolve returns the key material for keyID, fetching the key set on a
// cache miss. An identifier still unknown after a fresh fetch is recorded
// in the negative cache and fails with ReasonUnknownKey. A fetch failure
// fails closed for unresolved keys; already-cached keys keep working
// until their TTL expires.
func (k *Keyring) Resolve(ctx context.Context, keyID string) (KeyMaterial, error) {
	if keyID == "" {
		return KeyMaterial{}, failure(ReasonMalformedToken, xerrors.New("token has no key id"))
	}

	if km, ok := k.keys.Get(keyID); ok {
		if k.hooks.OnCacheHit != nil {
			k.hooks.OnCacheHit()
		}
		return km, nil
	}
	if _, ok := k.negative.Get(keyID); ok {
		if k.hooks.OnNegativeHit != nil {
			k.hooks.OnNegativeHit()
		}
		return KeyMaterial{}, failure(ReasonUnknownKey, xerrors.Newf("key %q in negative cache", keyID))
	}
	if k.hooks.OnCacheMiss != nil {
		k.hooks.OnCacheMiss()
	}

	// Single-writer-per-key: concurrent misses for the same id share one
	// fetch instead of issuing duplicates.
	_, err, _ := k.group.Do(keyID, func() (any, error) {
		return nil, k.refresh(ctx)
	})
	if err != nil {
		if k.hooks.OnFetchError != nil {
			k.hooks.OnFetchError(err)
		}
		return KeyMaterial{}, failure(ReasonUnknownKey, xerrors.Wrap(err, "key set fetch failed"))
	}

	if km, ok := k.keys.Get(keyID); ok {
		return km, nil
	}
	k.negative.Add(keyID, k.now())
	return KeyMaterial{}, failure(ReasonUnknownKey, xerrors.Newf("key %q not in current key set", keyID))
}

func (k *Keyring) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, k.fetchTimeout)
	defer cancel()

	keys, err := backoff.Retry(ctx, func() (map[string]*rsa.PublicKey, error) {
		return k.fetchOnce(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(k.fetchTries)),
	)
	if err != nil {
		return err
	}

	now := k.now()
	for id, pub := range keys {
		// rotation only ever adds entries; never clobber a live key with
		// a refetched copy so FetchedAt stays honest
		if _, ok := k.keys.Get(id); ok {
			continue
		}
		k.keys.Add(id, KeyMaterial{KeyID: id, PublicKey: pub, FetchedAt: now})
		k.negative.Remove(id)
	}
	return nil
}

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k *Keyring) fetchOnce(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return nil, xerrors.Wrap(err, "build key set request")
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(err, "key set request")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, xerrors.Newf("key source returned status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, xerrors.Wrap(err, "decode key set")
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, jk := range doc.Keys {
		if jk.Kty != "RSA" || jk.Kid == "" {
			continue
		}
		pub, err := rsaFromJWK(jk)
		if err != nil {
			continue
		}
		keys[jk.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, xerrors.New("key set contains no usable keys")
	}
	return keys, nil
}

func rsaFromJWK(jk jwksKey) (*rsa.PublicKey, error) {
	if jk.N == "" || jk.E == "" {
		return nil, xerrors.New("jwk missing rsa parameters")
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(jk.N)
	if err != nil {
		return nil, xerrors.Wrap(err, "jwk modulus")
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jk.E)
	if err != nil {
		return nil, xerrors.Wrap(err, "jwk exponent")
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes).Int64()
	if e <= 0 || e > int64(^uint32(0)) {
		return nil, xerrors.New("jwk exponent out of range")
	}
	return &rsa.PublicKey{N: n, E: int(e)}, nil
}
