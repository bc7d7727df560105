package authn

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/parabit/memgate/internal/xerrors"
)

// DefaultClockSkew is the bounded leeway applied to expiry and
// not-before checks.
const DefaultClockSkew = 120 * time.Second

// Claims are the signed claims carried by a bearer token.
type Claims struct {
	OrgID  string   `json:"org_id"`
	TeamID string   `json:"team_id"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

type ResolverOptions struct {
	Keyring  *Keyring
	Issuer   string
	Audience string

	// ClockSkew bounds the accepted clock drift for expiry and
	// not-before validation. Defaults to DefaultClockSkew.
	ClockSkew time.Duration

	// Inherits maps a role to the roles it implies. Expansion runs once
	// per request at resolution time.
	Inherits map[string][]string
}

// Resolver verifies bearer tokens against the keyring and resolves a
// Principal. Every verification failure is typed; none of them ever
// yield a guessed identity.
type Resolver struct {
	keyring   *Keyring
	parser    *jwt.Parser
	clockSkew time.Duration
	inherits  map[string][]string
}

func NewResolver(opts ResolverOptions) (*Resolver, error) {
	if opts.Keyring == nil {
		return nil, xerrors.New("resolver: keyring is required")
	}
	if opts.Issuer == "" || opts.Audience == "" {
		return nil, xerrors.New("resolver: issuer and audience are required")
	}
	if opts.ClockSkew <= 0 {
		opts.ClockSkew = DefaultClockSkew
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(opts.Issuer),
		jwt.WithAudience(opts.Audience),
		jwt.WithLeeway(opts.ClockSkew),
		jwt.WithExpirationRequired(),
	)
	return &Resolver{
		keyring:   opts.Keyring,
		parser:    parser,
		clockSkew: opts.ClockSkew,
		inherits:  opts.Inherits,
	}, nil
}

// Resolve verifies the raw bearer token and returns the Principal with
// its role set expanded through the inheritance map.
func (r *Resolver) Resolve(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, failure(ReasonMalformedToken, xerrors.New("empty bearer token"))
	}

	claims := &Claims{}
	tok, err := r.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		km, err := r.keyring.Resolve(ctx, kid)
		if err != nil {
			return nil, err
		}
		return km.PublicKey, nil
	})
	if err != nil {
		return Principal{}, classify(err)
	}
	if !tok.Valid {
		return Principal{}, failure(ReasonBadSignature, xerrors.New("token failed validation"))
	}
	if claims.Subject == "" {
		return Principal{}, failure(ReasonBadClaims, xerrors.New("token has no subject"))
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return Principal{
		Subject:   claims.Subject,
		OrgID:     claims.OrgID,
		TeamID:    claims.TeamID,
		Roles:     ExpandRoles(claims.Roles, r.inherits),
		ExpiresAt: expiresAt,
	}, nil
}

// classify maps parse/verify errors onto the typed failure set.
func classify(err error) error {
	var ae *Error
	if errors.As(err, &ae) {
		// keyring failures pass through with their reason intact
		return ae
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return failure(ReasonExpiredToken, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return failure(ReasonClockSkewExceeded, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return failure(ReasonBadSignature, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenInvalidClaims):
		return failure(ReasonBadClaims, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return failure(ReasonMalformedToken, err)
	default:
		return failure(ReasonBadSignature, err)
	}
}
