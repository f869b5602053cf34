package authx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

type JWTOptions struct {
	Issuer   string
	Audience string
	// JWKSURL defaults to the issuer's /.well-known/jwks.json.
	JWKSURL         string
	RefreshInterval time.Duration
	ClockSkew       time.Duration
	HTTPClient      *http.Client
}

// JWTVerifier validates RSA/ECDSA signed tokens against a JWKS endpoint.
// Keys are cached by jwk.Cache; a kid missing from the cache forces at most
// one refetch per minute so key rotation is picked up without letting bad
// tokens hammer the identity provider.
type JWTVerifier struct {
	jwksURL string
	cache   *jwk.Cache
	parser  *jwt.Parser

	mu          sync.Mutex
	lastRefetch time.Time
}

// NewJWTVerifier registers the JWKS endpoint with a cache whose background
// refresh stops when ctx ends.
func NewJWTVerifier(ctx context.Context, opts JWTOptions) (*JWTVerifier, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	audience := strings.TrimSpace(opts.Audience)
	if issuer == "" || audience == "" {
		return nil, errors.New("authx: issuer and audience are required")
	}
	url := strings.TrimSpace(opts.JWKSURL)
	if url == "" {
		url = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	if opts.ClockSkew < 0 {
		opts.ClockSkew = 0
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(url, jwk.WithMinRefreshInterval(opts.RefreshInterval), jwk.WithHTTPClient(client)); err != nil {
		return nil, fmt.Errorf("authx: register jwks: %w", err)
	}
	return &JWTVerifier{
		jwksURL: url,
		cache:   cache,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(opts.ClockSkew),
		),
	}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (AuthContext, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return AuthContext{}, ErrInvalidToken
	}

	var claims operatorClaims
	if _, err := v.parser.ParseWithClaims(rawToken, &claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.key(ctx, strings.TrimSpace(kid))
	}); err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	auth := claims.authContext()
	if auth.Subject == "" {
		return AuthContext{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return auth, nil
}

func (v *JWTVerifier) key(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}
	set, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("authx: fetch jwks: %w", err)
	}
	key, ok := set.LookupKeyID(kid)
	if !ok && v.mayRefetch() {
		if set, err = v.cache.Refresh(ctx, v.jwksURL); err != nil {
			return nil, fmt.Errorf("authx: refresh jwks: %w", err)
		}
		key, ok = set.LookupKeyID(kid)
	}
	if !ok {
		return nil, ErrUnknownKID
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("authx: key %s: %w", kid, err)
	}
	return raw, nil
}

func (v *JWTVerifier) mayRefetch() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if time.Since(v.lastRefetch) < time.Minute {
		return false
	}
	v.lastRefetch = time.Now()
	return true
}
