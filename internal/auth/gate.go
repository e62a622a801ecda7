package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mr-tron/base58"
)

var (
	// ErrInvalidCredentials is returned by IssueCredential for any
	// subject/secret mismatch.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthorized covers every reason a presented credential is refused.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the credential is valid but its role is not admitted.
	ErrForbidden = errors.New("forbidden")
)

// DefaultTokenTTL is the lifetime of an issued credential.
const DefaultTokenTTL = 60 * time.Minute

const bearerPrefix = "Bearer "

// PrincipalStore resolves a subject/secret pair to the subject's role. Any
// mismatch must be reported as an error without saying which half failed.
type PrincipalStore interface {
	Authenticate(ctx context.Context, subject, secret string) (Role, error)
}

// Principal is the identity asserted by a validated credential.
type Principal struct {
	Subject   string
	Role      Role
	ExpiresAt time.Time
}

// Claims is the JWT payload of a gateway credential.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// GateConfig configures a Gate.
type GateConfig struct {
	// Secret is the HS256 signing key.
	Secret []byte
	// TTL is the credential lifetime; DefaultTokenTTL when zero.
	TTL time.Duration
	// Store looks up principals for IssueCredential.
	Store PrincipalStore
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Gate issues and validates credentials. It holds no per-request state and
// is safe for concurrent use.
type Gate struct {
	secret []byte
	ttl    time.Duration
	store  PrincipalStore
	now    func() time.Time
}

// NewGate creates a Gate from cfg.
func NewGate(cfg GateConfig) (*Gate, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("auth: principal store is required")
	}
	g := &Gate{
		secret: cfg.Secret,
		ttl:    cfg.TTL,
		store:  cfg.Store,
		now:    cfg.Now,
	}
	if g.ttl <= 0 {
		g.ttl = DefaultTokenTTL
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// IssueCredential checks subject/secret against the principal store and, on
// a match, returns a signed credential valid for the gate's TTL.
func (g *Gate) IssueCredential(ctx context.Context, subject, secret string) (string, Principal, error) {
	role, err := g.store.Authenticate(ctx, subject, secret)
	if err != nil {
		return "", Principal{}, ErrInvalidCredentials
	}

	jti, err := newTokenID()
	if err != nil {
		return "", Principal{}, fmt.Errorf("auth: generating token id: %w", err)
	}
	now := g.now()
	p := Principal{
		Subject:   subject,
		Role:      role,
		ExpiresAt: now.Add(g.ttl).Truncate(time.Second),
	}
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
			ID:        jti,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", Principal{}, fmt.Errorf("auth: signing token: %w", err)
	}
	return token, p, nil
}

// Validate parses an Authorization header value of the form
// "Bearer <token>" and returns the principal it asserts. Missing headers,
// wrong schemes, bad signatures, other algorithms and expired tokens all
// yield ErrUnauthorized.
func (g *Gate) Validate(header string) (Principal, error) {
	raw, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok || raw == "" {
		return Principal{}, ErrUnauthorized
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return g.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return Principal{}, ErrUnauthorized
	}
	if claims.Subject == "" {
		return Principal{}, ErrUnauthorized
	}
	role, err := ParseRole(string(claims.Role))
	if err != nil {
		return Principal{}, ErrUnauthorized
	}
	return Principal{
		Subject:   claims.Subject,
		Role:      role,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Authorize admits p iff its role is one of roles.
func Authorize(p Principal, roles ...Role) error {
	if slices.Contains(roles, p.Role) {
		return nil
	}
	return ErrForbidden
}

// AuthorizeOperation applies the Policy entry for op to p.
func AuthorizeOperation(p Principal, op Operation) error {
	if Admits(op, p.Role) {
		return nil
	}
	return ErrForbidden
}

func newTokenID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base58.Encode(b[:]), nil
}
