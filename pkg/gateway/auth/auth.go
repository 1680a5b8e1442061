package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

var ErrInvalidCredential = errors.New("invalid credential")

// Credential identifies the holder of one connection or request. Trusted
// credentials skip ownership checks and only exist when auth is disabled.
type Credential struct {
	Subject  string
	Role     Role
	ParentID string
	ChildID  string
	Trusted  bool
}

// Anonymous is the credential used when auth is disabled.
func Anonymous() *Credential {
	return &Credential{Subject: "anonymous", Trusted: true}
}

// Guest is used for connections without a token when auth is optional. It
// may join conversations but never acts as a parent.
func Guest() *Credential {
	return &Credential{Subject: "guest"}
}

func (c *Credential) IsParent() bool {
	return c != nil && (c.Trusted || c.Role == RoleParent)
}

// OwnsParent reports whether the credential may act for parentID.
func (c *Credential) OwnsParent(parentID string) bool {
	if c == nil {
		return false
	}
	if c.Trusted {
		return true
	}
	return c.Role == RoleParent && c.ParentID != "" && c.ParentID == parentID
}

type claims struct {
	Role     Role   `json:"role"`
	ParentID string `json:"pid,omitempty"`
	ChildID  string `json:"cid,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 credential tokens issued by this gateway.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewVerifier(secret, issuer string) (*Verifier, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth: secret must be at least 32 bytes")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

func (v *Verifier) Verify(token string) (*Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var c claims
	if _, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) { return v.secret, nil }, opts...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	switch c.Role {
	case RoleParent:
		if c.ParentID == "" {
			return nil, fmt.Errorf("%w: parent credential without parent id", ErrInvalidCredential)
		}
	case RoleChild:
		if c.ChildID == "" {
			return nil, fmt.Errorf("%w: child credential without child id", ErrInvalidCredential)
		}
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidCredential, c.Role)
	}
	return &Credential{Subject: c.Subject, Role: c.Role, ParentID: c.ParentID, ChildID: c.ChildID}, nil
}

// Issue signs a credential valid for ttl. Used by operators and tests.
func (v *Verifier) Issue(cred Credential, ttl time.Duration) (string, error) {
	now := v.now()
	c := claims{
		Role:     cred.Role,
		ParentID: cred.ParentID,
		ChildID:  cred.ChildID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cred.Subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

type ctxKey struct{}

func WithCredential(ctx context.Context, c *Credential) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func CredentialFrom(ctx context.Context) (*Credential, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Credential)
	return c, ok && c != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
