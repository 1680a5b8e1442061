package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestVerifier_RoundTrip(t *testing.T) {
	v, err := NewVerifier(secret, "talkbuddy")
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	tok, err := v.Issue(Credential{Subject: "u1", Role: RoleParent, ParentID: "parent_1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	cred, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if cred.Subject != "u1" || cred.Role != RoleParent || cred.ParentID != "parent_1" || cred.Trusted {
		t.Fatalf("cred=%+v", cred)
	}
	if !cred.IsParent() || !cred.OwnsParent("parent_1") || cred.OwnsParent("parent_2") {
		t.Fatalf("ownership checks wrong for %+v", cred)
	}
}

func TestVerifier_Rejects(t *testing.T) {
	v, _ := NewVerifier(secret, "talkbuddy")
	other, _ := NewVerifier("ffffffffffffffffffffffffffffffff", "talkbuddy")
	foreign, _ := NewVerifier(secret, "someone-else")

	expired := func() string {
		v.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		defer func() { v.now = time.Now }()
		tok, _ := v.Issue(Credential{Subject: "u1", Role: RoleChild, ChildID: "kid_1"}, time.Minute)
		return tok
	}()
	wrongKey, _ := other.Issue(Credential{Subject: "u1", Role: RoleChild, ChildID: "kid_1"}, time.Hour)
	wrongIssuer, _ := foreign.Issue(Credential{Subject: "u1", Role: RoleChild, ChildID: "kid_1"}, time.Hour)
	noChild, _ := v.Issue(Credential{Subject: "u1", Role: RoleChild}, time.Hour)
	noRole, _ := v.Issue(Credential{Subject: "u1"}, time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"role": "parent", "pid": "p"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, tok := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"expired":      expired,
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"no child id":  noChild,
		"no role":      noRole,
		"alg none":     none,
	} {
		if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("%s: Verify() error = %v, want ErrInvalidCredential", name, err)
		}
	}
}

func TestNewVerifier_ShortSecret(t *testing.T) {
	if _, err := NewVerifier("short", ""); err == nil {
		t.Fatalf("expected error for short secret")
	}
}

func TestAnonymousIsTrusted(t *testing.T) {
	a := Anonymous()
	if !a.IsParent() || !a.OwnsParent("anyone") {
		t.Fatalf("anonymous credential should pass ownership checks")
	}
	var nilCred *Credential
	if nilCred.IsParent() || nilCred.OwnsParent("p") {
		t.Fatalf("nil credential must not pass")
	}
	if g := Guest(); g.IsParent() || g.OwnsParent("") || g.Trusted {
		t.Fatalf("guest credential must not act as parent")
	}
	child := &Credential{Role: RoleChild, ChildID: "kid_1"}
	if child.IsParent() || child.OwnsParent("") {
		t.Fatalf("child credential must not act as parent")
	}
}

func TestParseBearer(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if _, ok := ParseBearer(r); ok {
		t.Fatalf("expected no token")
	}
	r.Header.Set("Authorization", "Bearer  abc ")
	if tok, ok := ParseBearer(r); !ok || tok != "abc" {
		t.Fatalf("token=%q ok=%v", tok, ok)
	}
	r.Header.Set("Authorization", "Basic abc")
	if _, ok := ParseBearer(r); ok {
		t.Fatalf("basic auth must not parse as bearer")
	}
}
