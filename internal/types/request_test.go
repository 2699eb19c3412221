package types

import (
	"strings"
	"testing"
)

func TestNewRequestRejectsGetWithPayload(t *testing.T) {
	_, err := NewRequestWithMethod("https://example.com", "GET", []byte("body"))
	if err == nil {
		t.Fatal("expected an error constructing a GET request with a payload")
	}
	var verr *ValidationError
	if ve, ok := err.(*ValidationError); ok {
		verr = ve
	}
	if verr == nil || verr.Field != "payload" {
		t.Errorf("expected a *ValidationError on the payload field, got %v", err)
	}
}

func TestNewRequestRejectsUnsupportedScheme(t *testing.T) {
	_, err := NewRequest("ftp://example.com/file")
	if err == nil {
		t.Fatal("expected an error for a non-http(s) scheme")
	}
}

func TestComputeUniqueKeyCanonicalizesGet(t *testing.T) {
	a := ComputeUniqueKey("GET", "https://Example.com/Path/?b=2&a=1", nil)
	b := ComputeUniqueKey("get", "https://example.com/Path?a=1&b=2", nil)
	if a != b {
		t.Errorf("expected canonicalized GET keys to match, got %q vs %q", a, b)
	}
}

func TestComputeUniqueKeyDistinguishesMethodAndPayload(t *testing.T) {
	k1 := ComputeUniqueKey("POST", "https://example.com/submit", []byte(`{"a":1}`))
	k2 := ComputeUniqueKey("POST", "https://example.com/submit", []byte(`{"a":2}`))
	if k1 == k2 {
		t.Error("expected different payloads to produce different unique keys")
	}
	if !strings.HasPrefix(k1, "POST:") {
		t.Errorf("expected POST unique key to be prefixed with method, got %q", k1)
	}
}

func TestCanonicalizeURLStripsDefaultPortAndTrailingSlash(t *testing.T) {
	got := CanonicalizeURL("HTTPS://Example.com:443/path/")
	want := "https://example.com/path"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestValidateUserDataRejectsUnencodable(t *testing.T) {
	req, err := NewRequest("https://example.com")
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.UserData["fn"] = func() {} // functions cannot be JSON-marshaled
	if err := req.ValidateUserData(); err == nil {
		t.Fatal("expected ValidateUserData to reject a function value")
	}
}

func TestValidateUserDataAcceptsPlainValues(t *testing.T) {
	req, err := NewRequest("https://example.com")
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.UserData["label"] = "listing"
	req.UserData["depth"] = 2
	if err := req.ValidateUserData(); err != nil {
		t.Errorf("expected plain user data to validate, got %v", err)
	}
}

func TestRequestCloneIsIndependent(t *testing.T) {
	req, err := NewRequest("https://example.com")
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.UserData["label"] = "original"
	clone := req.Clone()
	clone.UserData["label"] = "modified"

	if req.UserData["label"] != "original" {
		t.Error("mutating a clone's user data should not affect the original")
	}
}
