package auth

import (
	"encoding/hex"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestAuthenticator(now time.Time) *Authenticator {
	return NewAuthenticator(
		map[string]string{"key-1": "secret-1", "key-2": "secret-2"},
		map[string]string{"key-1": "koo1clientwallet"},
		0, 0, fixedClock(now),
	)
}

func TestAuthenticateAcceptsSignedRequest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestAuthenticator(now)

	body := []byte(`{"amount":"5.00"}`)
	req := httptest.NewRequest("POST", "/escrow/fund?b=2&a=1", nil)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := ComputeSignature("secret-1", ts, "nonce-1", "POST", "/escrow/fund?a=1&b=2", body)
	req.Header.Set(HeaderAPIKey, "key-1")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))

	principal, err := a.Authenticate(req, body)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.APIKey != "key-1" || principal.Address != "koo1clientwallet" {
		t.Fatalf("principal = %+v", principal)
	}
}

func TestAuthenticateRejectsReplay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestAuthenticator(now)

	body := []byte(`{}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := hex.EncodeToString(ComputeSignature("secret-1", ts, "nonce-x", "POST", "/escrow", body))

	for attempt := 0; attempt < 2; attempt++ {
		req := httptest.NewRequest("POST", "/escrow", nil)
		req.Header.Set(HeaderAPIKey, "key-1")
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderNonce, "nonce-x")
		req.Header.Set(HeaderSignature, sig)
		_, err := a.Authenticate(req, body)
		if attempt == 0 && err != nil {
			t.Fatalf("first use rejected: %v", err)
		}
		if attempt == 1 && (err == nil || !strings.Contains(err.Error(), "nonce")) {
			t.Fatalf("replay not rejected: %v", err)
		}
	}
}

func TestAuthenticateNoncesScopedPerKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestAuthenticator(now)
	ts := strconv.FormatInt(now.Unix(), 10)

	for _, key := range []string{"key-1", "key-2"} {
		secret := map[string]string{"key-1": "secret-1", "key-2": "secret-2"}[key]
		req := httptest.NewRequest("GET", "/escrow", nil)
		req.Header.Set(HeaderAPIKey, key)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderNonce, "shared-nonce")
		req.Header.Set(HeaderSignature, hex.EncodeToString(ComputeSignature(secret, ts, "shared-nonce", "GET", "/escrow", nil)))
		if _, err := a.Authenticate(req, nil); err != nil {
			t.Fatalf("%s: %v", key, err)
		}
	}
}

func TestAuthenticateRejectsSkewedTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestAuthenticator(now)

	for _, offset := range []time.Duration{-3 * time.Minute, 3 * time.Minute} {
		ts := strconv.FormatInt(now.Add(offset).Unix(), 10)
		req := httptest.NewRequest("GET", "/escrow", nil)
		req.Header.Set(HeaderAPIKey, "key-1")
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderNonce, "n")
		req.Header.Set(HeaderSignature, hex.EncodeToString(ComputeSignature("secret-1", ts, "n", "GET", "/escrow", nil)))
		if _, err := a.Authenticate(req, nil); err == nil {
			t.Fatalf("offset %s accepted", offset)
		}
	}
}

func TestAuthenticateHeaderValidation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestAuthenticator(now)
	ts := strconv.FormatInt(now.Unix(), 10)
	good := hex.EncodeToString(ComputeSignature("secret-1", ts, "n", "GET", "/escrow", nil))

	cases := []struct {
		name    string
		headers map[string]string
	}{
		{"missing api key", map[string]string{HeaderTimestamp: ts, HeaderNonce: "n", HeaderSignature: good}},
		{"unknown api key", map[string]string{HeaderAPIKey: "nope", HeaderTimestamp: ts, HeaderNonce: "n", HeaderSignature: good}},
		{"missing timestamp", map[string]string{HeaderAPIKey: "key-1", HeaderNonce: "n", HeaderSignature: good}},
		{"bad timestamp", map[string]string{HeaderAPIKey: "key-1", HeaderTimestamp: "yesterday", HeaderNonce: "n", HeaderSignature: good}},
		{"missing nonce", map[string]string{HeaderAPIKey: "key-1", HeaderTimestamp: ts, HeaderSignature: good}},
		{"missing signature", map[string]string{HeaderAPIKey: "key-1", HeaderTimestamp: ts, HeaderNonce: "n"}},
		{"non-hex signature", map[string]string{HeaderAPIKey: "key-1", HeaderTimestamp: ts, HeaderNonce: "n", HeaderSignature: "zz"}},
		{"wrong signature", map[string]string{HeaderAPIKey: "key-1", HeaderTimestamp: ts, HeaderNonce: "n", HeaderSignature: hex.EncodeToString(ComputeSignature("wrong", ts, "n", "GET", "/escrow", nil))}},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", "/escrow", nil)
		for k, v := range tc.headers {
			req.Header.Set(k, v)
		}
		if _, err := a.Authenticate(req, nil); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestAuthenticateBodyBound(t *testing.T) {
	a := newTestAuthenticator(time.Unix(1_700_000_000, 0))
	oversize := make([]byte, MaxBodyForSignature+1)
	req := httptest.NewRequest("POST", "/escrow", nil)
	if _, err := a.Authenticate(req, oversize); err == nil {
		t.Fatalf("oversize body accepted")
	}
}

func TestCanonicalRequestPath(t *testing.T) {
	req := httptest.NewRequest("GET", "/escrows?page=2&limit=10&role=approver", nil)
	if got := CanonicalRequestPath(req); got != "/escrows?limit=10&page=2&role=approver" {
		t.Fatalf("canonical = %q", got)
	}
	req = httptest.NewRequest("GET", "/escrows", nil)
	if got := CanonicalRequestPath(req); got != "/escrows" {
		t.Fatalf("canonical = %q", got)
	}
}

func TestNonceCacheTTLEviction(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cache := newNonceCache(time.Minute, 10)

	if cache.Seen("n1", now) {
		t.Fatalf("fresh nonce reported as seen")
	}
	if !cache.Seen("n1", now.Add(30*time.Second)) {
		t.Fatalf("nonce inside the window not remembered")
	}
	// Past the TTL the nonce is forgotten; the matching timestamp-skew check
	// has already aged the request out by then.
	if cache.Seen("n1", now.Add(2*time.Minute)) {
		t.Fatalf("expired nonce still remembered")
	}
}

func TestNonceCacheCapacityEviction(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cache := newNonceCache(time.Hour, 2)

	cache.Seen("n1", now)
	cache.Seen("n2", now.Add(time.Second))
	cache.Seen("n3", now.Add(2*time.Second))
	if cache.Seen("n1", now.Add(3*time.Second)) {
		t.Fatalf("oldest nonce should have been evicted by capacity")
	}
	if !cache.Seen("n3", now.Add(4*time.Second)) {
		t.Fatalf("recent nonce evicted")
	}
}

func TestSessionIssueVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	issuer, err := NewSessionIssuer([]byte("session-secret"), time.Hour, fixedClock(now))
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	token, err := issuer.Issue("koo1wallet")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	address, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if address != "koo1wallet" {
		t.Fatalf("address = %q", address)
	}
}

func TestSessionVerifyFailures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	issuer, _ := NewSessionIssuer([]byte("session-secret"), time.Hour, fixedClock(now))
	token, _ := issuer.Issue("koo1wallet")

	other, _ := NewSessionIssuer([]byte("different-secret"), time.Hour, fixedClock(now))
	if _, err := other.Verify(token); err == nil {
		t.Fatalf("token verified under the wrong secret")
	}

	expired, _ := NewSessionIssuer([]byte("session-secret"), time.Hour, fixedClock(now.Add(2*time.Hour)))
	if _, err := expired.Verify(token); err == nil {
		t.Fatalf("expired token verified")
	}

	if _, err := issuer.Verify("not.a.token"); err == nil {
		t.Fatalf("garbage token verified")
	}
	if _, err := issuer.Issue(""); err == nil {
		t.Fatalf("issued a token with no subject")
	}
}

func TestNewSessionIssuerRequiresSecret(t *testing.T) {
	if _, err := NewSessionIssuer(nil, time.Hour, nil); err == nil {
		t.Fatalf("accepted an empty secret")
	}
}
