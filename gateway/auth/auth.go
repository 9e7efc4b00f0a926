// Package auth verifies API-key HMAC signatures and dashboard session
// tokens for the gateway.
package auth

import (
	"container/list"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey carries the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection together with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex HMAC-SHA256 signature of the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature bounds the body size we will hash.
	MaxBodyForSignature = 1 << 20

	maxTimestampSkew     = 2 * time.Minute
	defaultTimestampSkew = maxTimestampSkew
	maxNonceWindow       = 10 * time.Minute
	defaultNonceWindow   = maxNonceWindow
	defaultNonceCapacity = 4096
)

// Principal identifies an authenticated API client.
type Principal struct {
	APIKey  string
	Address string
}

// Authenticator validates API key + HMAC signatures on incoming requests.
// Secrets map API key identifiers to shared secrets; addresses map API
// keys to the wallet address the key acts for.
type Authenticator struct {
	secrets   map[string]string
	addresses map[string]string
	skew      time.Duration
	nonceTTL  time.Duration
	capacity  int
	nowFn     func() time.Time

	mu     sync.Mutex
	nonces map[string]*nonceCache
}

// NewAuthenticator builds an Authenticator. Zero durations take the
// defaults; values above the hard maxima are clamped.
func NewAuthenticator(secrets, addresses map[string]string, skew, nonceTTL time.Duration, nowFn func() time.Time) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cloned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	addrs := make(map[string]string, len(addresses))
	for k, v := range addresses {
		addrs[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 || skew > maxTimestampSkew {
		skew = defaultTimestampSkew
	}
	if nonceTTL <= 0 || nonceTTL > maxNonceWindow {
		nonceTTL = defaultNonceWindow
	}
	return &Authenticator{
		secrets:   cloned,
		addresses: addrs,
		skew:      skew,
		nonceTTL:  nonceTTL,
		capacity:  defaultNonceCapacity,
		nowFn:     nowFn,
		nonces:    make(map[string]*nonceCache),
	}
}

// Authenticate validates headers and signature, returning the caller.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if tsHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	secs, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	ts := time.Unix(secs, 0).UTC()
	now := a.nowFn().UTC()
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if provided == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := ComputeSignature(secret, tsHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	if a.cacheFor(apiKey).Seen(tsHeader+"|"+nonce, now) {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey, Address: a.addresses[apiKey]}, nil
}

func (a *Authenticator) cacheFor(apiKey string) *nonceCache {
	a.mu.Lock()
	defer a.mu.Unlock()
	cache, ok := a.nonces[apiKey]
	if !ok {
		cache = newNonceCache(a.nonceTTL, a.capacity)
		a.nonces[apiKey] = cache
	}
	return cache
}

// CanonicalRequestPath normalises the URL path and query ordering for
// signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		parts := strings.Split(r.URL.RawQuery, "&")
		sort.Strings(parts)
		path += "?" + strings.Join(parts, "&")
	}
	return path
}

// ComputeSignature builds the HMAC-SHA256 signature bytes for a request.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// nonceCache is a TTL-bounded LRU of observed nonces for one API key.
type nonceCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceCache(ttl time.Duration, capacity int) *nonceCache {
	return &nonceCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen reports whether the nonce was already observed inside the TTL
// window, recording it when new.
func (n *nonceCache) Seen(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	cutoff := now.Add(-n.ttl)
	for front := n.order.Front(); front != nil; front = n.order.Front() {
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			break
		}
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
	if _, exists := n.entries[key]; exists {
		return true
	}
	for n.capacity > 0 && n.order.Len() >= n.capacity {
		front := n.order.Front()
		entry := front.Value.(nonceEntry)
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
	n.entries[key] = n.order.PushBack(nonceEntry{key: key, ts: now})
	return false
}
