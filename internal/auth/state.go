package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/bizblasts/calsync/internal/db"
)

const (
	// StateMaxAge bounds how long an authorization round trip may take.
	StateMaxAge = 15 * time.Minute

	minSigningKeyLength = 32
	clockSkew           = time.Minute
)

var (
	ErrInvalidSigningKey = errors.New("state signing key must be at least 32 bytes")
	ErrInvalidState      = errors.New("invalid OAuth state")
	ErrStateExpired      = errors.New("OAuth state expired")
)

// stateEncoding rejects padding and stray bits so every state has exactly
// one accepted spelling.
var stateEncoding = base64.RawURLEncoding.Strict()

// StatePayload is what the state parameter carries through the provider.
type StatePayload struct {
	BusinessID    string      `json:"b"`
	StaffMemberID string      `json:"s"`
	Provider      db.Provider `json:"p"`
	Nonce         string      `json:"n"`
	IssuedAt      int64       `json:"t"`
}

// StateSigner produces and checks HMAC-SHA256 signed state values of the form
// base64url(payload) "." base64url(mac).
type StateSigner struct {
	key    []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewStateSigner creates a signer. now defaults to time.Now.
func NewStateSigner(key []byte, now func() time.Time) (*StateSigner, error) {
	if len(key) < minSigningKeyLength {
		return nil, ErrInvalidSigningKey
	}
	if now == nil {
		now = time.Now
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &StateSigner{key: k, maxAge: StateMaxAge, now: now}, nil
}

// Sign stamps p with the current time and returns the state string.
func (s *StateSigner) Sign(p StatePayload) (string, error) {
	p.IssuedAt = s.now().Unix()
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}
	body := stateEncoding.EncodeToString(raw)
	return body + "." + stateEncoding.EncodeToString(s.mac(body)), nil
}

// Verify checks the signature and age of state and returns its payload.
func (s *StateSigner) Verify(state string) (*StatePayload, error) {
	body, sig, ok := strings.Cut(state, ".")
	if !ok || body == "" || sig == "" || strings.Contains(sig, ".") {
		return nil, fmt.Errorf("%w: malformed", ErrInvalidState)
	}

	gotMAC, err := stateEncoding.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature encoding", ErrInvalidState)
	}
	if !hmac.Equal(gotMAC, s.mac(body)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidState)
	}

	raw, err := stateEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: bad payload encoding", ErrInvalidState)
	}
	var p StatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: bad payload", ErrInvalidState)
	}
	if p.Nonce == "" || p.StaffMemberID == "" || p.BusinessID == "" || !p.Provider.IsValid() {
		return nil, fmt.Errorf("%w: incomplete payload", ErrInvalidState)
	}

	issued := time.Unix(p.IssuedAt, 0)
	now := s.now()
	if issued.After(now.Add(clockSkew)) {
		return nil, fmt.Errorf("%w: issued in the future", ErrInvalidState)
	}
	if now.Sub(issued) > s.maxAge {
		return nil, ErrStateExpired
	}

	return &p, nil
}

func (s *StateSigner) mac(body string) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(body))
	return h.Sum(nil)
}
