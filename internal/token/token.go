// Package token issues and verifies the short-lived bearer credential that binds
// a user identity to the time it was signed.
//
// Wire format: base64(subject ":" issuedAtMillis ":" hex(HMAC-SHA256(secret, subject ":" issuedAtMillis)))
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// AnonymousSubject is the distinguished non-privileged identity.
const AnonymousSubject = "anonymous"

// MaxAgeMillis is how long a token stays valid after signing (inclusive).
const MaxAgeMillis uint64 = 300_000

// MaxAge is MaxAgeMillis as a duration.
const MaxAge = time.Duration(MaxAgeMillis) * time.Millisecond

const delimiter = ":"

var (
	// ErrMalformed indicates the token could not be decoded or split into its fields.
	ErrMalformed = errors.New("malformed token")

	// ErrInvalidSignature indicates the embedded signature does not match.
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrExpired indicates the token is older than MaxAgeMillis.
	ErrExpired = errors.New("token expired")

	// ErrMissingSecret indicates no signing secret is configured.
	ErrMissingSecret = errors.New("token signing secret not configured")

	// ErrInvalidSubject indicates a subject that cannot be encoded unambiguously.
	ErrInvalidSubject = errors.New("invalid token subject")
)

// Issue signs subject at nowMillis. The caller supplies the time.
func Issue(subject, secret string, nowMillis uint64) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	if subject == "" || strings.Contains(subject, delimiter) {
		return "", ErrInvalidSubject
	}

	payload := subject + delimiter + strconv.FormatUint(nowMillis, 10)
	raw := payload + delimiter + sign(secret, payload)
	return base64.StdEncoding.EncodeToString([]byte(raw)), nil
}

// Verify checks token against secret and returns the subject it was issued for.
// nowMillis is the verifier's own clock; nothing in the token is trusted for elapsed time.
func Verify(token, secret string, nowMillis uint64) (string, error) {
	subject, issuedAt, err := VerifySignature(token, secret)
	if err != nil {
		return "", err
	}

	// Future-dated tokens count as age zero rather than underflowing.
	if nowMillis > issuedAt && nowMillis-issuedAt > MaxAgeMillis {
		return "", ErrExpired
	}

	return subject, nil
}

// VerifySignature checks the encoding and signature of token without applying
// MaxAgeMillis. It returns the subject and the signing time.
func VerifySignature(token, secret string) (subject string, issuedAtMillis uint64, err error) {
	if secret == "" {
		return "", 0, ErrMissingSecret
	}

	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", 0, ErrMalformed
	}

	// A subject containing the delimiter yields more than three parts and is rejected here.
	parts := strings.Split(string(decoded), delimiter)
	if len(parts) != 3 {
		return "", 0, ErrMalformed
	}
	subject, issuedStr, signature := parts[0], parts[1], parts[2]
	if subject == "" {
		return "", 0, ErrMalformed
	}

	issuedAt, err := strconv.ParseUint(issuedStr, 10, 64)
	if err != nil {
		return "", 0, ErrMalformed
	}

	expected := sign(secret, subject+delimiter+issuedStr)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return "", 0, ErrInvalidSignature
	}

	return subject, issuedAt, nil
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

func sign(secret, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// Codec binds a secret and a clock for callers that work with time.Time.
type Codec struct {
	secret string
	now    func() time.Time
}

// NewCodec creates a codec. A nil clock defaults to time.Now.
func NewCodec(secret string, now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{secret: secret, now: now}
}

// Issue signs subject at the codec's current time.
func (c *Codec) Issue(subject string) (string, error) {
	return Issue(subject, c.secret, Millis(c.now()))
}

// IssueAt signs subject at the given time.
func (c *Codec) IssueAt(subject string, now time.Time) (string, error) {
	return Issue(subject, c.secret, Millis(now))
}

// Verify checks token at the codec's current time.
func (c *Codec) Verify(token string) (string, error) {
	return Verify(token, c.secret, Millis(c.now()))
}

// VerifyAt checks token at the given time.
func (c *Codec) VerifyAt(token string, now time.Time) (string, error) {
	return Verify(token, c.secret, Millis(now))
}

// Millis converts t to unsigned Unix milliseconds, clamping pre-epoch times to zero.
func Millis(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}
