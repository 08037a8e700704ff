package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Webhook signature headers. The signature is hex(HMAC-SHA256(secret,
// timestamp + "." + body)).
const (
	HeaderTimestamp = "X-Chainrecon-Timestamp"
	HeaderSignature = "X-Chainrecon-Signature"
)

var (
	ErrBadSignature   = errors.New("crypto: signature mismatch")
	ErrStaleSignature = errors.New("crypto: signature timestamp outside tolerance")
)

// WebhookSigner signs outbound webhook bodies.
type WebhookSigner struct {
	secret []byte
	now    func() time.Time
}

// NewWebhookSigner returns a signer for secret.
func NewWebhookSigner(secret string) *WebhookSigner {
	return &WebhookSigner{secret: []byte(secret), now: time.Now}
}

// Headers returns the timestamp and signature headers for body.
func (s *WebhookSigner) Headers(body []byte) map[string]string {
	return s.HeadersAt(body, s.now().Unix())
}

// HeadersAt is Headers with a caller-supplied Unix timestamp.
func (s *WebhookSigner) HeadersAt(body []byte, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Hex(s.secret, ts, body),
	}
}

// Verify checks a received signature and rejects timestamps further than
// tolerance from now. Receivers can use it as the reference check.
func (s *WebhookSigner) Verify(body []byte, timestamp, signature string, tolerance time.Duration) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto: bad timestamp %q: %w", timestamp, err)
	}
	if tolerance > 0 {
		skew := s.now().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return ErrStaleSignature
		}
	}
	want := hmacSHA256Hex(s.secret, timestamp, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

func hmacSHA256Hex(key []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (s *WebhookSigner) String() string {
	if len(s.secret) <= 4 {
		return "WebhookSigner{secret=****}"
	}
	return fmt.Sprintf("WebhookSigner{secret=%s****}", s.secret[:4])
}
