package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Headers of svix-style signed webhooks.
const (
	HeaderWebhookID        = "svix-id"
	HeaderWebhookTimestamp = "svix-timestamp"
	HeaderWebhookSignature = "svix-signature"
)

// DefaultSignatureTolerance is how far the signed timestamp may be from now.
const DefaultSignatureTolerance = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("missing webhook signature headers")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside tolerance")
	ErrBadSignature     = errors.New("webhook signature mismatch")
)

// SignatureVerifier checks the HMAC-SHA256 signature the mail provider puts on
// every webhook delivery.
type SignatureVerifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewSignatureVerifier decodes a "whsec_" secret. Secrets without the prefix are
// used as raw key bytes.
func NewSignatureVerifier(secret string, tolerance time.Duration) (*SignatureVerifier, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is empty")
	}
	key := []byte(secret)
	if strings.HasPrefix(secret, "whsec_") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
		if err != nil {
			return nil, fmt.Errorf("invalid webhook secret: %w", err)
		}
		key = decoded
	}
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	return &SignatureVerifier{key: key, tolerance: tolerance, now: time.Now}, nil
}

// Sign returns the base64 signature of a payload, as sent in the v1 scheme.
func (v *SignatureVerifier) Sign(id string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id + "." + strconv.FormatInt(ts.Unix(), 10) + "."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks the headers against the raw request body. The signature header
// may carry several space separated "v1,<sig>" entries; one match is enough.
func (v *SignatureVerifier) Verify(id, timestamp, signatures string, body []byte) error {
	if id == "" || timestamp == "" || signatures == "" {
		return ErrMissingSignature
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrStaleTimestamp, timestamp)
	}
	ts := time.Unix(unix, 0)
	if d := v.now().Sub(ts); d > v.tolerance || d < -v.tolerance {
		return ErrStaleTimestamp
	}

	expected := []byte(v.Sign(id, ts, body))
	for _, entry := range strings.Fields(signatures) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), expected) {
			return nil
		}
	}
	return ErrBadSignature
}
