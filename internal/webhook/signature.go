package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// SettlementSignatureHeader carries the signature of outbound settlement events.
	SettlementSignatureHeader = "X-Settlement-Signature"
	// ProviderSignatureHeader carries the signature of inbound provider events.
	ProviderSignatureHeader = "X-Provider-Signature"

	// DefaultMaxAge is the replay window for signed payloads.
	DefaultMaxAge = 5 * time.Minute

	// maxClockSkew tolerates senders whose clock runs slightly ahead.
	maxClockSkew = time.Minute
)

var (
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrStaleSignature     = errors.New("signature timestamp outside tolerance")
	ErrInvalidSignature   = errors.New("signature mismatch")
)

// Sign returns the header value "t=<ts>,v1=<hex>" where the digest is
// HMAC-SHA256(secret, "<ts>.<payload>").
func Sign(secret string, payload []byte, ts time.Time) string {
	unix := ts.Unix()
	return fmt.Sprintf("t=%d,v1=%s", unix, hex.EncodeToString(digest(secret, unix, payload)))
}

// Verify checks a signature header against payload. Timestamps older than
// maxAge are rejected before the digest is compared. If maxAge <= 0,
// DefaultMaxAge is used.
func Verify(secret, header string, payload []byte, maxAge time.Duration, now time.Time) error {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	ts, sigs, err := parseHeader(header)
	if err != nil {
		return err
	}

	signedAt := time.Unix(ts, 0)
	if now.Sub(signedAt) > maxAge {
		return fmt.Errorf("%w: signed %s ago (max %s)", ErrStaleSignature, now.Sub(signedAt).Round(time.Second), maxAge)
	}
	if signedAt.After(now.Add(maxClockSkew)) {
		return fmt.Errorf("%w: timestamp is in the future", ErrStaleSignature)
	}

	expected := digest(secret, ts, payload)
	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// parseHeader accepts "t=<unix>,v1=<hex>[,v1=<hex>...]". Several v1 entries
// may be present while a secret is being rotated.
func parseHeader(header string) (int64, [][]byte, error) {
	var (
		ts     int64
		haveTS bool
		sigs   [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, nil, ErrMalformedSignature
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrMalformedSignature)
			}
			ts, haveTS = n, true
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad digest encoding", ErrMalformedSignature)
			}
			sigs = append(sigs, sig)
		}
	}
	if !haveTS || len(sigs) == 0 {
		return 0, nil, ErrMalformedSignature
	}
	return ts, sigs, nil
}

func digest(secret string, ts int64, payload []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte{'.'})
	h.Write(payload)
	return h.Sum(nil)
}
