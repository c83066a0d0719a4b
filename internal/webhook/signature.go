package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sokoby/checkout/internal/apperr"
)

const SignatureHeader = "Payment-Signature"

// Verifier checks "t=<unix>,v1=<hex>" signatures, where v1 is the HMAC-SHA256
// of "<t>.<payload>" under the shared secret.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

func (v *Verifier) Verify(payload []byte, header string) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: no webhook secret configured", apperr.ErrInvalidSignature)
	}
	ts, sigs, err := parseHeader(header)
	if err != nil {
		return err
	}
	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(ts, 0))
		if age > v.tolerance || age < -v.tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", apperr.ErrInvalidSignature)
		}
	}
	want := mac(v.secret, ts, payload)
	for _, s := range sigs {
		got, err := hex.DecodeString(s)
		if err != nil {
			continue
		}
		if hmac.Equal(got, want) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", apperr.ErrInvalidSignature)
}

// Sign builds the header value the gateway would send for payload.
func Sign(secret string, ts time.Time, payload []byte) string {
	t := ts.Unix()
	return fmt.Sprintf("t=%d,v1=%s", t, hex.EncodeToString(mac([]byte(secret), t, payload)))
}

func mac(secret []byte, ts int64, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte("."))
	h.Write(payload)
	return h.Sum(nil)
}

func parseHeader(header string) (int64, []string, error) {
	var (
		ts    int64
		hasTS bool
		sigs  []string
	)
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", apperr.ErrInvalidSignature)
			}
			ts, hasTS = n, true
		case "v1":
			sigs = append(sigs, val)
		}
	}
	if !hasTS || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: malformed %s header", apperr.ErrInvalidSignature, SignatureHeader)
	}
	return ts, sigs, nil
}
