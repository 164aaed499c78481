package execution

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Payload is the field set of a signed request body. Values are strings, integers or decimals.
type Payload map[string]interface{}

// canonicalJSON sorts map keys and writes no insignificant whitespace; both are part of the
// signed contract.
var canonicalJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Canonical returns the exact bytes that are signed and sent. Decimals are written as bare
// JSON numbers.
func Canonical(p Payload) ([]byte, error) {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		switch val := v.(type) {
		case decimal.Decimal:
			out[k] = jsoniter.RawMessage(val.String())
		default:
			out[k] = v
		}
	}
	b, err := canonicalJSON.Marshal(out)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return b, nil
}

type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign returns the hex HMAC-SHA256 of the canonical payload. The payload must already carry ts.
func (s *Signer) Sign(p Payload) (string, error) {
	if _, ok := p["ts"]; !ok {
		return "", ErrMissingTS
	}
	body, err := Canonical(p)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
