package execution

import (
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"gotest.tools/v3/assert"
)

func testBidPayload() Payload {
	return Payload{
		"typ": "limit",
		"sym": "THB_BTC",
		"amt": decimal.RequireFromString("150.5"),
		"rat": decimal.NewFromInt(1),
		"ts":  int64(1529999999),
	}
}

func TestCanonical_SortedCompact(t *testing.T) {
	b, err := Canonical(testBidPayload())
	assert.NilError(t, err)
	assert.Equal(t, string(b), `{"amt":150.5,"rat":1,"sym":"THB_BTC","ts":1529999999,"typ":"limit"}`)
}

func TestCanonical_AllEndpointShapes(t *testing.T) {
	shapes := map[string]Payload{
		"balances":    {"ts": int64(1), "sig": "x"},
		"open orders": {"sym": "THB_XRP", "ts": int64(1)},
		"cancel":      {"sym": "THB_XRP", "id": "42", "sd": "buy", "hash": "h", "ts": int64(1)},
		"place":       testBidPayload(),
	}
	for name, p := range shapes {
		b, err := Canonical(p)
		assert.NilError(t, err, name)
		s := string(b)
		assert.Assert(t, !strings.ContainsAny(s, " \n\t"), "%s: %s", name, s)

		// keys must appear in lexicographic order
		last := -1
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			idx := strings.Index(s, `"`+k+`":`)
			assert.Assert(t, idx > last, "%s: key %s out of order in %s", name, k, s)
			last = idx
		}
	}
}

func TestSigner_KnownVector(t *testing.T) {
	signer, err := NewSigner("secret")
	assert.NilError(t, err)

	sig, err := signer.Sign(testBidPayload())
	assert.NilError(t, err)
	assert.Equal(t, sig, "a92838b2f9ec3ee0e4247c66ba4a97e7264bf02445b5b3dbb17d5d76bf797a99")

	sig, err = signer.Sign(Payload{"ts": int64(1529999999)})
	assert.NilError(t, err)
	assert.Equal(t, sig, "8d575d11b33eabc95b4627bfe516568573d56ff2489464c74b6eb2d70470c311")
}

func TestSigner_Deterministic(t *testing.T) {
	signer, _ := NewSigner("secret")

	first, err := signer.Sign(testBidPayload())
	assert.NilError(t, err)
	for i := 0; i < 10; i++ {
		again, err := signer.Sign(testBidPayload())
		assert.NilError(t, err)
		assert.Equal(t, again, first)
	}

	changed := testBidPayload()
	changed["rat"] = decimal.NewFromInt(2)
	other, _ := signer.Sign(changed)
	assert.Assert(t, other != first, "changing a value must change the signature")

	otherSigner, _ := NewSigner("another-secret")
	other, _ = otherSigner.Sign(testBidPayload())
	assert.Assert(t, other != first, "changing the secret must change the signature")
}

func TestSigner_RequiresTimestamp(t *testing.T) {
	signer, _ := NewSigner("secret")
	_, err := signer.Sign(Payload{"sym": "THB_BTC"})
	assert.Assert(t, errors.Is(err, ErrMissingTS))
}

func TestNewSigner_MissingSecret(t *testing.T) {
	_, err := NewSigner("")
	assert.Assert(t, errors.Is(err, ErrMissingSecret))
}
