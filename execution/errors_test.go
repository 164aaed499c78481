package execution

import (
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
)

func TestErrorCode_String(t *testing.T) {
	assert.Equal(t, ErrorAmountTooLow.String(), "amount too low")
	assert.Equal(t, ErrorKYCRequired.String(), "KYC level 1 is required to proceed")
	assert.Equal(t, ErrorServer.String(), "server error")
	assert.Equal(t, ErrorCode(42).String(), "unknown error 42")
}

func TestIsRejection(t *testing.T) {
	rejected := &ExchangeError{Endpoint: endpointPlaceBid, Code: ErrorAmountTooLow}
	assert.Equal(t, rejected.Error(), "/api/market/place-bid rejected (15): amount too low")

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"exchange error", rejected, true},
		{"wrapped exchange error", errors.Wrap(rejected, "buy XRP"), true},
		{"below minimum", errors.Wrap(ErrBelowMinimum, "buy"), true},
		{"http status", &StatusError{Endpoint: endpointBalances, Code: 502}, false},
		{"transport", errors.New("dial tcp: i/o timeout"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, IsRejection(tc.err), tc.want)
		})
	}
}

func TestStatusError_Message(t *testing.T) {
	err := &StatusError{Endpoint: endpointTicker, Code: 500, Body: " oops \n"}
	assert.Equal(t, err.Error(), "/api/market/ticker: API error 500: oops")

	err.Body = ""
	assert.Equal(t, err.Error(), "/api/market/ticker: API error 500")
}
