package execution

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrMissingSecret = errors.New("api secret is required")
	ErrMissingAPIKey = errors.New("api key is required")
	ErrMissingTS     = errors.New("payload has no ts field")
	// ErrBelowMinimum is returned by PlaceBuy before any request is made.
	ErrBelowMinimum = errors.New("order amount is below the exchange minimum")
	// ErrNoResult marks a successful envelope that carries no result where one is required.
	ErrNoResult = errors.New("response has no result")
)

// ErrorCode is the numeric "error" field of every authenticated response.
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorInvalidJSON
	ErrorMissingAPIKey
	ErrorInvalidAPIKey
	ErrorAPIPending
	ErrorIPNotAllowed
	ErrorInvalidSignature
	ErrorMissingTimestamp
	ErrorInvalidTimestamp
	ErrorInvalidUser
	ErrorInvalidParameter
	ErrorInvalidSymbol
	ErrorInvalidAmount
	ErrorInvalidRate
	ErrorImproperRate
	ErrorAmountTooLow
	ErrorBalanceUnavailable
	ErrorWalletEmpty
	ErrorInsufficientBalance
	ErrorOrderInsertFailed
	ErrorDeductBalanceFailed
	ErrorInvalidCancelOrder
	ErrorInvalidSide
	ErrorOrderUpdateFailed
	ErrorInvalidLookupOrder
	ErrorKYCRequired
)

const (
	ErrorLimitExceeds ErrorCode = 30
	ErrorServer       ErrorCode = 90
)

var errorMapping = map[ErrorCode]string{
	ErrorNone:                "no error",
	ErrorInvalidJSON:         "invalid JSON payload",
	ErrorMissingAPIKey:       "missing X-BTK-APIKEY",
	ErrorInvalidAPIKey:       "invalid API key",
	ErrorAPIPending:          "API pending for activation",
	ErrorIPNotAllowed:        "IP not allowed",
	ErrorInvalidSignature:    "missing or invalid signature",
	ErrorMissingTimestamp:    "missing timestamp",
	ErrorInvalidTimestamp:    "invalid timestamp",
	ErrorInvalidUser:         "invalid user",
	ErrorInvalidParameter:    "invalid parameter",
	ErrorInvalidSymbol:       "invalid symbol",
	ErrorInvalidAmount:       "invalid amount",
	ErrorInvalidRate:         "invalid rate",
	ErrorImproperRate:        "improper rate",
	ErrorAmountTooLow:        "amount too low",
	ErrorBalanceUnavailable:  "failed to get balance",
	ErrorWalletEmpty:         "wallet is empty",
	ErrorInsufficientBalance: "insufficient balance",
	ErrorOrderInsertFailed:   "failed to insert order into db",
	ErrorDeductBalanceFailed: "failed to deduct balance",
	ErrorInvalidCancelOrder:  "invalid order for cancellation",
	ErrorInvalidSide:         "invalid side",
	ErrorOrderUpdateFailed:   "failed to update order status",
	ErrorInvalidLookupOrder:  "invalid order for lookup",
	ErrorKYCRequired:         "KYC level 1 is required to proceed",
	ErrorLimitExceeds:        "limit exceeds",
	ErrorServer:              "server error",
}

func (c ErrorCode) String() string {
	if s, ok := errorMapping[c]; ok {
		return s
	}
	return fmt.Sprintf("unknown error %d", int(c))
}

// ExchangeError is a 2xx response carrying a non-zero error code.
type ExchangeError struct {
	Endpoint string
	Code     ErrorCode
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s rejected (%d): %s", e.Endpoint, int(e.Code), e.Code)
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s: API error %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("%s: API error %d: %s", e.Endpoint, e.Code, body)
}

// IsRejection reports whether err is an exchange-side refusal rather than a transport failure.
func IsRejection(err error) bool {
	var exErr *ExchangeError
	return errors.As(err, &exErr) || errors.Is(err, ErrBelowMinimum)
}
