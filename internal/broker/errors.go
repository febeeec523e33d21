package broker

import (
	"context"
	"errors"
	"net"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// The error taxonomy drives three different reactions:
//
//   - transient (429, 5xx, network trouble): retry with backoff, then
//     skip the work item and let the next cycle try again
//   - auth (401, 403): unrecoverable, the service shuts down
//   - client (other 4xx): the request itself is bad, skip the item
//     without retrying

// StatusCode extracts the HTTP status from an Alpaca API error chain,
// or 0 when the error carries none.
func StatusCode(err error) int {
	// Both the trading and market-data clients surface *alpaca.APIError.
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch code := StatusCode(err); {
	case code == 429:
		return true
	case code >= 500:
		return true
	case code != 0:
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Connection-level failures surface as *net.OpError without a status.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsAuth reports whether err means the credentials are bad or lack
// permission. Not retryable; the caller should stop the service.
func IsAuth(err error) bool {
	code := StatusCode(err)
	return code == 401 || code == 403
}

// IsClient reports whether err is a non-retryable request problem
// (bad symbol, malformed order, insufficient funds).
func IsClient(err error) bool {
	code := StatusCode(err)
	return code >= 400 && code < 500 && code != 429 && !IsAuth(err)
}

// IsCanceled reports whether err is only the caller's context ending.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
