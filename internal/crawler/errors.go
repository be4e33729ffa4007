package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// FetchError describes a failed fetch and whether retrying may help.
type FetchError struct {
	URL        string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "transient"
	}
	if e.StatusCode != NoStatus {
		return fmt.Sprintf("%s fetch error for %s (status %d): %v", kind, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s fetch error for %s: %v", kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable fetch failure.
func Transient(url string, status int, err error) error {
	return &FetchError{URL: url, StatusCode: status, Retryable: true, Err: err}
}

// Permanent wraps err as a fetch failure that must not be retried.
func Permanent(url string, status int, err error) error {
	return &FetchError{URL: url, StatusCode: status, Retryable: false, Err: err}
}

// IsRetryable reports whether err carries a retryable classification.
// Unclassified errors are treated as permanent.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// StatusOf returns the status code attached to err, or NoStatus.
func StatusOf(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return NoStatus
}

// CheckStatus classifies an HTTP status. 2xx is success; 429 and 5xx are
// transient; everything else is permanent.
func CheckStatus(url string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return Transient(url, status, errors.New(http.StatusText(status)))
	default:
		return Permanent(url, status, fmt.Errorf("unexpected status %d", status))
	}
}

// ClassifyTransportError wraps a failure that happened before any response
// was received. Unknown hosts are permanent; other network failures are
// transient. Context errors are returned unchanged.
func ClassifyTransportError(url string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			return err
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return Permanent(url, NoStatus, err)
	}
	return Transient(url, NoStatus, err)
}
