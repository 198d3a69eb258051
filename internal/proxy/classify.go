package proxy

import (
	"context"
	"errors"
	"net"
	"strings"
)

// FailureClass labels an upstream connection failure for metrics and the
// problem response detail.
type FailureClass string

const (
	ClassTimeout           FailureClass = "timeout"
	ClassConnectionRefused FailureClass = "connection_refused"
	ClassConnectionReset   FailureClass = "connection_reset"
	ClassHostUnreachable   FailureClass = "host_unreachable"
	ClassDNSFailure        FailureClass = "dns_resolution_failed"
	ClassConnectionError   FailureClass = "connection_error"
)

// Classify maps a transport error to its failure class by message
// substring, matching case-insensitively.
func Classify(err error) FailureClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "refused"):
		return ClassConnectionRefused
	case strings.Contains(msg, "reset"):
		return ClassConnectionReset
	case strings.Contains(msg, "unreachable"):
		return ClassHostUnreachable
	case strings.Contains(msg, "resolve"), strings.Contains(msg, "unknown host"),
		strings.Contains(msg, "no such host"):
		return ClassDNSFailure
	default:
		return ClassConnectionError
	}
}
