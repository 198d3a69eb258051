package errors

// WebSocket close codes used when a failure happens after the upgrade.
const (
	CloseNormal       = 1000
	CloseGoingAway    = 1001
	ClosePolicy       = 1008
	CloseInternal     = 1011
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
)

// CloseCode maps a problem to the WebSocket close code used when the
// failure happens after the upgrade. Unclassified problems map to 1011.
func CloseCode(p *Problem) int {
	switch p {
	case ErrUnauthorized:
		return CloseUnauthorized
	case ErrForbidden:
		return CloseForbidden
	case ErrRateLimited:
		return ClosePolicy
	default:
		return CloseInternal
	}
}

// ValidPeerCloseCode reports whether a close code received from one side of a
// proxied session may be propagated verbatim to the other side. Codes outside
// the registered and private-use ranges are mapped to 1011 by the caller.
func ValidPeerCloseCode(code int) bool {
	if code >= 1000 && code <= 1015 {
		// 1005/1006/1015 are reserved and must not be sent on the wire.
		return code != 1005 && code != 1006 && code != 1015
	}
	return code >= 3000 && code <= 4999
}
