package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Problem is an error that can be returned to clients as an RFC 7807
// application/problem+json response.
type Problem struct {
	Status     int    `json:"status"`
	Title      string `json:"title"`
	Detail     string `json:"detail,omitempty"`
	Instance   string `json:"instance,omitempty"`
	underlying error
}

func (p *Problem) Error() string {
	if p.underlying != nil {
		return fmt.Sprintf("%s: %v", p.Title, p.underlying)
	}
	return p.Title
}

func (p *Problem) Unwrap() error {
	return p.underlying
}

// WriteJSON writes the problem to the response. Base singletons with no
// detail/instance use pre-serialized JSON to avoid allocations.
func (p *Problem) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	if pre, ok := preSerialized[p]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(p)
}

// Common problems, one per error kind in the gateway taxonomy.
var (
	ErrRouteNotFound = &Problem{
		Status: http.StatusNotFound,
		Title:  "Route Not Found",
	}

	ErrServiceNotFound = &Problem{
		Status: http.StatusNotFound,
		Title:  "Service Not Found",
	}

	ErrNotWebSocket = &Problem{
		Status: http.StatusBadRequest,
		Title:  "Not a WebSocket Endpoint",
	}

	ErrUnauthorized = &Problem{
		Status: http.StatusUnauthorized,
		Title:  "Unauthorized",
	}

	ErrForbidden = &Problem{
		Status: http.StatusForbidden,
		Title:  "Forbidden",
	}

	ErrBadRequest = &Problem{
		Status: http.StatusBadRequest,
		Title:  "Bad Request",
	}

	ErrPayloadTooLarge = &Problem{
		Status: http.StatusRequestEntityTooLarge,
		Title:  "Payload Too Large",
	}

	ErrHeaderTooLarge = &Problem{
		Status: http.StatusRequestHeaderFieldsTooLarge,
		Title:  "Request Header Fields Too Large",
	}

	ErrRateLimited = &Problem{
		Status: http.StatusTooManyRequests,
		Title:  "Too Many Requests",
	}

	ErrBadGateway = &Problem{
		Status: http.StatusBadGateway,
		Title:  "Bad Gateway",
	}

	ErrGatewayTimeout = &Problem{
		Status: http.StatusGatewayTimeout,
		Title:  "Gateway Timeout",
	}

	ErrServiceUnavailable = &Problem{
		Status: http.StatusServiceUnavailable,
		Title:  "Service Unavailable",
	}

	ErrInternal = &Problem{
		Status: http.StatusInternalServerError,
		Title:  "Internal Server Error",
	}

	ErrStorageUnavailable = &Problem{
		Status: http.StatusServiceUnavailable,
		Title:  "Storage Unavailable",
	}
)

// preSerialized holds JSON-encoded bytes for base problem singletons.
var preSerialized map[*Problem][]byte

func init() {
	bases := []*Problem{
		ErrRouteNotFound, ErrServiceNotFound, ErrNotWebSocket,
		ErrUnauthorized, ErrForbidden, ErrBadRequest,
		ErrPayloadTooLarge, ErrHeaderTooLarge, ErrRateLimited,
		ErrBadGateway, ErrGatewayTimeout, ErrServiceUnavailable,
		ErrInternal, ErrStorageUnavailable,
	}
	preSerialized = make(map[*Problem][]byte, len(bases))
	for _, p := range bases {
		b, _ := json.Marshal(p)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[p] = b
	}
}

// New creates a new Problem.
func New(status int, title string) *Problem {
	return &Problem{
		Status: status,
		Title:  title,
	}
}

// Wrap wraps an error with a status and title.
func Wrap(err error, status int, title string) *Problem {
	return &Problem{
		Status:     status,
		Title:      title,
		underlying: err,
	}
}

// WithDetail returns a copy of the problem carrying a human-readable detail.
func (p *Problem) WithDetail(detail string) *Problem {
	return &Problem{
		Status:     p.Status,
		Title:      p.Title,
		Detail:     detail,
		Instance:   p.Instance,
		underlying: p.underlying,
	}
}

// WithInstance returns a copy of the problem carrying the request id.
func (p *Problem) WithInstance(instance string) *Problem {
	return &Problem{
		Status:     p.Status,
		Title:      p.Title,
		Detail:     p.Detail,
		Instance:   instance,
		underlying: p.underlying,
	}
}

// AsProblem checks if an error is a Problem.
func AsProblem(err error) (*Problem, bool) {
	if p, ok := err.(*Problem); ok {
		return p, true
	}
	return nil, false
}
