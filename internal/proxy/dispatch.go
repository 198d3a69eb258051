package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	gwerrors "github.com/aussie/gateway/internal/errors"
)

// Dispatcher sends prepared requests upstream with a per-request deadline
// and a CLIENT span around each call.
type Dispatcher struct {
	client         *http.Client
	requestTimeout time.Duration
	onTimeout      func(upstreamHost, phase string)
	tracer         trace.Tracer
}

// NewDispatcher creates a dispatcher over the given transport. onTimeout is
// invoked with the upstream host and the phase on deadline expiry; nil is
// allowed.
func NewDispatcher(transport http.RoundTripper, requestTimeout time.Duration, onTimeout func(host, phase string)) *Dispatcher {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Dispatcher{
		client:         &http.Client{Transport: transport, CheckRedirect: noRedirect},
		requestTimeout: requestTimeout,
		onTimeout:      onTimeout,
		tracer:         otel.Tracer("gateway/proxy"),
	}
}

// Redirects are passed back to the client untouched.
func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// Dispatch executes the prepared request and returns the upstream response
// with hop-by-hop headers stripped. The response body remains streamed; the
// caller must close it, which also ends the span and releases the deadline.
func (d *Dispatcher) Dispatch(ctx context.Context, prep *PreparedRequest, body io.Reader) (*http.Response, *gwerrors.Problem) {
	ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)

	targetStr := prep.TargetURL.String()
	ctx, span := d.tracer.Start(ctx, "HTTP "+prep.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", prep.Method),
			attribute.String("http.url", targetStr),
			attribute.String("net.peer.name", prep.TargetURL.Hostname()),
			attribute.Int("net.peer.port", targetPort(prep)),
		),
	)

	fail := func(p *gwerrors.Problem, err error) (*http.Response, *gwerrors.Problem) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		cancel()
		return nil, p
	}

	req, err := http.NewRequestWithContext(ctx, prep.Method, targetStr, body)
	if err != nil {
		return fail(gwerrors.ErrInternal.WithDetail("failed to build upstream request"), err)
	}
	req.Header = prep.Header
	req.Host = prep.Host
	// Known lengths go out as Content-Length, not chunked.
	if prep.ContentLength >= 0 {
		req.ContentLength = prep.ContentLength
		if prep.ContentLength == 0 {
			req.Body = http.NoBody
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		// A body-limit trip while streaming the request upstream is the
		// client's fault, not the upstream's.
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fail(gwerrors.ErrPayloadTooLarge, err)
		}
		class := Classify(err)
		if class == ClassTimeout {
			if d.onTimeout != nil {
				d.onTimeout(prep.TargetURL.Hostname(), "request")
			}
			return fail(gwerrors.ErrGatewayTimeout, err)
		}
		return fail(gwerrors.ErrBadGateway.WithDetail("upstream "+string(class)), err)
	}

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("upstream.latency_ms", time.Since(start).Milliseconds()),
	)
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}

	StripHopByHop(resp.Header)

	// Keep the deadline and span alive while the body streams back.
	resp.Body = &spanBody{ReadCloser: resp.Body, span: span, cancel: cancel}
	return resp, nil
}

// spanBody ends the dispatch span and releases the request deadline when
// the streamed response body is closed.
type spanBody struct {
	io.ReadCloser
	span   trace.Span
	cancel context.CancelFunc
	closed bool
}

func (b *spanBody) Close() error {
	err := b.ReadCloser.Close()
	if !b.closed {
		b.closed = true
		b.span.End()
		b.cancel()
	}
	return err
}

func targetPort(prep *PreparedRequest) int {
	if p := prep.TargetURL.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if prep.TargetURL.Scheme == "https" {
		return 443
	}
	return 80
}
