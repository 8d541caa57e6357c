package socket

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type ClientOption func(*Client)

// WithAddress sets the server used by Connect.
func WithAddress(host string, port uint16) ClientOption {
	return func(c *Client) {
		c.addr.Host = host
		c.addr.Port = port
	}
}

// WithSecure selects https for the handshake and wss for the transport.
func WithSecure(secure bool) ClientOption {
	return func(c *Client) {
		c.addr.Secure = secure
	}
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithHandshakeHeader(headers http.Header) ClientOption {
	return func(c *Client) {
		c.headers = headers
	}
}

func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.handshakeTimeout = d
	}
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

func WithTracer(t trace.Tracer) ClientOption {
	return func(c *Client) {
		c.tracer = t
	}
}
