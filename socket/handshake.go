package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kleeedolinux/sockio/debug"
)

const (
	tracerName = "github.com/kleeedolinux/sockio/socket"

	maxHandshakeBody = 4096
)

// Handshaker performs the HTTP session negotiation that precedes the
// websocket upgrade.
type Handshaker struct {
	client  *http.Client
	tracer  trace.Tracer
	logger  *slog.Logger
	headers http.Header
}

// HandshakerOption configures a Handshaker.
type HandshakerOption func(*Handshaker)

func WithHandshakeClient(c *http.Client) HandshakerOption {
	return func(h *Handshaker) {
		h.client = c
	}
}

func WithHandshakeTracer(t trace.Tracer) HandshakerOption {
	return func(h *Handshaker) {
		h.tracer = t
	}
}

func WithHandshakeLogger(l *slog.Logger) HandshakerOption {
	return func(h *Handshaker) {
		h.logger = l
	}
}

func WithHandshakeHeaders(headers http.Header) HandshakerOption {
	return func(h *Handshaker) {
		h.headers = headers
	}
}

func NewHandshaker(opts ...HandshakerOption) *Handshaker {
	h := &Handshaker{
		client:  &http.Client{Timeout: 10 * time.Second},
		tracer:  otel.Tracer(tracerName),
		logger:  debug.Logger(),
		headers: make(http.Header),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Handshake sends one POST to the handshake endpoint of addr and parses the
// response into a Session.
func (h *Handshaker) Handshake(ctx context.Context, addr Address) (session *Session, err error) {
	if !addr.valid() {
		return nil, ErrInvalidConfiguration
	}

	ctx, span := h.tracer.Start(ctx, "sockio.handshake",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("sockio.host", addr.Host),
			attribute.Int("sockio.port", int(addr.Port)),
			attribute.Bool("sockio.secure", addr.Secure),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("sockio.session_id", session.ID))
		}
		span.End()
	}()

	url := addr.HandshakeURL()
	h.logger.Debug("sending handshake request", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Close = true
	req.ContentLength = 0

	for k, values := range h.headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "handshake", Err: err}
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHandshakeBody))
	if err != nil {
		return nil, &TransportError{Op: "handshake", Err: err}
	}

	h.logger.Debug("handshake response",
		"status", resp.StatusCode,
		"reason", statusReason(resp),
		"body", string(body))

	if resp.StatusCode != http.StatusOK {
		return nil, &HandshakeRejectedError{Status: resp.StatusCode, Reason: statusReason(resp)}
	}

	return ParseHandshake(string(body))
}

// ParseHandshake parses "sid:heartbeat:closing:transport,transport".
// A leading framing line (a chunk size left in front of the payload) is skipped.
func ParseHandshake(body string) (*Session, error) {
	body = skipFramingLine(body)

	fields := strings.SplitN(body, ":", 4)
	if len(fields) < 4 {
		return nil, &InvalidHandshakeResponseError{Body: body}
	}

	heartbeat, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 32)
	if err != nil {
		return nil, &InvalidHandshakeResponseError{Body: body, Err: fmt.Errorf("heartbeat timeout: %w", err)}
	}
	if heartbeat == 0 {
		return nil, &InvalidHandshakeResponseError{Body: body, Err: errors.New("heartbeat timeout must be positive")}
	}

	closing, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 32)
	if err != nil {
		return nil, &InvalidHandshakeResponseError{Body: body, Err: fmt.Errorf("closing timeout: %w", err)}
	}

	var protocols []string
	for _, p := range strings.Split(fields[3], ",") {
		if p = strings.TrimSpace(p); p != "" {
			protocols = append(protocols, p)
		}
	}

	session := &Session{
		ID:               fields[0],
		HeartbeatTimeout: time.Duration(heartbeat) * time.Second,
		ClosingTimeout:   time.Duration(closing) * time.Second,
		Protocols:        protocols,
	}

	if !session.Supports(protocolWebSocket) {
		return nil, ErrWebSocketNotSupported
	}

	return session, nil
}

func skipFramingLine(body string) string {
	body = strings.TrimSpace(body)
	if i := strings.IndexByte(body, '\n'); i >= 0 && !strings.Contains(body[:i], ":") {
		body = strings.TrimSpace(body[i+1:])
	}
	return body
}

func statusReason(resp *http.Response) string {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return reason
}
