// Package httphook delegates guard decisions to an external HTTP service.
package httphook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
)

// maxResponseBytes bounds the decision document read from a hook.
const maxResponseBytes = 1 << 20

// Config keys consumed by the client; they are not sent to the hook.
const configHeaders = "headers"

// Client posts one request per invocation to a decision service. There are
// no retries; the deadline carried by ctx bounds connect and round trip.
type Client struct {
	id        string
	endpoint  string
	headers   http.Header
	config    map[string]any
	transport *http.Transport
	client    *http.Client
	logger    *zap.Logger
}

// New builds a client with its own connection pool.
func New(spec *guard.Spec, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	headers := http.Header{}
	config := make(map[string]any, len(spec.Config))
	for k, v := range spec.Config {
		if k != configHeaders {
			config[k] = v
			continue
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, guard.ConfigErrorf(spec.ID, "headers must be a map of strings")
		}
		for name, value := range m {
			s, ok := value.(string)
			if !ok {
				return nil, guard.ConfigErrorf(spec.ID, "header %q must be a string", name)
			}
			headers.Set(name, s)
		}
	}
	if len(config) == 0 {
		config = nil
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   spec.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &Client{
		id:        spec.ID,
		endpoint:  spec.Location,
		headers:   headers,
		config:    config,
		transport: transport,
		client:    &http.Client{Transport: transport},
		logger:    logger.With(zap.String("guard_id", spec.ID)),
	}, nil
}

// Evaluate performs one POST and maps the outcome into a Decision or a
// transport/decision fault.
func (c *Client) Evaluate(ctx context.Context, hook guard.Hook, p guard.Payload, gctx guard.GuardContext) (guard.Decision, error) {
	body, err := json.Marshal(guard.NewWireRequest(hook, p, gctx, c.config))
	if err != nil {
		return guard.Decision{}, guard.Faultf(guard.ErrExecutionFault, c.id, "encode request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return guard.Decision{}, guard.Faultf(guard.ErrTransport, c.id, "build request: %v", err)
	}
	for name, values := range c.headers {
		req.Header[name] = values
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return guard.Decision{}, guard.Faultf(guard.ErrTransport, c.id, "deadline exceeded after %s", time.Since(start))
		}
		return guard.Decision{}, guard.NewFault(guard.ErrTransport, c.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return guard.Decision{}, guard.Faultf(guard.ErrTransport, c.id, "hook returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return guard.Decision{}, guard.Faultf(guard.ErrTransport, c.id, "read response: %v", err)
	}
	if len(raw) > maxResponseBytes {
		return guard.Decision{}, guard.Faultf(guard.ErrDecision, c.id, "response exceeds %d bytes", maxResponseBytes)
	}

	d, err := guard.ParseWireDecision(c.id, raw, p)
	if err != nil {
		return guard.Decision{}, err
	}
	c.logger.Debug("http hook decided",
		zap.String("hook", hook.String()),
		zap.String("decision", d.String()),
		zap.Duration("latency", time.Since(start)),
	)
	return d, nil
}

// Close drops pooled connections.
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}
