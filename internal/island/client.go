package island

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"

	"github.com/CZERTAINLY/bas-agent/internal/model"

	"github.com/google/uuid"
	pd "github.com/kodeart/go-problem/v2"
)

const (
	isUpPath        = "/api?action=is-up"
	agentsPath      = "/api/agents"
	agentSignalPath = "/api/agent-signals/"
	agentEventsPath = "/api/agent-events"
	problemType     = "application/problem+json"
)

var (
	// ErrConnection is returned when the server can't be reached
	ErrConnection = errors.New("island connection failed")
	// ErrRequest is returned for 4xx responses
	ErrRequest = errors.New("island rejected the request")
	// ErrServer is returned for 5xx responses
	ErrServer       = errors.New("island request failed")
	ErrNotConnected = errors.New("island client is not connected")
	ErrNoServer     = errors.New("no reachable island server")
)

// Registration announces the agent to the Island
type Registration struct {
	ID        uuid.UUID `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Server    string    `json:"cc_server"`
	Depth     int       `json:"depth"`
	Hostname  string    `json:"hostname,omitempty"`
	Addresses []string  `json:"network_interfaces,omitempty"`
}

// Client talks to the HTTP API of the Island. Use Connect or FindServer
// before the other methods.
type Client struct {
	client *http.Client

	mx     sync.RWMutex
	server string
}

func NewClient(cfg model.Island) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // the Island uses a self-signed certificate by default
	}
	return &Client{
		client: &http.Client{
			Timeout:   cfg.Timeout.Std(),
			Transport: transport,
		},
	}
}

// Close releases idle connections
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

// Server returns host:port of the connected server
func (c *Client) Server() string {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.server
}

// Connect checks the server is up and makes it the server of all following
// requests
func (c *Client) Connect(ctx context.Context, server string) error {
	if err := c.do(ctx, server, http.MethodGet, isUpPath, nil, nil); err != nil {
		return err
	}
	c.mx.Lock()
	c.server = server
	c.mx.Unlock()
	return nil
}

// FindServer connects to the first reachable server
func (c *Client) FindServer(ctx context.Context, servers []string) (string, error) {
	slog.DebugContext(ctx, "looking for a server", "servers", servers)
	for _, server := range servers {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		err := c.Connect(ctx, server)
		if err == nil {
			slog.InfoContext(ctx, "connected to server", "server", server)
			return server, nil
		}
		slog.WarnContext(ctx, "unable to connect to server", "server", server, "error", err)
	}
	return "", ErrNoServer
}

func (c *Client) RegisterAgent(ctx context.Context, reg Registration) error {
	return c.doConnected(ctx, http.MethodPost, agentsPath, reg, nil)
}

// ShouldAgentStop reports whether the Island sent the terminate signal to
// the agent
func (c *Client) ShouldAgentStop(ctx context.Context, agentID uuid.UUID) (bool, error) {
	var signals struct {
		Terminate any `json:"terminate"`
	}
	if err := c.doConnected(ctx, http.MethodGet, agentSignalPath+agentID.String(), nil, &signals); err != nil {
		return false, err
	}
	return signals.Terminate != nil, nil
}

func (c *Client) SendEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	return c.doConnected(ctx, http.MethodPost, agentEventsPath, events, nil)
}

func (c *Client) doConnected(ctx context.Context, method, path string, in, out any) error {
	server := c.Server()
	if server == "" {
		return ErrNotConnected
	}
	return c.do(ctx, server, method, path, in, out)
}

func (c *Client) do(ctx context.Context, server, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encoding request: %w", ErrRequest, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, "https://"+server+path, body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequest, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, "+problemType)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding json response: %w", ErrServer, err)
	}
	return nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var kind error
	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		kind = ErrRequest
	case resp.StatusCode >= 500 && resp.StatusCode < 600:
		kind = ErrServer
	default:
		kind = ErrConnection
	}

	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType == problemType {
		var problem pd.Problem
		if err := json.NewDecoder(resp.Body).Decode(&problem); err == nil && problem.Detail != "" {
			return fmt.Errorf("%w: status code: %d, detail: %s", kind, resp.StatusCode, problem.Detail)
		}
		return fmt.Errorf("%w: status code: %d", kind, resp.StatusCode)
	}

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(b) == 0 {
		return fmt.Errorf("%w: status code: %d", kind, resp.StatusCode)
	}
	return fmt.Errorf("%w: status code: %d, body: %s", kind, resp.StatusCode, bytes.TrimSpace(b))
}
