// Package client is the public Go client for the understudy workspace API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/understudy-hq/understudy/internal/endpoint"
)

// DefaultTokenHeader matches the server's default auth header.
const DefaultTokenHeader = "X-Understudy-Token"

// Client talks to the understudy workspace API.
type Client struct {
	baseURL     string
	tokenHeader string
	token       string
	httpClient  *http.Client
	dialer      *websocket.Dialer

	mu           sync.Mutex
	sessionByKey map[string]string
	ensureLocks  map[string]*ensureKeyLock
}

type ensureKeyLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures the understudy client.
type Option func(*options)

type options struct {
	token       string
	tokenHeader string
	httpClient  *http.Client
}

// WithToken sets the auth token sent with every request.
func WithToken(token string) Option {
	return func(o *options) {
		o.token = strings.TrimSpace(token)
	}
}

// WithTokenHeader overrides the header the token is sent in.
func WithTokenHeader(header string) Option {
	return func(o *options) {
		o.tokenHeader = strings.TrimSpace(header)
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

// New dials nothing; it resolves host into a transport and returns a client
// ready for the first call.
//
// host accepts the same endpoint forms the server's --listen flag does,
// minus tsnet:
// - unix:///path/to/understudy.sock
// - absolute unix socket path
// - http://host:port
// - https://host:port
//
// An empty host falls back to UNDERSTUDY_HOST, then the default unix socket.
func New(host string, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	ep, err := endpoint.Resolve(host)
	if err != nil {
		return nil, err
	}

	httpClient := o.httpClient
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if ep.Scheme == "unix" {
		dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", ep.Address)
		}
		if httpClient == nil {
			httpClient = &http.Client{Transport: &http.Transport{DialContext: dial}}
		}
		dialer.NetDialContext = dial
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	tokenHeader := o.tokenHeader
	if tokenHeader == "" {
		tokenHeader = DefaultTokenHeader
	}

	return &Client{
		baseURL:      strings.TrimRight(ep.BaseURL, "/"),
		tokenHeader:  tokenHeader,
		token:        o.token,
		httpClient:   httpClient,
		dialer:       dialer,
		sessionByKey: map[string]string{},
		ensureLocks:  map[string]*ensureKeyLock{},
	}, nil
}

// NewFromEnv builds a client from UNDERSTUDY_HOST (or default endpoint when unset).
func NewFromEnv(opts ...Option) (*Client, error) {
	return New("", opts...)
}

// Must wraps a New call, panicking on error. Intended for package-level
// client variables.
func Must(c *Client, err error) *Client {
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Client) InitSession(ctx context.Context, req *InitSessionRequest) (*InitSessionResponse, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	if req == nil {
		return nil, errors.New("nil request")
	}
	out := &InitSessionResponse{}
	if err := c.post(ctx, "/api/v1/session/init", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SyncSession(ctx context.Context, req *SyncSessionRequest) (*SyncSessionResponse, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	if req == nil {
		return nil, errors.New("nil request")
	}
	out := &SyncSessionResponse{}
	if err := c.post(ctx, "/api/v1/session/sync", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ExecuteCommand(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	if req == nil {
		return nil, errors.New("nil request")
	}
	out := &ExecuteResponse{}
	if err := c.post(ctx, "/api/v1/session/execute", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]*Session, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	out := struct {
		Sessions []*Session `json:"sessions"`
	}{}
	if err := c.get(ctx, "/api/v1/session/list", &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}
	out := &Session{}
	if err := c.get(ctx, "/api/v1/session/"+url.PathEscape(sessionID), out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) QueueStats(ctx context.Context) (*QueueStats, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	out := &QueueStats{}
	if err := c.get(ctx, "/api/v1/queue/stats", out); err != nil {
		return nil, err
	}
	return out, nil
}

// LogStream is an attached session log feed. Close releases the underlying
// connection; Next blocks until an entry arrives or the stream ends.
type LogStream struct {
	conn *websocket.Conn
}

func (s *LogStream) Next() (*LogEntry, error) {
	entry := &LogEntry{}
	if err := s.conn.ReadJSON(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *LogStream) Close() error {
	return s.conn.Close()
}

// StreamLogs attaches to a session's live log feed. Entries published before
// the stream attaches are not replayed.
func (c *Client) StreamLogs(ctx context.Context, sessionID string) (*LogStream, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	wsURL, err := c.logStreamURL(sessionID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.token != "" {
		header.Set(c.tokenHeader, c.token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, &APIError{Status: resp.StatusCode, Message: handshakeErrorMessage(resp)}
		}
		return nil, err
	}
	if resp != nil {
		resp.Body.Close()
	}
	return &LogStream{conn: conn}, nil
}

func (c *Client) logStreamURL(sessionID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = "/ws/logs/" + url.PathEscape(sessionID)
	return u.String(), nil
}

func handshakeErrorMessage(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "log stream handshake failed"
	}
	envelope := apiEnvelope{}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return "log stream handshake failed"
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(body), out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(c.tokenHeader, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	envelope := apiEnvelope{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	if resp.StatusCode >= 400 || !envelope.Success {
		message := envelope.Error
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: message}
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}
