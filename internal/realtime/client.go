// Package realtime talks to a realtime speech-to-speech model over a
// websocket and runs one conversation per call.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultAPIVersion       = "2024-10-01-preview"
	defaultHandshakeTimeout = 10 * time.Second
	sendTimeout             = 10 * time.Second
	maxMessageBytes         = 4 << 20
)

var (
	// ErrConnClosed is returned by Send and Receive once the connection closed.
	ErrConnClosed = errors.New("realtime: connection closed")
	// ErrMalformedEvent is returned by Receive for a frame that is not a JSON
	// event. The connection stays usable.
	ErrMalformedEvent = errors.New("realtime: malformed server event")
)

// Conn is one open realtime connection. Send is safe for concurrent use;
// Receive must be called from a single goroutine.
type Conn interface {
	Send(event any) error
	Receive() (ServerEvent, error)
	Close() error
}

// Dialer opens realtime connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// ClientConfig locates an Azure OpenAI realtime deployment.
type ClientConfig struct {
	Endpoint         string
	APIKey           string
	Deployment       string
	APIVersion       string
	HandshakeTimeout time.Duration
}

// Client dials the realtime endpoint. It implements Dialer.
type Client struct {
	cfg    ClientConfig
	url    string
	dialer *websocket.Dialer
}

// NewClient validates cfg and builds a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("realtime: endpoint is required")
	}
	if cfg.Deployment == "" {
		return nil, fmt.Errorf("realtime: deployment is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	u, err := realtimeURL(cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg: cfg,
		url: u,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}, nil
}

// URL returns the websocket address the client dials.
func (c *Client) URL() string {
	return c.url
}

func realtimeURL(cfg ClientConfig) (string, error) {
	u, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("realtime: parsing endpoint: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("realtime: unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/openai/realtime"

	q := url.Values{}
	q.Set("api-version", cfg.APIVersion)
	q.Set("deployment", cfg.Deployment)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens a connection.
func (c *Client) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("api-key", c.cfg.APIKey)
	}

	ws, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dialing: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("realtime: dialing: %w", err)
	}
	ws.SetReadLimit(maxMessageBytes)
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) Send(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("realtime: encoding event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Receive() (ServerEvent, error) {
	_, payload, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return ServerEvent{}, ErrConnClosed
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return ServerEvent{}, ErrConnClosed
		}
		return ServerEvent{}, err
	}

	var ev ServerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}
