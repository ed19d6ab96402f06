package connpool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultControlWait      = 2 * time.Second
)

var ErrUnknownProvider = errors.New("connpool: no endpoint for provider")

// Endpoint is where a provider's websocket lives.
type Endpoint struct {
	URL    string
	Header http.Header
	// KeepAlive, when set, is written on every health check so providers
	// that drop silent sockets keep them open.
	KeepAlive []byte
}

// WebsocketConn is a pooled websocket. Writes are serialized since the
// underlying connection supports one concurrent writer.
type WebsocketConn struct {
	*websocket.Conn

	provider Provider
	writeMu  sync.Mutex
}

func (c *WebsocketConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

func (c *WebsocketConn) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// WebsocketTransport opens provider websockets with gorilla/websocket.
type WebsocketTransport struct {
	endpoints map[Provider]Endpoint
	dialer    websocket.Dialer
}

func NewWebsocketTransport(endpoints map[Provider]Endpoint) *WebsocketTransport {
	return &WebsocketTransport{
		endpoints: endpoints,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
			TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
}

func (t *WebsocketTransport) Open(ctx context.Context, provider Provider) (Handle, error) {
	endpoint, ok := t.endpoints[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	conn, resp, err := t.dialer.DialContext(ctx, endpoint.URL, endpoint.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open %s websocket (status %d): %w", provider, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to open %s websocket: %w", provider, err)
	}
	return &WebsocketConn{Conn: conn, provider: provider}, nil
}

func (t *WebsocketTransport) IsHealthy(handle Handle) bool {
	conn, ok := handle.(*WebsocketConn)
	if !ok || conn == nil {
		return false
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultControlWait)); err != nil {
		return false
	}

	if keepAlive := t.endpoints[conn.provider].KeepAlive; len(keepAlive) > 0 {
		if err := conn.WriteMessage(websocket.TextMessage, keepAlive); err != nil {
			return false
		}
	}
	return true
}

func (t *WebsocketTransport) Close(handle Handle) error {
	conn, ok := handle.(*WebsocketConn)
	if !ok || conn == nil {
		return nil
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultControlWait),
	)
	return conn.Conn.Close()
}
