package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
)

// maxFrameSize caps inbound frames. Risk updates are a few hundred bytes.
const maxFrameSize = 64 << 10

// WebSocketDialer dials {BaseURL}/ws/call/{sessionID}.
type WebSocketDialer struct {
	// BaseURL is the analyzer root, e.g. "ws://localhost:8000". http and
	// https schemes are accepted too.
	BaseURL string

	// HTTPClient is used for the handshake. nil uses http.DefaultClient.
	HTTPClient *http.Client
}

var _ Dialer = WebSocketDialer{}

// CallURL returns the websocket URL for sessionID.
func (d WebSocketDialer) CallURL(sessionID string) string {
	return strings.TrimRight(d.BaseURL, "/") + "/ws/call/" + url.PathEscape(sessionID)
}

// Dial implements [Dialer].
func (d WebSocketDialer) Dial(ctx context.Context, sessionID string) (Conn, error) {
	if d.BaseURL == "" {
		return nil, errors.New("channel: dial: no base URL")
	}
	c, _, err := websocket.Dial(ctx, d.CallURL(sessionID), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("channel: dial: %w", err)
	}
	c.SetReadLimit(maxFrameSize)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, ErrUnsupportedFrame
	}
	return data, nil
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *wsConn) Close() error {
	err := w.c.Close(websocket.StatusNormalClosure, "")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
