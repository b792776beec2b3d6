package syncagent

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
)

// maxServerMessage bounds a single event; full_sync carries every novel.
const maxServerMessage = 64 << 20

// MessageConn is a live event stream from the server.
type MessageConn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (MessageConn, error)
}

// WebsocketDialer connects to the server's websocket endpoint. HTTPClient
// must not set a Timeout; the dial context bounds the handshake.
type WebsocketDialer struct {
	HTTPClient *http.Client
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (MessageConn, error) {
	c, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	c.SetReadLimit(maxServerMessage)
	return websocketConn{c: c}, nil
}

type websocketConn struct {
	c *websocket.Conn
}

func (w websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w websocketConn) Close() error {
	err := w.c.Close(websocket.StatusNormalClosure, "")
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return nil
	}
	return err
}
