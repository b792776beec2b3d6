package hub

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/novelsync/internal/events"
)

// maxClientMessage bounds what a viewer may send; viewers only ever send
// small control messages.
const maxClientMessage = 4096

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close() error {
	err := w.c.Close(websocket.StatusNormalClosure, "")
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return nil
	}
	return err
}

// ServeHTTP upgrades the request to a websocket subscription and serves it
// until the viewer goes away or the hub drops it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.WithError(err).WithField("remote", r.RemoteAddr).Debug("websocket handshake failed")
		return
	}
	c.SetReadLimit(maxClientMessage)

	sub, err := h.Subscribe(wsConn{c: c})
	if err != nil {
		return
	}
	defer h.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-sub.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	log := h.logger.WithFields(logrus.Fields{"subscriber": sub.ID(), "remote": r.RemoteAddr})
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				log.WithError(err).Debug("viewer read ended")
			}
			return
		}
		ev, err := events.Decode(data)
		if err != nil {
			log.WithError(err).Debug("ignoring viewer message")
			continue
		}
		switch ev.(type) {
		case events.RequestFullSync:
			if err := h.FullSync(ctx, sub); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("full sync for viewer failed")
			}
		default:
			log.WithField("event", ev.Type()).Debug("ignoring viewer event")
		}
	}
}
