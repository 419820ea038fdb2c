package hostrpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the host.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the host.
	pongWait = 60 * time.Second

	// Send pings to the host with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Frames arrive as base64 data URLs, so allow large messages.
	maxMessageSize = 8 << 20
)

type wsTransport struct {
	send chan Envelope
	done chan struct{}
	once sync.Once
}

func (t *wsTransport) Send(env Envelope) error {
	select {
	case <-t.done:
		return ErrClosed
	case t.send <- env:
		return nil
	}
}

func (t *wsTransport) close() {
	t.once.Do(func() { close(t.done) })
}

// ServeWebsocket attaches conn to peer and pumps envelopes until the
// connection fails or ctx ends. The connection is closed on return.
func ServeWebsocket(ctx context.Context, peer *Peer, conn *websocket.Conn) error {
	t := &wsTransport{
		send: make(chan Envelope, 256),
		done: make(chan struct{}),
	}
	peer.Attach(t)

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writePump(ctx, conn, t)
	}()

	err := readPump(conn, peer)

	t.close()
	peer.Detach(t)
	cancel()
	conn.Close()
	if werr := <-writeErr; err == nil {
		err = werr
	}
	if parent.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

func readPump(conn *websocket.Conn, peer *Peer) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			peer.logger.Warn().Err(err).Msg("Dropping malformed envelope")
			continue
		}
		peer.Deliver(env)
	}
}

func writePump(ctx context.Context, conn *websocket.Conn, t *wsTransport) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			// Unblock the read pump.
			conn.Close()
			return nil

		case env := <-t.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				conn.Close()
				return err
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return err
			}
		}
	}
}
