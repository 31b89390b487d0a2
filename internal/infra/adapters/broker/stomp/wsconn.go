package stomp

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn представляет websocket как поток байт для STOMP клиента.
// Каждый кадр STOMP (до NUL) уходит отдельным websocket сообщением
type wsConn struct {
	conn *websocket.Conn

	reader io.Reader

	wmu     sync.Mutex
	pending []byte
}

func NewWebSocketConn(conn *websocket.Conn) io.ReadWriteCloser {
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			mt, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}

			if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
				continue
			}

			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil

			if n > 0 {
				return n, nil
			}

			continue
		}

		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.pending = append(c.pending, p...)

	for {
		i := bytes.IndexByte(c.pending, 0)
		if i < 0 {
			break
		}

		if err := c.conn.WriteMessage(websocket.TextMessage, c.pending[:i+1]); err != nil {
			return 0, err
		}

		c.pending = c.pending[i+1:]
	}

	// heart-beat: только переводы строк
	if len(c.pending) > 0 && onlyEOL(c.pending) {
		if err := c.conn.WriteMessage(websocket.TextMessage, c.pending); err != nil {
			return 0, err
		}

		c.pending = c.pending[:0]
	}

	if len(c.pending) == 0 {
		c.pending = nil
	}

	return len(p), nil
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline(),
	)

	return c.conn.Close()
}

func onlyEOL(b []byte) bool {
	for _, c := range b {
		if c != '\n' && c != '\r' {
			return false
		}
	}

	return true
}
