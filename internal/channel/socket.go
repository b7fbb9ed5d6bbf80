package channel

import (
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the minimal duplex-connection surface the manager needs.
// Production sockets are gorilla/websocket connections; tests use fakes.
type Socket interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, data []byte, err error)
	Close(code int, reason string) error
}

// DialFunc opens a duplex connection to a conversation URL.
type DialFunc func(url string) (Socket, error)

type gorillaSocket struct {
	conn *websocket.Conn
}

func dialGorilla(url string) (Socket, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaSocket{conn: conn}, nil
}

func (s *gorillaSocket) WriteJSON(v any) error {
	return s.conn.WriteJSON(v)
}

func (s *gorillaSocket) ReadMessage() (int, []byte, error) {
	return s.conn.ReadMessage()
}

// Close sends a close frame with the given code before tearing the
// connection down, so the server sees a clean closure rather than a drop.
func (s *gorillaSocket) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}
