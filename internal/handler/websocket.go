package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	// Must exceed the heartbeat interval so one missed pong does not drop the socket.
	wsPongWait = 75 * time.Second

	observerMaxMessageBytes = 16 << 10
	mediaMaxMessageBytes    = 256 << 10
	mediaHandshakeTimeout   = 10 * time.Second
)

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
