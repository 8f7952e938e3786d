package transport

import (
	"time"

	"github.com/gorilla/websocket"
)

// Websocket timings, shared by both ends
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum frame size; stdout chunks are bounded by the worker's read buffer
	maxMessageSize = 1024 * 1024

	// How long a new connection has to send its hello
	helloWait = 10 * time.Second
)

// isExpectedClose reports closures that need no warning
func isExpectedClose(err error) bool {
	return !websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	)
}
