package connect

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// Transport is the raw text connection under a `Process`.
// Writes come from a single goroutine. `Close` may be called concurrently with a write.
type Transport interface {
	WriteText(data []byte) error
	Close(code int, reason string) error
}

type TransportSettings struct {
	WriteTimeout time.Duration
	// max time to flush pending messages and the close frame when a connection ends
	CloseTimeout time.Duration
	ReadLimit    int64
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WriteTimeout: 5 * time.Second,
		CloseTimeout: 2 * time.Second,
		ReadLimit:    1024 * 1024,
	}
}

// WsTransport is a `Transport` over a gorilla websocket connection.
type WsTransport struct {
	ws       *websocket.Conn
	settings *TransportSettings
}

func NewWsTransport(ws *websocket.Conn, settings *TransportSettings) *WsTransport {
	return &WsTransport{
		ws:       ws,
		settings: settings,
	}
}

func (self *WsTransport) WriteText(data []byte) error {
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	// note that for websocket a deadline timeout cannot be recovered
	return self.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends the close frame then closes the underlying connection,
// which unblocks any pending read.
func (self *WsTransport) Close(code int, reason string) error {
	deadline := time.Now().Add(self.settings.WriteTimeout)
	err := self.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	if err != nil {
		glog.V(2).Infof("[t]close frame %d error = %s\n", code, err)
	}
	if closeErr := self.ws.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
