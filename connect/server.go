package connect

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"github.com/getsidetrack/pioneer/protocol"
)

const DefaultPath = "/graphql/websocket"

type ServerSettings struct {
	// in order of server preference
	SubProtocols   []*protocol.SubProtocol
	ContextBuilder ContextBuilder
	// nil allows same-origin requests only
	CheckOrigin func(r *http.Request) bool

	ConnectionSettings
	TransportSettings
	ProbeSettings
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		SubProtocols:       protocol.SubProtocols,
		ContextBuilder:     DefaultContextBuilder,
		ConnectionSettings: *DefaultConnectionSettings(),
		TransportSettings:  *DefaultTransportSettings(),
		ProbeSettings:      *DefaultProbeSettings(),
	}
}

// Server accepts GraphQL websocket connections and runs their operations on one `Probe`.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ServerSettings
	upgrader *websocket.Upgrader
	probe    *Probe
}

func NewServerWithDefaults(ctx context.Context, engine Engine) *Server {
	return NewServer(ctx, engine, DefaultServerSettings())
}

func NewServer(ctx context.Context, engine Engine, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: &websocket.Upgrader{
			CheckOrigin: settings.CheckOrigin,
		},
		probe: NewProbe(cancelCtx, engine, &settings.ProbeSettings),
	}
}

func (self *Server) Probe() *Probe {
	return self.probe
}

func (self *Server) Close() {
	self.cancel()
	self.probe.Close()
}

func (self *Server) RegisterRoutes(router gin.IRoutes, path string) {
	if path == "" {
		path = DefaultPath
	}
	router.GET(path, self.HandleGin)
}

func (self *Server) HandleGin(c *gin.Context) {
	self.ServeHTTP(c.Writer, c.Request)
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subProtocol, ok := protocol.Negotiate(websocket.Subprotocols(r), self.settings.SubProtocols)
	if !ok {
		names := []string{}
		for _, subProtocol := range self.settings.SubProtocols {
			names = append(names, subProtocol.Name)
		}
		glog.V(1).Infof("[s]no sub-protocol in %s\n", r.Header.Get("Sec-WebSocket-Protocol"))
		http.Error(w, "Expected Sec-WebSocket-Protocol one of: "+strings.Join(names, ", "), http.StatusBadRequest)
		return
	}

	contextBuilder := self.settings.ContextBuilder
	if contextBuilder == nil {
		contextBuilder = DefaultContextBuilder
	}
	ctx, err := contextBuilder(self.ctx, r)
	if err != nil {
		glog.Infof("[s]context error = %s\n", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", subProtocol.Name)
	ws, err := self.upgrader.Upgrade(w, r, header)
	if err != nil {
		// the upgrader has already written the error response
		glog.V(1).Infof("[s]upgrade error = %s\n", err)
		return
	}

	self.serve(ctx, ws, subProtocol)
}

func (self *Server) serve(ctx context.Context, ws *websocket.Conn, subProtocol *protocol.SubProtocol) {
	if 0 < self.settings.ReadLimit {
		ws.SetReadLimit(self.settings.ReadLimit)
	}

	transport := NewWsTransport(ws, &self.settings.TransportSettings)
	process := NewProcess(ctx, NewId(), transport, subProtocol)
	connection := NewConnection(process, self.probe, &self.settings.ConnectionSettings)
	glog.V(1).Infof("[s]%s open %s\n", process.Id(), subProtocol)

	defer func() {
		connection.Close()
		select {
		case <-process.Done():
		case <-time.After(self.settings.CloseTimeout):
		}
		process.Cancel()
		ws.Close()
		glog.V(1).Infof("[s]%s closed\n", process.Id())
	}()

	go HandleError(func() {
		// unblock the read when the process ends first
		<-process.Done()
		ws.Close()
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[s]%s read error = %s\n", process.Id(), err)
			return
		}
		if !connection.HandleFrame(messageType, data) {
			return
		}
	}
}
