package connect

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"github.com/getsidetrack/pioneer/protocol"
)

const IntrospectionNotAllowedMessage = "GraphQL introspection is not allowed by Pioneer, but the query contained __schema or __type."

type ConnectionSettings struct {
	// zero disables keep-alive
	KeepAliveInterval time.Duration
	Introspection     bool
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		KeepAliveInterval: DefaultKeepAliveInterval,
		Introspection:     true,
	}
}

// Connection reacts to the inbound frames of one connection.
// Frames are handled sequentially by the connection read loop.
type Connection struct {
	process  *Process
	probe    *Probe
	settings *ConnectionSettings

	initialized bool
	params      json.RawMessage
	keepAlive   *KeepAlive
}

func NewConnection(process *Process, probe *Probe, settings *ConnectionSettings) *Connection {
	return &Connection{
		process:  process,
		probe:    probe,
		settings: settings,
	}
}

func (self *Connection) Initialized() bool {
	return self.initialized
}

// HandleFrame returns false when the connection is closing and no further frames should be read.
func (self *Connection) HandleFrame(messageType int, data []byte) bool {
	if messageType != websocket.TextMessage || !utf8.Valid(data) {
		glog.Infof("[c]%s unsupported frame type %d\n", self.process.Id(), messageType)
		self.end(websocket.CloseUnsupportedData, "Unsupported data")
		return false
	}
	return self.HandleText(data)
}

func (self *Connection) HandleText(data []byte) bool {
	subProtocol := self.process.SubProtocol()
	intent := subProtocol.Parse(data, self.initialized)
	recordIntent(subProtocol, intent.Type)
	glog.V(2).Infof("[c]%s <- %s %s\n", self.process.Id(), intent.Type, intent.OperationId)

	switch intent.Type {
	case protocol.IntentInitial:
		self.initialized = true
		self.params = intent.Payload
		self.probe.Connect(self.process)
		self.process.Send(subProtocol.AckMessage())
		self.keepAlive = NewKeepAlive(
			self.process.Context(),
			self.process,
			self.settings.KeepAliveInterval,
			subProtocol.KeepAliveMessage(),
		)

	case protocol.IntentPing:
		self.process.Send(subProtocol.PongMessage())

	case protocol.IntentStart, protocol.IntentOnce:
		if !self.settings.Introspection {
			introspection, err := intent.Request.IsIntrospection()
			if err != nil {
				self.process.Send(subProtocol.ErrorMessage(intent.OperationId, protocol.NewGraphQLError("%s", err)))
				return true
			}
			if introspection {
				self.process.Send(subProtocol.ErrorMessage(
					intent.OperationId,
					protocol.NewGraphQLError("%s", IntrospectionNotAllowedMessage),
				))
				return true
			}
		}
		if intent.Type == protocol.IntentStart {
			self.probe.Start(self.operationContext(), self.process.Id(), intent.OperationId, intent.Request)
		} else {
			self.probe.Once(self.operationContext(), self.process.Id(), intent.OperationId, intent.Request)
		}

	case protocol.IntentStop:
		self.probe.Stop(self.process.Id(), intent.OperationId)

	case protocol.IntentTerminate:
		self.end(websocket.CloseGoingAway, "")
		return false

	case protocol.IntentError:
		self.process.Send(subProtocol.ErrorMessage(intent.OperationId, protocol.NewGraphQLError("%s", intent.Message)))

	case protocol.IntentFatal:
		glog.Infof("[c]%s fatal = %s\n", self.process.Id(), intent.Message)
		self.process.Send(subProtocol.ConnectionErrorMessage(intent.Message))
		self.end(websocket.ClosePolicyViolation, "Policy violation")
		return false

	case protocol.IntentIgnore:
	}
	return true
}

func (self *Connection) operationContext() context.Context {
	return WithConnectionParams(self.process.Context(), self.params)
}

func (self *Connection) end(code int, reason string) {
	self.keepAlive.Cancel()
	self.probe.Disconnect(self.process.Id())
	self.process.Close(code, reason)
}

// Close is called when the transport has ended.
func (self *Connection) Close() {
	self.end(websocket.CloseNormalClosure, "")
}
