package protocol

import (
	"github.com/golang/glog"
)

// SubProtocol is the token table for one negotiated websocket sub-protocol.
// An empty token is not part of the variant.
type SubProtocol struct {
	Name string

	// client -> server
	ConnectionInit      string
	Ping                string
	Pong                string
	Start               string
	Stop                string
	ConnectionTerminate string

	// server -> client
	ConnectionAck   string
	ConnectionError string
	KeepAlive       string
	Next            string
	Error           string
	Complete        string
}

// the apollo `subscriptions-transport-ws` protocol
var SubscriptionsTransportWs = &SubProtocol{
	Name: "graphql-ws",

	ConnectionInit:      "connection_init",
	Start:               "start",
	Stop:                "stop",
	ConnectionTerminate: "connection_terminate",

	ConnectionAck:   "connection_ack",
	ConnectionError: "connection_error",
	KeepAlive:       "ka",
	Next:            "data",
	Error:           "error",
	Complete:        "complete",
}

// the `graphql-ws` library protocol
var GraphQLWs = &SubProtocol{
	Name: "graphql-transport-ws",

	ConnectionInit: "connection_init",
	Ping:           "ping",
	Pong:           "pong",
	Start:          "subscribe",
	Stop:           "complete",

	ConnectionAck:   "connection_ack",
	ConnectionError: "error",
	// pong may be sent unidirectionally as a heartbeat
	KeepAlive: "pong",
	Next:      "next",
	Error:     "error",
	Complete:  "complete",
}

var SubProtocols = []*SubProtocol{
	SubscriptionsTransportWs,
	GraphQLWs,
}

func SubProtocolByName(name string) (*SubProtocol, bool) {
	for _, subProtocol := range SubProtocols {
		if subProtocol.Name == name {
			return subProtocol, true
		}
	}
	return nil, false
}

// Negotiate picks the first requested name, in client preference order, that is supported.
func Negotiate(requested []string, supported []*SubProtocol) (*SubProtocol, bool) {
	for _, name := range requested {
		for _, subProtocol := range supported {
			if subProtocol.Name == name {
				return subProtocol, true
			}
		}
	}
	return nil, false
}

func (self *SubProtocol) String() string {
	return self.Name
}

func (self *SubProtocol) AckMessage() []byte {
	return self.message("", self.ConnectionAck, nil)
}

func (self *SubProtocol) KeepAliveMessage() []byte {
	return self.message("", self.KeepAlive, nil)
}

func (self *SubProtocol) PongMessage() []byte {
	if self.Pong == "" {
		return self.KeepAliveMessage()
	}
	return self.message("", self.Pong, nil)
}

func (self *SubProtocol) NextMessage(oid string, result *Result) []byte {
	return self.message(oid, self.Next, result)
}

func (self *SubProtocol) ErrorMessage(oid string, errs ...GraphQLError) []byte {
	return self.message(oid, self.Error, errs)
}

func (self *SubProtocol) CompleteMessage(oid string) []byte {
	return self.message(oid, self.Complete, nil)
}

// ConnectionErrorMessage is the final message before a connection is closed for a protocol violation.
func (self *SubProtocol) ConnectionErrorMessage(message string) []byte {
	return self.message("", self.ConnectionError, []GraphQLError{{Message: message}})
}

// message never fails. A payload that cannot be marshaled degrades to an error message for the same id.
func (self *SubProtocol) message(oid string, messageType string, payload any) []byte {
	envelope, err := NewEnvelope(oid, messageType, payload)
	if err == nil {
		var data []byte
		if data, err = EncodeEnvelope(envelope); err == nil {
			return data
		}
	}
	glog.Infof("[proto]%s encode %s(%s) error = %s\n", self.Name, messageType, oid, err)

	fallback, _ := NewEnvelope(oid, self.Error, []GraphQLError{{Message: err.Error()}})
	data, _ := EncodeEnvelope(fallback)
	return data
}
