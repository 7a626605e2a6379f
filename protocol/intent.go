package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/graphql-go/graphql/language/ast"
)

type IntentType int

const (
	IntentIgnore IntentType = iota
	IntentInitial
	IntentPing
	IntentStart
	IntentOnce
	IntentStop
	IntentTerminate
	IntentError
	IntentFatal
)

func (self IntentType) String() string {
	switch self {
	case IntentIgnore:
		return "ignore"
	case IntentInitial:
		return "initial"
	case IntentPing:
		return "ping"
	case IntentStart:
		return "start"
	case IntentOnce:
		return "once"
	case IntentStop:
		return "stop"
	case IntentTerminate:
		return "terminate"
	case IntentError:
		return "error"
	case IntentFatal:
		return "fatal"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// Intent is the classification of one inbound message.
// `OperationId` is set for start, once, stop and (optionally) error.
// `Request` is set for start and once. `Payload` carries the init payload.
// `Message` is set for error and fatal.
type Intent struct {
	Type        IntentType
	OperationId string
	Request     *GraphQLRequest
	Payload     json.RawMessage
	Message     string
}

func fatal(format string, a ...any) Intent {
	return Intent{
		Type:    IntentFatal,
		Message: fmt.Sprintf(format, a...),
	}
}

// Parse classifies one text frame given whether the connection has completed its handshake.
// Parse never panics on hostile input; every decode problem is a fatal intent.
func (self *SubProtocol) Parse(data []byte, initialized bool) Intent {
	envelope, err := DecodeEnvelope(data)
	if err != nil {
		return fatal("%s", err)
	}
	return self.Classify(envelope, initialized)
}

func (self *SubProtocol) Classify(envelope *Envelope, initialized bool) Intent {
	messageType := envelope.Type
	if messageType == "" {
		return fatal("Message is missing a type")
	}

	if !initialized {
		if messageType == self.ConnectionInit {
			return Intent{
				Type:    IntentInitial,
				Payload: envelope.Payload,
			}
		}
		// not yet authorized to exchange operations
		return fatal("Connection has not been initialised, received %s", messageType)
	}

	switch messageType {
	case self.ConnectionInit:
		return fatal("Too many initialisation requests")

	case self.Ping:
		return Intent{Type: IntentPing}

	case self.Pong:
		return Intent{Type: IntentIgnore}

	case self.ConnectionTerminate:
		return Intent{Type: IntentTerminate}

	case self.Start:
		if envelope.Id == "" {
			return fatal("Message of type %s requires an id", messageType)
		}
		gql, err := ParseGraphQLRequest(envelope.Payload)
		if err != nil {
			return fatal("%s", err)
		}
		operationType, err := gql.OperationType()
		if err != nil {
			return Intent{
				Type:        IntentError,
				OperationId: envelope.Id,
				Message:     err.Error(),
			}
		}
		intentType := IntentOnce
		if operationType == ast.OperationTypeSubscription {
			intentType = IntentStart
		}
		return Intent{
			Type:        intentType,
			OperationId: envelope.Id,
			Request:     gql,
		}

	case self.Stop:
		if envelope.Id == "" {
			return fatal("Message of type %s requires an id", messageType)
		}
		return Intent{
			Type:        IntentStop,
			OperationId: envelope.Id,
		}

	default:
		return fatal("Unknown message type %s", messageType)
	}
}
