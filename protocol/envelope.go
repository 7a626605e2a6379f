package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// std compatible config so that `json.RawMessage` and struct tags behave as encoding/json
var codec = sonic.ConfigStd

var (
	ErrInvalidEnvelope = errors.New("Invalid message")
	ErrMissingType     = errors.New("Message is missing a type")
)

// Envelope is one sub-protocol message.
// An empty `Id` is omitted on the wire (connection scoped messages).
type Envelope struct {
	Id      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (self *Envelope) HasPayload() bool {
	return 0 < len(self.Payload) && string(self.Payload) != "null"
}

// inbound fields are validated by hand. `id` and `type` must be strings when present
type rawEnvelope struct {
	Id      json.RawMessage `json:"id"`
	Type    json.RawMessage `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	var raw rawEnvelope
	if err := codec.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEnvelope, err)
	}

	if len(raw.Type) == 0 || string(raw.Type) == "null" {
		return nil, ErrMissingType
	}
	var messageType string
	if err := codec.Unmarshal(raw.Type, &messageType); err != nil {
		return nil, fmt.Errorf("%w: type must be a string", ErrInvalidEnvelope)
	}

	envelope := &Envelope{
		Type:    messageType,
		Payload: raw.Payload,
	}
	if 0 < len(raw.Id) && string(raw.Id) != "null" {
		if err := codec.Unmarshal(raw.Id, &envelope.Id); err != nil {
			return nil, fmt.Errorf("%w: id must be a string", ErrInvalidEnvelope)
		}
	}
	return envelope, nil
}

func EncodeEnvelope(envelope *Envelope) ([]byte, error) {
	return codec.Marshal(envelope)
}

// NewEnvelope marshals the payload into a new envelope. A nil payload is omitted.
func NewEnvelope(id string, messageType string, payload any) (*Envelope, error) {
	envelope := &Envelope{
		Id:   id,
		Type: messageType,
	}
	if payload != nil {
		payloadBytes, err := codec.Marshal(payload)
		if err != nil {
			return nil, err
		}
		envelope.Payload = payloadBytes
	}
	return envelope, nil
}
