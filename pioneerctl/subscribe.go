package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/getsidetrack/pioneer/protocol"
)

const subscribeOperationId = "1"

func subscribe(opts docopt.Opts) error {
	url, _ := opts.String("--url")
	query, _ := opts.String("<query>")

	subProtocolNames := []string{protocol.GraphQLWs.Name, protocol.SubscriptionsTransportWs.Name}
	if names, ok := opts["--protocol"].([]string); ok && 0 < len(names) {
		subProtocolNames = names
	}

	var variables map[string]any
	if variablesJson, err := opts.String("--variables"); err == nil && variablesJson != "" {
		if err := sonic.UnmarshalString(variablesJson, &variables); err != nil {
			return fmt.Errorf("parse --variables: %w", err)
		}
	}
	var params any
	if paramsJson, err := opts.String("--params"); err == nil && paramsJson != "" {
		if !json.Valid([]byte(paramsJson)) {
			return fmt.Errorf("parse --params: invalid json")
		}
		params = json.RawMessage(paramsJson)
	}
	count := 0
	if countStr, err := opts.String("--count"); err == nil && countStr != "" {
		count, err = strconv.Atoi(countStr)
		if err != nil {
			return fmt.Errorf("parse --count: %w", err)
		}
	}

	header := http.Header{}
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		header.Set("Authorization", "Bearer "+jwt)
	}

	dialer := &websocket.Dialer{
		Subprotocols:     subProtocolNames,
		HandshakeTimeout: 15 * time.Second,
	}
	ws, _, err := dialer.Dial(url, header)
	if err != nil {
		return err
	}
	defer ws.Close()

	subProtocol, ok := protocol.SubProtocolByName(ws.Subprotocol())
	if !ok {
		return fmt.Errorf("server selected unsupported protocol %q", ws.Subprotocol())
	}

	ctx, cancel := signalContext()
	defer cancel()

	client := &subscribeClient{
		ws:          ws,
		subProtocol: subProtocol,
		pretty:      term.IsTerminal(int(os.Stdout.Fd())),
	}

	if err := client.write("", subProtocol.ConnectionInit, params); err != nil {
		return err
	}
	gql := protocol.NewGraphQLRequest(query, variables, "")
	if err := client.write(subscribeOperationId, subProtocol.Start, gql); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		client.write(subscribeOperationId, subProtocol.Stop, nil)
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		ws.Close()
	}()

	return client.run(count)
}

type subscribeClient struct {
	writeLock   sync.Mutex
	ws          *websocket.Conn
	subProtocol *protocol.SubProtocol
	pretty      bool
}

func (self *subscribeClient) write(id string, messageType string, payload any) error {
	envelope, err := protocol.NewEnvelope(id, messageType, payload)
	if err != nil {
		return err
	}
	data, err := protocol.EncodeEnvelope(envelope)
	if err != nil {
		return err
	}
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	return self.ws.WriteMessage(websocket.TextMessage, data)
}

func (self *subscribeClient) run(count int) error {
	results := 0
	for {
		_, data, err := self.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		envelope, err := protocol.DecodeEnvelope(data)
		if err != nil {
			return err
		}

		switch envelope.Type {
		case self.subProtocol.ConnectionAck:
			Err.Printf("Connected (%s)\n", self.subProtocol.Name)
		case self.subProtocol.Ping:
			if err := self.write("", self.subProtocol.Pong, nil); err != nil {
				return err
			}
		case self.subProtocol.Next:
			self.print(envelope.Payload)
			results += 1
			if 0 < count && count <= results {
				return self.write(subscribeOperationId, self.subProtocol.Stop, nil)
			}
		case self.subProtocol.Error, self.subProtocol.ConnectionError:
			self.print(envelope.Payload)
			if envelope.Id == "" {
				return fmt.Errorf("connection error")
			}
			return nil
		case self.subProtocol.Complete:
			return nil
		case self.subProtocol.KeepAlive:
		default:
			Err.Printf("Unexpected message %s\n", envelope.Type)
		}
	}
}

func (self *subscribeClient) print(payload json.RawMessage) {
	if !self.pretty {
		Out.Printf("%s\n", payload)
		return
	}
	var value any
	if err := sonic.Unmarshal(payload, &value); err != nil {
		Out.Printf("%s\n", payload)
		return
	}
	pretty, err := sonic.ConfigStd.MarshalIndent(value, "", "  ")
	if err != nil {
		Out.Printf("%s\n", payload)
		return
	}
	Out.Printf("%s\n", pretty)
}
