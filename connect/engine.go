package connect

import (
	"context"

	"github.com/getsidetrack/pioneer/protocol"
)

// Engine executes GraphQL requests for the transport.
// The transport does not validate or execute queries itself.
type Engine interface {
	// Execute resolves a query or mutation to a single result.
	Execute(ctx context.Context, gql *protocol.GraphQLRequest) (*protocol.Result, error)
	// Subscribe returns a stream of results. The stream ends when the channel closes.
	// Once `ctx` is done the engine must stop producing and close the channel.
	Subscribe(ctx context.Context, gql *protocol.GraphQLRequest) (<-chan *protocol.Result, error)
}

// EngineFuncs adapts plain functions to `Engine`.
type EngineFuncs struct {
	ExecuteFunc   func(ctx context.Context, gql *protocol.GraphQLRequest) (*protocol.Result, error)
	SubscribeFunc func(ctx context.Context, gql *protocol.GraphQLRequest) (<-chan *protocol.Result, error)
}

func (self *EngineFuncs) Execute(ctx context.Context, gql *protocol.GraphQLRequest) (*protocol.Result, error) {
	return self.ExecuteFunc(ctx, gql)
}

func (self *EngineFuncs) Subscribe(ctx context.Context, gql *protocol.GraphQLRequest) (<-chan *protocol.Result, error) {
	return self.SubscribeFunc(ctx, gql)
}
