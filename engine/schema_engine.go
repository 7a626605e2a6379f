package engine

import (
	"context"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"

	"github.com/golang/glog"

	"github.com/getsidetrack/pioneer/protocol"
)

type SchemaEngineSettings struct {
	// passed to resolvers as `p.Info.RootValue`
	RootObject map[string]any
}

func DefaultSchemaEngineSettings() *SchemaEngineSettings {
	return &SchemaEngineSettings{}
}

// SchemaEngine runs operations against a graphql-go schema.
// Subscription fields must resolve their `Subscribe` to a `chan any`.
type SchemaEngine struct {
	schema   graphql.Schema
	settings *SchemaEngineSettings
}

func NewSchemaEngineWithDefaults(schema graphql.Schema) *SchemaEngine {
	return NewSchemaEngine(schema, DefaultSchemaEngineSettings())
}

func NewSchemaEngine(schema graphql.Schema, settings *SchemaEngineSettings) *SchemaEngine {
	return &SchemaEngine{
		schema:   schema,
		settings: settings,
	}
}

func (self *SchemaEngine) params(ctx context.Context, gql *protocol.GraphQLRequest) graphql.Params {
	return graphql.Params{
		Schema:         self.schema,
		RequestString:  gql.Query,
		VariableValues: gql.Variables,
		OperationName:  gql.OperationName,
		RootObject:     self.settings.RootObject,
		Context:        ctx,
	}
}

func (self *SchemaEngine) Execute(ctx context.Context, gql *protocol.GraphQLRequest) (*protocol.Result, error) {
	result := graphql.Do(self.params(ctx, gql))
	return convertResult(result), nil
}

func (self *SchemaEngine) Subscribe(ctx context.Context, gql *protocol.GraphQLRequest) (<-chan *protocol.Result, error) {
	source := graphql.Subscribe(self.params(ctx, gql))
	out := make(chan *protocol.Result)
	go func() {
		defer close(out)
		defer func() {
			// the executor blocks on send without watching the context
			go drain(source)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case result, ok := <-source:
				if !ok {
					return
				}
				select {
				case <-ctx.Done():
					return
				case out <- convertResult(result):
				}
			}
		}
	}()
	return out, nil
}

func drain(source chan *graphql.Result) {
	n := 0
	for range source {
		n += 1
	}
	if 0 < n {
		glog.V(2).Infof("[e]drained %d results\n", n)
	}
}

func convertResult(result *graphql.Result) *protocol.Result {
	out := &protocol.Result{
		Data:       result.Data,
		Extensions: result.Extensions,
	}
	if 0 < len(result.Errors) {
		out.Errors = convertErrors(result.Errors)
	}
	return out
}

func convertErrors(errs []gqlerrors.FormattedError) []protocol.GraphQLError {
	out := make([]protocol.GraphQLError, 0, len(errs))
	for _, err := range errs {
		var locations []protocol.Location
		for _, location := range err.Locations {
			locations = append(locations, protocol.Location{
				Line:   location.Line,
				Column: location.Column,
			})
		}
		out = append(out, protocol.GraphQLError{
			Message:    err.Message,
			Locations:  locations,
			Path:       err.Path,
			Extensions: err.Extensions,
		})
	}
	return out
}
