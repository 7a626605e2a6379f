package main

import (
	"errors"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/graphql-go/graphql"

	"github.com/getsidetrack/pioneer/connect"
	"github.com/getsidetrack/pioneer/pubsub"
)

const messagesTopic = "messages"

var formattingType = graphql.NewEnum(graphql.EnumConfig{
	Name: "Formatting",
	Values: graphql.EnumValueConfigMap{
		"PLAIN": &graphql.EnumValueConfig{Value: "plain"},
		"UPPER": &graphql.EnumValueConfig{Value: "upper"},
		"QUOTE": &graphql.EnumValueConfig{Value: "quote"},
	},
})

var messageType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Message",
	Fields: graphql.Fields{
		"id": &graphql.Field{
			Type: graphql.NewNonNull(graphql.ID),
		},
		"content": &graphql.Field{
			Type: graphql.NewNonNull(graphql.String),
		},
		"description": &graphql.Field{
			Type: graphql.NewNonNull(graphql.String),
			Args: graphql.FieldConfigArgument{
				"formatting": &graphql.ArgumentConfig{
					Type:         formattingType,
					DefaultValue: "plain",
				},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				message, ok := p.Source.(map[string]any)
				if !ok {
					return nil, errors.New("Message source must be an object.")
				}
				content, _ := message["content"].(string)
				formatting, _ := p.Args["formatting"].(string)
				return formatMessage(content, formatting), nil
			},
		},
	},
})

func formatMessage(content string, formatting string) string {
	switch formatting {
	case "upper":
		return strings.ToUpper(content)
	case "quote":
		return "\"" + content + "\""
	default:
		return content
	}
}

// the demo schema served by `pioneerctl serve`
func newSchema(ps pubsub.PubSub) (graphql.Schema, error) {
	return graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name: "Query",
			Fields: graphql.Fields{
				"hello": &graphql.Field{
					Type: graphql.NewNonNull(graphql.String),
					Resolve: func(p graphql.ResolveParams) (any, error) {
						name := "World"
						if params, ok := connect.ConnectionParams(p.Context); ok {
							var values map[string]any
							if err := sonic.Unmarshal(params, &values); err == nil {
								if v, ok := values["name"].(string); ok && v != "" {
									name = v
								}
							}
						}
						return "Hello " + name + "!", nil
					},
				},
				"viewer": &graphql.Field{
					Type: graphql.String,
					Resolve: func(p graphql.ResolveParams) (any, error) {
						claims, ok := connect.ClaimsFromContext(p.Context)
						if !ok {
							return nil, nil
						}
						sub, err := claims.GetSubject()
						if err != nil || sub == "" {
							return nil, err
						}
						return sub, nil
					},
				},
			},
		}),
		Mutation: graphql.NewObject(graphql.ObjectConfig{
			Name: "Mutation",
			Fields: graphql.Fields{
				"randomMessage": &graphql.Field{
					Type: graphql.NewNonNull(messageType),
					Args: graphql.FieldConfigArgument{
						"content": &graphql.ArgumentConfig{
							Type: graphql.NewNonNull(graphql.String),
						},
					},
					Resolve: func(p graphql.ResolveParams) (any, error) {
						message := map[string]any{
							"id":      connect.NewId().String(),
							"content": p.Args["content"],
						}
						if err := ps.Publish(p.Context, messagesTopic, message); err != nil {
							return nil, err
						}
						return message, nil
					},
				},
			},
		}),
		Subscription: graphql.NewObject(graphql.ObjectConfig{
			Name: "Subscription",
			Fields: graphql.Fields{
				"onMessage": &graphql.Field{
					Type: graphql.NewNonNull(messageType),
					Subscribe: func(p graphql.ResolveParams) (any, error) {
						return ps.Subscribe(p.Context, messagesTopic)
					},
					Resolve: func(p graphql.ResolveParams) (any, error) {
						return p.Source, nil
					},
				},
			},
		}),
	})
}
