package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
)

var ErrInvalidPayload = errors.New("Invalid GraphQL request payload")

// reserved meta fields that expose the schema
var introspectionFields = map[string]bool{
	"__schema": true,
	"__type":   true,
}

// GraphQLRequest is the payload of a start/subscribe message.
type GraphQLRequest struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`

	parseOnce sync.Once
	document  *ast.Document
	parseErr  error
}

type rawGraphQLRequest struct {
	Query         *string        `json:"query"`
	Variables     map[string]any `json:"variables"`
	OperationName *string        `json:"operationName"`
	Extensions    map[string]any `json:"extensions"`
}

func NewGraphQLRequest(query string, variables map[string]any, operationName string) *GraphQLRequest {
	return &GraphQLRequest{
		Query:         query,
		Variables:     variables,
		OperationName: operationName,
	}
}

// ParseGraphQLRequest decodes a payload. `query` is required,
// `variables` and `extensions` must be objects or null, `operationName` a string or null.
func ParseGraphQLRequest(payload json.RawMessage) (*GraphQLRequest, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	var raw rawGraphQLRequest
	if err := codec.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}
	if raw.Query == nil {
		return nil, fmt.Errorf("%w: missing query", ErrInvalidPayload)
	}
	gql := &GraphQLRequest{
		Query:      *raw.Query,
		Variables:  raw.Variables,
		Extensions: raw.Extensions,
	}
	if raw.OperationName != nil {
		gql.OperationName = *raw.OperationName
	}
	return gql, nil
}

// Document parses the query once and caches the result.
func (self *GraphQLRequest) Document() (*ast.Document, error) {
	self.parseOnce.Do(func() {
		self.document, self.parseErr = parser.Parse(parser.ParseParams{
			Source: self.Query,
		})
	})
	return self.document, self.parseErr
}

// Operation selects the operation definition to run,
// by name when an operation name is given, otherwise the single definition.
func (self *GraphQLRequest) Operation() (*ast.OperationDefinition, error) {
	document, err := self.Document()
	if err != nil {
		return nil, err
	}

	var selected *ast.OperationDefinition
	for _, definition := range document.Definitions {
		operation, ok := definition.(*ast.OperationDefinition)
		if !ok {
			continue
		}
		if self.OperationName == "" {
			if selected != nil {
				return nil, errors.New("Must provide operation name if query contains multiple operations.")
			}
			selected = operation
		} else if operation.Name != nil && operation.Name.Value == self.OperationName {
			selected = operation
			break
		}
	}
	if selected == nil {
		if self.OperationName == "" {
			return nil, errors.New("Must provide an operation.")
		}
		return nil, fmt.Errorf("Unknown operation named \"%s\".", self.OperationName)
	}
	return selected, nil
}

func (self *GraphQLRequest) OperationType() (string, error) {
	operation, err := self.Operation()
	if err != nil {
		return "", err
	}
	return operation.Operation, nil
}

func (self *GraphQLRequest) IsSubscription() bool {
	operationType, err := self.OperationType()
	return err == nil && operationType == ast.OperationTypeSubscription
}

// IsIntrospection reports whether any selection in the document
// (operations, fragments, inline fragments) selects `__schema` or `__type`.
func (self *GraphQLRequest) IsIntrospection() (bool, error) {
	document, err := self.Document()
	if err != nil {
		return false, err
	}
	for _, definition := range document.Definitions {
		switch v := definition.(type) {
		case *ast.OperationDefinition:
			if selectsIntrospection(v.SelectionSet) {
				return true, nil
			}
		case *ast.FragmentDefinition:
			if selectsIntrospection(v.SelectionSet) {
				return true, nil
			}
		}
	}
	return false, nil
}

func selectsIntrospection(selectionSet *ast.SelectionSet) bool {
	if selectionSet == nil {
		return false
	}
	for _, selection := range selectionSet.Selections {
		switch v := selection.(type) {
		case *ast.Field:
			if v.Name != nil && introspectionFields[v.Name.Value] {
				return true
			}
			if selectsIntrospection(v.SelectionSet) {
				return true
			}
		case *ast.InlineFragment:
			if selectsIntrospection(v.SelectionSet) {
				return true
			}
		}
	}
	return false
}
