package protocol

import (
	"fmt"
)

type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// GraphQLError is one entry of a GraphQL response `errors` list.
type GraphQLError struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func NewGraphQLError(format string, a ...any) GraphQLError {
	return GraphQLError{
		Message: fmt.Sprintf(format, a...),
	}
}

func (self GraphQLError) Error() string {
	return self.Message
}

// Result is one execution result, sent as the payload of a next message.
type Result struct {
	Data       any            `json:"data"`
	Errors     []GraphQLError `json:"errors,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (self *Result) HasErrors() bool {
	return 0 < len(self.Errors)
}

// ErrorResult synthesizes a result with no data from an execution failure.
func ErrorResult(err error) *Result {
	return &Result{
		Data:   nil,
		Errors: []GraphQLError{{Message: err.Error()}},
	}
}
