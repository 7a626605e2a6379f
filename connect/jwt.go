package connect

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type contextKey int

const (
	requestContextKey contextKey = iota
	claimsContextKey
	connectionParamsContextKey
)

// ContextBuilder builds the per-connection execution context from the upgrade request.
// It runs once per connection, before the upgrade. An error rejects the connection.
type ContextBuilder func(ctx context.Context, r *http.Request) (context.Context, error)

// DefaultContextBuilder makes the upgrade request available with `RequestFromContext`.
func DefaultContextBuilder(ctx context.Context, r *http.Request) (context.Context, error) {
	return context.WithValue(ctx, requestContextKey, r), nil
}

// JwtClaimsContextBuilder copies the claims of a bearer token into the context, if present.
// The token is not verified. Claims are request-scoped data for resolvers, not authentication.
func JwtClaimsContextBuilder(ctx context.Context, r *http.Request) (context.Context, error) {
	ctx, err := DefaultContextBuilder(ctx, r)
	if err != nil {
		return nil, err
	}

	authorization := r.Header.Get("Authorization")
	bearer, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		return ctx, nil
	}
	claims, err := ParseClaimsUnverified(strings.TrimSpace(bearer))
	if err != nil {
		return nil, err
	}
	return context.WithValue(ctx, claimsContextKey, claims), nil
}

func ParseClaimsUnverified(jwt string) (gojwt.MapClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return token.Claims.(gojwt.MapClaims), nil
}

func RequestFromContext(ctx context.Context) (*http.Request, bool) {
	r, ok := ctx.Value(requestContextKey).(*http.Request)
	return r, ok
}

func ClaimsFromContext(ctx context.Context) (gojwt.MapClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(gojwt.MapClaims)
	return claims, ok
}

func WithConnectionParams(ctx context.Context, params json.RawMessage) context.Context {
	return context.WithValue(ctx, connectionParamsContextKey, params)
}

// ConnectionParams is the raw `connection_init` payload of the connection running the operation.
func ConnectionParams(ctx context.Context) (json.RawMessage, bool) {
	params, ok := ctx.Value(connectionParamsContextKey).(json.RawMessage)
	return params, ok && 0 < len(params)
}
