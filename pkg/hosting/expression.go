package hosting

import (
	"context"
	"strings"

	"evalgo.org/apphost/pkg/connstr"
)

// ValueProvider produces a string value, possibly waiting for it.
type ValueProvider interface {
	Value(ctx context.Context) (string, error)
}

// ValueFunc adapts a function to ValueProvider.
type ValueFunc func(ctx context.Context) (string, error)

func (f ValueFunc) Value(ctx context.Context) (string, error) { return f(ctx) }

type valueExpression interface {
	ValueExpression() string
}

// Literal is a constant value.
type Literal string

func (l Literal) Value(context.Context) (string, error) { return string(l), nil }
func (l Literal) ValueExpression() string               { return string(l) }

// ReferenceExpression is an ordered list of parts concatenated at evaluation
// time. Values are recomputed on every call and never cached.
type ReferenceExpression struct {
	parts []ValueProvider
}

// NewReferenceExpression builds an expression from parts.
func NewReferenceExpression(parts ...ValueProvider) *ReferenceExpression {
	return &ReferenceExpression{parts: parts}
}

// Value evaluates every part in order.
func (e *ReferenceExpression) Value(ctx context.Context) (string, error) {
	var sb strings.Builder
	for _, p := range e.parts {
		v, err := p.Value(ctx)
		if err != nil {
			return "", err
		}
		sb.WriteString(v)
	}
	return sb.String(), nil
}

// ValueExpression renders the unresolved template, e.g.
// "{influxdb.bindings.http.url}?token={influxdb-token.value}".
func (e *ReferenceExpression) ValueExpression() string {
	var sb strings.Builder
	for _, p := range e.parts {
		if ve, ok := p.(valueExpression); ok {
			sb.WriteString(ve.ValueExpression())
		} else {
			sb.WriteString("{?}")
		}
	}
	return sb.String()
}

func (e *ReferenceExpression) String() string { return e.ValueExpression() }

// NewConnectionStringExpression fixes the connection string format of a
// resource. token may be nil for formats that do not carry one.
func NewConnectionStringExpression(format connstr.Format, endpoint *Endpoint, token ValueProvider) *ReferenceExpression {
	return NewReferenceExpression(&renderedConnectionString{format: format, endpoint: endpoint, token: token})
}

type renderedConnectionString struct {
	format   connstr.Format
	endpoint *Endpoint
	token    ValueProvider
}

func (r *renderedConnectionString) Value(ctx context.Context) (string, error) {
	a, err := r.endpoint.Wait(ctx)
	if err != nil {
		return "", err
	}
	var token string
	if r.token != nil && r.format == connstr.TokenQuery {
		if token, err = r.token.Value(ctx); err != nil {
			return "", err
		}
	}
	return connstr.Render(r.format, r.endpoint.Scheme(), a.Host, a.Port, token), nil
}

func (r *renderedConnectionString) ValueExpression() string {
	url := endpointReference{endpoint: r.endpoint, property: PropertyURL}.ValueExpression()
	switch r.format {
	case connstr.TokenQuery:
		token := "{?}"
		if ve, ok := r.token.(valueExpression); ok {
			token = ve.ValueExpression()
		}
		return url + "?token=" + token
	case connstr.KeyValueURL:
		return "URL=" + url
	default:
		return url
	}
}

// ConnectionStringResource is a resource that exposes a connection string.
type ConnectionStringResource interface {
	Resource
	ConnectionStringExpression() *ReferenceExpression
}

// ConnectionString evaluates the connection string of r.
func ConnectionString(ctx context.Context, r ConnectionStringResource) (string, error) {
	return r.ConnectionStringExpression().Value(ctx)
}
