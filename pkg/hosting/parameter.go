package hosting

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Parameter is a named value supplied to resources, typically a secret.
// Parameters are not started and carry no endpoints.
type Parameter struct {
	name   string
	secret bool
	value  string
}

func (p *Parameter) Name() string { return p.name }
func (p *Parameter) Secret() bool { return p.secret }

// Value returns the parameter value.
func (p *Parameter) Value(context.Context) (string, error) {
	return p.value, nil
}

func (p *Parameter) ValueExpression() string {
	return "{" + p.name + ".value}"
}

// GenerateToken returns a random 32 character hex token.
func GenerateToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
