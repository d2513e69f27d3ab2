// Package paramstore resolves secret parameters (API tokens) by name, from
// AWS SSM Parameter Store in Lambda and from the process environment locally.
package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter. Integrations depend on it
// rather than on a concrete source.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ErrNotFound is returned when a parameter has no value in its source.
var ErrNotFound = errors.New("paramstore: parameter not found")

// Client reads SecureString parameters from SSM.
type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return *out.Parameter.Value, nil
}

// Env serves parameters from environment variables. The variable is looked up
// by the last path segment of the parameter name in Vars; values are wrapped
// in the same {"token":"..."} JSON shape the SSM parameters use.
type Env struct {
	Vars   map[string]string
	lookup func(string) (string, bool)
}

// NewEnv maps parameter base names (e.g. "open-ai-token") to variable names
// (e.g. "OPENAI_API_KEY").
func NewEnv(vars map[string]string) *Env {
	return &Env{Vars: vars, lookup: os.LookupEnv}
}

func (e *Env) GetParameter(_ context.Context, name string) (string, error) {
	base := path.Base(strings.TrimSpace(name))
	key, ok := e.Vars[base]
	if !ok {
		return "", fmt.Errorf("%w: %q has no environment mapping", ErrNotFound, name)
	}
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %s is not set", ErrNotFound, key)
	}
	b, err := json.Marshal(struct {
		Token string `json:"token"`
	}{Token: strings.TrimSpace(v)})
	if err != nil {
		return "", fmt.Errorf("paramstore: encode %s: %w", key, err)
	}
	return string(b), nil
}
