package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSM accepts at most ten names per GetParameters call.
const maxBatchNames = 10

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// Getter is the interface that wraps GetParameter.
// Consumers (the completion client, the token verifier) depend on this
// interface rather than the concrete *Client.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval. Values are decrypted
// and cached for the lifetime of the process.
type Client struct {
	api ssmAPI

	mu    sync.RWMutex
	cache map[string]string
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api, cache: make(map[string]string)}, nil
}

// GetParameter returns the decrypted value of name, serving repeated reads
// from the cache.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	if v, ok := c.cached(name); ok {
		return v, nil
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	c.store(name, *out.Parameter.Value)
	return *out.Parameter.Value, nil
}

// Prefetch loads names into the cache with as few SSM round trips as
// possible. Any name SSM reports as invalid fails the whole call.
func (c *Client) Prefetch(ctx context.Context, names ...string) error {
	if c.api == nil {
		return errors.New("paramstore: client not initialized")
	}
	var missing []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := c.cached(n); !ok {
			missing = append(missing, n)
		}
	}

	for start := 0; start < len(missing); start += maxBatchNames {
		batch := missing[start:min(start+maxBatchNames, len(missing))]
		out, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          batch,
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("paramstore: get parameters: %w", err)
		}
		if out == nil {
			return errors.New("paramstore: empty get parameters response")
		}
		if len(out.InvalidParameters) > 0 {
			invalid := append([]string(nil), out.InvalidParameters...)
			sort.Strings(invalid)
			return fmt.Errorf("paramstore: invalid parameters: %s", strings.Join(invalid, ", "))
		}
		for _, p := range out.Parameters {
			if p.Name == nil || p.Value == nil {
				continue
			}
			c.store(*p.Name, *p.Value)
		}
	}
	return nil
}

// DecodeJSON reads name through g and unmarshals its JSON value into v.
func DecodeJSON(ctx context.Context, g Getter, name string, v any) error {
	if g == nil {
		return errors.New("paramstore: getter is nil")
	}
	raw, err := g.GetParameter(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("paramstore: unmarshal %q as JSON: %w", name, err)
	}
	return nil
}

func (c *Client) cached(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.cache[name]
	return v, ok
}

func (c *Client) store(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache == nil {
		c.cache = make(map[string]string)
	}
	c.cache[name] = value
}
