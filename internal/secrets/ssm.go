// ABOUTME: SSM-backed secret resolver with a per-resolver value cache
// ABOUTME: The AWS client is hidden behind a one-method interface for tests

package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Prefix marks a value as an SSM parameter reference.
const Prefix = "ssm:"

// ErrMissingValue is returned when a parameter exists but carries no value.
var ErrMissingValue = errors.New("secrets: parameter missing value")

// ssmAPI is the part of *ssm.Client the resolver uses.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver turns references into secret values. Each parameter is fetched at
// most once per Resolver.
type Resolver struct {
	api ssmAPI

	mu    sync.Mutex
	cache map[string]string
}

// New creates a Resolver over the given SSM API.
func New(api ssmAPI) (*Resolver, error) {
	if api == nil {
		return nil, errors.New("secrets: api must not be nil")
	}
	return &Resolver{api: api, cache: make(map[string]string)}, nil
}

// NewFromEnvironment builds a Resolver from the default AWS credential chain.
// region may be empty to use the chain's region.
func NewFromEnvironment(ctx context.Context, region string) (*Resolver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("secrets: load aws config: %w", err)
	}
	return New(ssm.NewFromConfig(cfg))
}

// IsRef reports whether value is an SSM reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Resolve returns value unchanged unless it is a reference, in which case
// the parameter's decrypted value is returned.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	name := strings.TrimSpace(strings.TrimPrefix(value, Prefix))
	if name == "" {
		return "", errors.New("secrets: parameter name is required")
	}

	r.mu.Lock()
	v, ok := r.cache[name]
	r.mu.Unlock()
	if ok {
		return v, nil
	}

	out, err := r.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("%w: %q", ErrMissingValue, name)
	}

	v = aws.ToString(out.Parameter.Value)
	r.mu.Lock()
	r.cache[name] = v
	r.mu.Unlock()
	return v, nil
}
