// Package secrets loads signer keys and API tokens from the environment or
// AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

const (
	DriverEnv = "env"
	DriverAWS = "aws"
)

// Provider resolves a secret reference to its value. AWS references may
// select a field of a JSON secret with "secret-id#field".
type Provider interface {
	Get(ctx context.Context, ref string) (string, error)
}

// New returns the provider for driver.
func New(ctx context.Context, driver string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverEnv, "":
		return NewEnv(), nil
	case DriverAWS:
		return NewAWS(ctx)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
	}
}

// Optional resolves ref, returning "" without error when ref is blank.
func Optional(ctx context.Context, p Provider, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", nil
	}
	return p.Get(ctx, ref)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider reads Secrets Manager values. Each secret id is fetched once
// per provider.
type AWSProvider struct {
	client awsClient

	mu    sync.Mutex
	cache map[string]string
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client, cache: make(map[string]string)}, nil
}

func (p *AWSProvider) Get(ctx context.Context, ref string) (string, error) {
	id, field, err := splitRef(ref)
	if err != nil {
		return "", err
	}
	raw, err := p.fetch(ctx, id)
	if err != nil {
		return "", err
	}
	if field == "" {
		return raw, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("%w: secret %q is not a json object", ErrInvalidConfig, id)
	}
	v, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("%w: secret %q has no field %q", ErrNotFound, id, field)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: secret %q field %q is not a non-empty string", ErrNotFound, id, field)
	}
	return strings.TrimSpace(s), nil
}

func (p *AWSProvider) fetch(ctx context.Context, id string) (string, error) {
	p.mu.Lock()
	if v, ok := p.cache[id]; ok {
		p.mu.Unlock()
		return v, nil
	}
	p.mu.Unlock()

	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", id, err)
	}
	var v string
	switch {
	case out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "":
		v = strings.TrimSpace(*out.SecretString)
	case len(out.SecretBinary) > 0:
		v = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
	}

	p.mu.Lock()
	p.cache[id] = v
	p.mu.Unlock()
	return v, nil
}

func splitRef(ref string) (id, field string, err error) {
	ref = strings.TrimSpace(ref)
	id, field, _ = strings.Cut(ref, "#")
	id, field = strings.TrimSpace(id), strings.TrimSpace(field)
	if id == "" {
		return "", "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	return id, field, nil
}

// EnvProvider reads secrets from environment variables named by ref.
type EnvProvider struct{}

func NewEnv() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Get(_ context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty env name", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(ref))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, ref)
	}
	return v, nil
}
