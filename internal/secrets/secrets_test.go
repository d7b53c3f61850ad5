package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeAWSClient struct {
	values map[string]string
	err    error
	calls  int
}

func (c *fakeAWSClient) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	v, ok := c.values[*in.SecretId]
	if !ok {
		return &secretsmanager.GetSecretValueOutput{}, nil
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: &v}, nil
}

func TestEnvProvider(t *testing.T) {
	const key = "CCTP_SIGNER_KEY_TEST_ENV"
	t.Setenv(key, "  super-secret  ")
	p := NewEnv()
	got, err := p.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "super-secret" {
		t.Fatalf("value mismatch: got %q", got)
	}
	if _, err := p.Get(context.Background(), "CCTP_MISSING_ENV_KEY_XYZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := p.Get(context.Background(), " "); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestAWSProvider(t *testing.T) {
	t.Parallel()

	client := &fakeAWSClient{values: map[string]string{
		"plain":   " secret ",
		"signers": `{"base":"0xabc","count":3}`,
	}}
	p, err := NewAWSWithClient(client)
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	ctx := context.Background()

	if got, err := p.Get(ctx, "plain"); err != nil || got != "secret" {
		t.Fatalf("plain: %q %v", got, err)
	}
	if got, err := p.Get(ctx, "signers#base"); err != nil || got != "0xabc" {
		t.Fatalf("field: %q %v", got, err)
	}
	if _, err := p.Get(ctx, "signers#solana"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing field: %v", err)
	}
	if _, err := p.Get(ctx, "signers#count"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("non-string field: %v", err)
	}
	if _, err := p.Get(ctx, "plain#x"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("field of plain secret: %v", err)
	}
	if _, err := p.Get(ctx, "empty"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty secret: %v", err)
	}
	// plain and signers were fetched once each, empty once.
	if client.calls != 3 {
		t.Fatalf("calls: %d", client.calls)
	}
}

func TestAWSProviderError(t *testing.T) {
	t.Parallel()

	p, _ := NewAWSWithClient(&fakeAWSClient{err: errors.New("access denied")})
	if _, err := p.Get(context.Background(), "x"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := NewAWSWithClient(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil client: %v", err)
	}
}

func TestNewAndOptional(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), "vault"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unknown driver: %v", err)
	}
	p, err := New(context.Background(), DriverEnv)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if v, err := Optional(context.Background(), p, ""); err != nil || v != "" {
		t.Fatalf("Optional blank: %q %v", v, err)
	}
}
