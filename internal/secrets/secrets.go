// Package secrets loads gateway credentials (admin service key, payment
// provider key) from AWS Secrets Manager with a short in-process cache, or
// from environment variables for local runs.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
	GetSecretJSON(ctx context.Context, name string, v any) error
}

// GatewaySecrets bundles the credentials the gateway needs at startup.
type GatewaySecrets struct {
	AdminServiceKey string `json:"adminServiceKey"`
	StripeSecretKey string `json:"stripeSecretKey"`
}

// Load reads the gateway secret bundle from the store.
func Load(ctx context.Context, store SecretStore, name string) (*GatewaySecrets, error) {
	var loaded GatewaySecrets
	if err := store.GetSecretJSON(ctx, name, &loaded); err != nil {
		return nil, fmt.Errorf("load gateway secrets: %w", err)
	}
	if loaded.AdminServiceKey == "" {
		return nil, fmt.Errorf("gateway secrets %q missing adminServiceKey", name)
	}
	return &loaded, nil
}

type AWSSecretsManager struct {
	client *secretsmanager.Client
	cache  map[string]*cachedSecret
	mu     sync.RWMutex
	ttl    time.Duration
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithConfig(cfg), nil
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*cachedSecret),
		ttl:    5 * time.Minute,
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && time.Now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := ""
	if result.SecretString != nil {
		value = *result.SecretString
	}

	s.mu.Lock()
	s.cache[name] = &cachedSecret{value: value, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return value, nil
}

func (s *AWSSecretsManager) GetSecretJSON(ctx context.Context, name string, v any) error {
	secret, err := s.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(secret), v)
}

// EnvSecretStore resolves secrets from environment variables; the secret
// name is uppercased with separators mapped to underscores. Used for local
// development where Secrets Manager is unavailable.
type EnvSecretStore struct{}

func NewEnvSecretStore() *EnvSecretStore {
	return &EnvSecretStore{}
}

func (s *EnvSecretStore) GetSecret(_ context.Context, name string) (string, error) {
	envName := strings.ToUpper(strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name))
	value, ok := os.LookupEnv(envName)
	if !ok {
		return "", fmt.Errorf("secret %s not set (env %s)", name, envName)
	}
	return value, nil
}

func (s *EnvSecretStore) GetSecretJSON(ctx context.Context, name string, v any) error {
	secret, err := s.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(secret), v)
}
