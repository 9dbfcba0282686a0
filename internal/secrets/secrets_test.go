package secrets

import (
	"context"
	"testing"
)

func TestEnvSecretStore(t *testing.T) {
	t.Setenv("AGENTIC_GATEWAY_SECRETS", `{"adminServiceKey":"admin-key","stripeSecretKey":"sk_test"}`)

	store := NewEnvSecretStore()

	value, err := store.GetSecret(context.Background(), "agentic/gateway-secrets")
	if err != nil {
		t.Fatal(err)
	}
	if value == "" {
		t.Error("expected secret value")
	}

	loaded, err := Load(context.Background(), store, "agentic/gateway.secrets")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.AdminServiceKey != "admin-key" || loaded.StripeSecretKey != "sk_test" {
		t.Errorf("unexpected secrets %+v", loaded)
	}
}

func TestEnvSecretStore_Missing(t *testing.T) {
	store := NewEnvSecretStore()
	if _, err := store.GetSecret(context.Background(), "definitely/not-set-anywhere"); err == nil {
		t.Error("expected error for unset secret")
	}
}

func TestLoad_RequiresAdminKey(t *testing.T) {
	t.Setenv("PARTIAL_SECRETS", `{"stripeSecretKey":"sk_test"}`)

	if _, err := Load(context.Background(), NewEnvSecretStore(), "partial-secrets"); err == nil {
		t.Error("expected error when adminServiceKey is missing")
	}
}
