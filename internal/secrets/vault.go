// Package secrets resolves database credentials from HashiCorp Vault so
// they can stay out of the on-disk config.
package secrets

import (
	"context"
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"

	"github.com/quietbit/snapvault/internal/config"
)

type Credentials struct {
	Username string
	Password string
}

// Lookup reads username/password from the configured Vault path. Both KV v1
// payloads and the nested "data" object of KV v2 are accepted.
func Lookup(ctx context.Context, cfg *config.VaultConfig) (Credentials, error) {
	apiCfg := vault.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}

	client, err := vault.NewClient(apiCfg)
	if err != nil {
		return Credentials{}, fmt.Errorf("vault client: %w", err)
	}

	token := cfg.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token != "" {
		client.SetToken(token)
	}

	secret, err := client.Logical().ReadWithContext(ctx, cfg.Path)
	if err != nil {
		return Credentials{}, fmt.Errorf("vault read %s: %w", cfg.Path, err)
	}
	if secret == nil {
		return Credentials{}, fmt.Errorf("no data found at vault path %s", cfg.Path)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]any); ok {
		data = nested
	}

	user, userOK := data["username"].(string)
	pass, passOK := data["password"].(string)
	if !userOK || !passOK {
		return Credentials{}, fmt.Errorf("vault path %s is missing username/password", cfg.Path)
	}

	return Credentials{Username: user, Password: pass}, nil
}
