package vault

import (
	"context"
	"fmt"

	"futures-listing-bot/config"

	"github.com/hashicorp/vault/api"
)

// Credentials are the exchange API credentials stored under the configured
// KV-v2 secret path.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// Client is a thin wrapper over the Vault API for credential retrieval.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig
}

func NewClient(cfg config.VaultConfig) (*Client, error) {
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// GetCredentials reads the exchange credentials from the secret path.
func (c *Client) GetCredentials(ctx context.Context) (*Credentials, error) {
	secret, err := c.client.Logical().ReadWithContext(ctx, c.cfg.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret %s: %w", c.cfg.SecretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret %s not found", c.cfg.SecretPath)
	}

	// KV-v2 nests the payload under "data".
	data := secret.Data
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = nested
	}

	creds := &Credentials{}
	if v, ok := data["api_key"].(string); ok {
		creds.APIKey = v
	}
	if v, ok := data["secret_key"].(string); ok {
		creds.SecretKey = v
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("secret %s missing api_key or secret_key", c.cfg.SecretPath)
	}
	return creds, nil
}
