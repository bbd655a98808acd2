// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/tombee/maestro/internal/commands/shared"
	"github.com/tombee/maestro/internal/config"
	"github.com/tombee/maestro/internal/daemon/auth"
	"github.com/tombee/maestro/internal/secrets"
)

// NewCommand creates the auth command group
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage daemon authentication",
		Annotations: map[string]string{
			"group": "configuration",
		},
	}

	cmd.AddCommand(newTokenCommand())

	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		user    string
		tenant  string
		scopes  []string
		expires time.Duration
		secret  string
		keyPath string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the daemon",
		Long: `Token mints a JWT the daemon will accept when auth is enabled. The
signing key must match the daemon's: pass --secret or --key explicitly,
or leave both unset to use auth.secret (or auth.secret_ref) from the
daemon config.

The token prints alone on stdout so it can be captured directly:

  export MAESTRO_TOKEN=$(maestro auth token --tenant acme)`,
		Example: `  # Example 1: Read-write token for one tenant, signed per config
  maestro auth token --tenant acme

  # Example 2: Short-lived read-only token
  maestro auth token --tenant acme --scopes runs:read --expires 1h

  # Example 3: EdDSA signing with a key file
  maestro auth token --key ./signing.pem --user ops --scopes admin`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, user, tenant, scopes, expires, secret, keyPath)
		},
	}

	cmd.Flags().StringVar(&user, "user", "cli", "Subject recorded in the token")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant the token is scoped to (empty for all)")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{auth.ScopeRunsRead, auth.ScopeRunsWrite}, "Scopes granted to the token")
	cmd.Flags().DurationVar(&expires, "expires", 24*time.Hour, "Token lifetime")
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 signing secret (default: auth.secret from config)")
	cmd.Flags().StringVar(&keyPath, "key", "", "Path to a PEM Ed25519 private key for EdDSA signing")

	return cmd
}

func runToken(cmd *cobra.Command, user, tenant string, scopes []string, expires time.Duration, secret, keyPath string) error {
	expiresAt := time.Now().Add(expires)
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		UserID:   user,
		TenantID: tenant,
		Scopes:   scopes,
	}

	jwtCfg, err := signingConfig(cmd, secret, keyPath)
	if err != nil {
		return err
	}

	token, err := auth.GenerateJWT(claims, jwtCfg)
	if err != nil {
		return shared.NewExecutionError("failed to sign token", err)
	}

	if shared.GetJSON() {
		cmd.Printf("{\"token\": %q, \"expires_at\": %q}\n", token, expiresAt.UTC().Format(time.RFC3339))
		return nil
	}
	cmd.Println(token)
	return nil
}

// signingConfig resolves the signing key: explicit flags first, then
// the daemon config's auth section, secret_ref resolved through the
// same provider chain the daemon uses.
func signingConfig(cmd *cobra.Command, secret, keyPath string) (auth.JWTConfig, error) {
	if keyPath != "" {
		priv, err := auth.LoadPrivateKey(keyPath)
		if err != nil {
			return auth.JWTConfig{}, shared.NewExecutionError("failed to load signing key", err)
		}
		return auth.JWTConfig{PrivateKey: priv}, nil
	}

	if secret == "" {
		cfg, err := loadDaemonConfig()
		if err != nil {
			return auth.JWTConfig{}, shared.NewExecutionError("failed to load config", err)
		}
		secret = cfg.Auth.Secret
		if cfg.Auth.SecretRef != "" {
			resolved, err := secrets.NewDefaultResolver().Get(cmd.Context(), cfg.Auth.SecretRef)
			if err != nil {
				return auth.JWTConfig{}, shared.NewExecutionError(
					fmt.Sprintf("failed to resolve auth secret %q", cfg.Auth.SecretRef), err)
			}
			secret = resolved
		}
	}
	if secret == "" {
		return auth.JWTConfig{}, shared.NewExecutionError(
			"no signing key: pass --secret or --key, or set auth.secret in the daemon config", nil)
	}
	return auth.JWTConfig{Secret: []byte(secret)}, nil
}

// loadDaemonConfig loads the daemon config from --config, falling back
// to the default location when a file exists there.
func loadDaemonConfig() (*config.Config, error) {
	path := shared.GetConfigPath()
	if path == "" {
		if p, err := config.ConfigPath(); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
			}
		}
	}
	return config.Load(path)
}
