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

// Package secrets implements the maestro secrets command for managing
// stored credentials.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tombee/maestro/internal/cli"
	"github.com/tombee/maestro/internal/commands/shared"
	"github.com/tombee/maestro/internal/secrets"
)

// NewCommand creates the secrets command for secret management.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage stored secrets (signing keys, credentials)",
		Long: `Secrets manages values the daemon resolves at startup, such as the
JWT signing secret referenced by auth.secret_ref in the daemon config.

Secrets are stored in a tiered backend system with automatic fallback:
  1. Environment variables (highest priority, read-only, MAESTRO_SECRET_ prefix)
  2. System keychain (macOS Keychain, Linux Secret Service, Windows Credential Manager)
  3. Encrypted file (fallback for headless servers, needs MAESTRO_MASTER_KEY)

Commands:
  set       Store a secret securely
  get       Retrieve a secret value
  list      List all secret keys
  delete    Remove a secret

Examples:
  maestro secrets set auth/jwt-secret
  maestro secrets get auth/jwt-secret
  maestro secrets list
  maestro secrets delete auth/jwt-secret`,
		Annotations: map[string]string{
			"group": "configuration",
		},
	}

	cmd.AddCommand(newSetCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newDeleteCommand())

	return cmd
}

func newSetCommand() *cobra.Command {
	var backend string

	cmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret securely",
		Long: `Store a secret in the specified backend.

The secret value can be provided via:
  - Interactive prompt (hidden input, default)
  - Standard input: echo "value" | maestro secrets set <key>

Key Format:
  Hierarchical format: namespace/subkey
  Examples:
    auth/jwt-secret
    integrations/slack/token

Backend Selection:
  --backend <name>  Target specific backend (env, keychain, file)
  Default: First available writable backend (usually keychain)

Examples:
  maestro secrets set auth/jwt-secret
  maestro secrets set auth/jwt-secret --backend file
  openssl rand -hex 32 | maestro secrets set auth/jwt-secret`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSet(cmd, args[0], backend)
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "", "Target backend (env, keychain, file)")

	return cmd
}

func newGetCommand() *cobra.Command {
	var unmask bool

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Retrieve a secret value",
		Long: `Retrieve a secret value from any available backend.

By default, the value is masked for security. Use --unmask to show the full value.

Examples:
  maestro secrets get auth/jwt-secret
  maestro secrets get auth/jwt-secret --unmask`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, args[0], unmask)
		},
	}

	cmd.Flags().BoolVar(&unmask, "unmask", false, "Show full value (not masked)")

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all secret keys",
		Long: `List all secret keys across all backends.

Shows the key, the backend providing it, and whether that backend is
read-only. Values are never shown.

Examples:
  maestro secrets list
  maestro secrets list --json`,
		Args: cobra.NoArgs,
		RunE: runList,
	}
}

func newDeleteCommand() *cobra.Command {
	var (
		backend string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a secret",
		Long: `Remove a secret from the specified backend.

Requires confirmation unless --force is used.

Examples:
  maestro secrets delete auth/jwt-secret
  maestro secrets delete auth/jwt-secret --backend keychain
  maestro secrets delete auth/jwt-secret --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd, args[0], backend, force)
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "", "Target backend (env, keychain, file)")
	cmd.Flags().BoolVar(&force, "force", false, "Skip confirmation prompt")

	return cmd
}

func runSet(cmd *cobra.Command, key, backend string) error {
	if err := secrets.ValidateKey(key); err != nil {
		return err
	}

	value, err := readSecretValue(cmd)
	if err != nil {
		return fmt.Errorf("failed to read secret value: %w", err)
	}
	if value == "" {
		return errors.New("secret value cannot be empty")
	}

	resolver := secrets.NewDefaultResolver()
	if err := resolver.Set(cmd.Context(), key, value, backend); err != nil {
		if errors.Is(err, secrets.ErrBackendUnavailable) {
			return fmt.Errorf("backend unavailable: %w\n\nTry:\n  1. Use --backend to pick a different backend\n  2. Set the environment variable MAESTRO_SECRET_%s instead\n  3. For the file backend, set MAESTRO_MASTER_KEY", err, envName(key))
		}
		return fmt.Errorf("failed to set secret: %w", err)
	}

	cmd.Printf("%s\n", cli.RenderOK(fmt.Sprintf("Secret %s stored in %s backend", key, storedBackend(resolver, backend))))
	return nil
}

func runGet(cmd *cobra.Command, key string, unmask bool) error {
	resolver := secrets.NewDefaultResolver()

	value, err := resolver.Get(cmd.Context(), key)
	if err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return fmt.Errorf("secret not found: %q\n\nSet it with: maestro secrets set %s", key, key)
		}
		return fmt.Errorf("failed to get secret: %w", err)
	}

	if unmask {
		cmd.Println(value)
		return nil
	}
	cmd.Printf("%s (use --unmask to show full value)\n", maskSecret(value))
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	resolver := secrets.NewDefaultResolver()

	metadata, err := resolver.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list secrets: %w", err)
	}

	if shared.GetJSON() {
		return printListJSON(cmd, metadata)
	}

	if len(metadata) == 0 {
		cmd.Println("No secrets found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tBACKEND\tREAD-ONLY")
	for _, meta := range metadata {
		readOnly := "no"
		if meta.ReadOnly {
			readOnly = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", meta.Key, meta.Backend, readOnly)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	cmd.Printf("\nTotal: %d secret(s)\n", len(metadata))
	return nil
}

func runDelete(cmd *cobra.Command, key, backend string, force bool) error {
	if !force {
		if !cli.IsInteractive() {
			return shared.NewExecutionError("refusing to delete a secret without --force in non-interactive mode", nil)
		}
		var confirmed bool
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("Delete secret %q?", key),
			Default: false,
		}
		if err := survey.AskOne(prompt, &confirmed); err != nil {
			return err
		}
		if !confirmed {
			cmd.Println("Aborted.")
			return nil
		}
	}

	resolver := secrets.NewDefaultResolver()
	if err := resolver.Delete(cmd.Context(), key, backend); err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return fmt.Errorf("secret not found: %q", key)
		}
		if errors.Is(err, secrets.ErrReadOnlyBackend) {
			return errors.New("cannot delete from a read-only backend (environment variables)")
		}
		return fmt.Errorf("failed to delete secret: %w", err)
	}

	cmd.Printf("%s\n", cli.RenderOK(fmt.Sprintf("Secret %q deleted", key)))
	return nil
}

// readSecretValue reads the value from a piped stdin, or prompts with
// hidden input on a terminal.
func readSecretValue(cmd *cobra.Command) (string, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}

	if (stat.Mode() & os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	fmt.Fprint(cmd.ErrOrStderr(), "Enter secret value (hidden): ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// storedBackend names the backend a default-routed Set landed in: the
// first writable one in priority order.
func storedBackend(resolver *secrets.Resolver, requested string) string {
	if requested != "" {
		return requested
	}
	for _, b := range resolver.Backends() {
		if ro, ok := b.(secrets.ReadOnlyBackend); ok && ro.ReadOnly() {
			continue
		}
		return b.Name()
	}
	return "unknown"
}

// maskSecret shows only the edges of a value.
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "..." + value[len(value)-4:]
}

// envName converts a secret key to its MAESTRO_SECRET_ variable suffix.
func envName(key string) string {
	return strings.ToUpper(strings.NewReplacer("/", "_", "-", "_").Replace(key))
}

func printListJSON(cmd *cobra.Command, metadata []secrets.SecretMetadata) error {
	type entry struct {
		Key      string `json:"key"`
		Backend  string `json:"backend"`
		ReadOnly bool   `json:"read_only"`
	}
	entries := make([]entry, 0, len(metadata))
	for _, meta := range metadata {
		entries = append(entries, entry{Key: meta.Key, Backend: meta.Backend, ReadOnly: meta.ReadOnly})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}
