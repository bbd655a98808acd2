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

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const (
	// EnvBackendPriority is the priority for the environment variable
	// backend. Highest, so environment overrides always win.
	EnvBackendPriority = 100

	// envSecretPrefix is the prefix for maestro secret environment variables.
	envSecretPrefix = "MAESTRO_SECRET_"
)

// EnvBackend provides read-only access to secrets via environment
// variables. A key resolves through two names:
//  1. MAESTRO_SECRET_<KEY> (key uppercased, "/" and "-" become "_")
//  2. the key itself, when it already names an environment variable
//     (so refs like "MAESTRO_SIGNING_KEY" work without the prefix)
type EnvBackend struct{}

// NewEnvBackend creates a new environment variable backend.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{}
}

// Name returns the backend identifier.
func (e *EnvBackend) Name() string {
	return "env"
}

// Get retrieves a secret from environment variables.
func (e *EnvBackend) Get(ctx context.Context, key string) (string, error) {
	if value := os.Getenv(normalizeEnvKey(key)); value != "" {
		return value, nil
	}
	if isEnvVarName(key) {
		if value := os.Getenv(key); value != "" {
			return value, nil
		}
	}
	return "", fmt.Errorf("%w: environment variable not set", ErrSecretNotFound)
}

// Set returns ErrReadOnlyBackend as the environment backend is read-only.
func (e *EnvBackend) Set(ctx context.Context, key string, value string) error {
	return ErrReadOnlyBackend
}

// Delete returns ErrReadOnlyBackend as the environment backend is read-only.
func (e *EnvBackend) Delete(ctx context.Context, key string) error {
	return ErrReadOnlyBackend
}

// List returns all MAESTRO_SECRET_* keys present in the environment.
func (e *EnvBackend) List(ctx context.Context) ([]string, error) {
	var keys []string
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, envSecretPrefix) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 && parts[1] != "" {
			keys = append(keys, strings.ToLower(strings.TrimPrefix(parts[0], envSecretPrefix)))
		}
	}
	return keys, nil
}

// Available returns true as environment variables are always available.
func (e *EnvBackend) Available() bool {
	return true
}

// Priority returns the backend priority (highest).
func (e *EnvBackend) Priority() int {
	return EnvBackendPriority
}

// ReadOnly returns true as the environment backend is read-only.
func (e *EnvBackend) ReadOnly() bool {
	return true
}

// normalizeEnvKey converts a secret key to its environment variable
// name. Example: "agents/anthropic/api-key" ->
// "MAESTRO_SECRET_AGENTS_ANTHROPIC_API_KEY".
func normalizeEnvKey(key string) string {
	normalized := strings.NewReplacer("/", "_", "-", "_").Replace(key)
	return envSecretPrefix + strings.ToUpper(normalized)
}

// isEnvVarName reports whether key already looks like an environment
// variable name (uppercase letters, digits, underscores).
func isEnvVarName(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}
