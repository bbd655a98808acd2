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

import "strings"

// Scopes recognized by the daemon API.
const (
	// ScopeRunsRead allows reading runs and their event streams.
	ScopeRunsRead = "runs:read"

	// ScopeRunsWrite allows submitting, signalling, and cancelling runs.
	ScopeRunsWrite = "runs:write"

	// ScopeAdmin allows everything, including purging run history.
	ScopeAdmin = "admin"
)

// HasScope checks whether a token's scopes allow an operation.
//
// Matching rules:
//   - Empty token scopes: full access (admin tokens minted without
//     restriction)
//   - The admin scope: full access
//   - Exact match: scope "runs:read" matches requirement "runs:read"
//   - Wildcard suffix: scope "runs:*" matches "runs:read", "runs:write"
func HasScope(tokenScopes []string, required string) bool {
	if len(tokenScopes) == 0 {
		return true
	}

	for _, scope := range tokenScopes {
		if scope == ScopeAdmin {
			return true
		}
		if matchesScopePattern(scope, required) {
			return true
		}
	}

	return false
}

// matchesScopePattern checks if a single scope pattern matches a
// required scope.
func matchesScopePattern(pattern, name string) bool {
	if pattern == name {
		return true
	}

	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(name, prefix)
	}

	return false
}
