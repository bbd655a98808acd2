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

import "testing"

func TestHasScope(t *testing.T) {
	tests := []struct {
		name     string
		scopes   []string
		required string
		want     bool
	}{
		{
			name:     "empty scopes grant everything",
			scopes:   nil,
			required: ScopeRunsWrite,
			want:     true,
		},
		{
			name:     "admin grants everything",
			scopes:   []string{ScopeAdmin},
			required: ScopeRunsWrite,
			want:     true,
		},
		{
			name:     "exact match",
			scopes:   []string{ScopeRunsRead},
			required: ScopeRunsRead,
			want:     true,
		},
		{
			name:     "read does not grant write",
			scopes:   []string{ScopeRunsRead},
			required: ScopeRunsWrite,
			want:     false,
		},
		{
			name:     "wildcard suffix",
			scopes:   []string{"runs:*"},
			required: ScopeRunsRead,
			want:     true,
		},
		{
			name:     "wildcard does not cross prefixes",
			scopes:   []string{"runs:*"},
			required: ScopeAdmin,
			want:     false,
		},
		{
			name:     "one of several scopes matches",
			scopes:   []string{"other:thing", ScopeRunsWrite},
			required: ScopeRunsWrite,
			want:     true,
		},
		{
			name:     "no match",
			scopes:   []string{"other:thing"},
			required: ScopeRunsRead,
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasScope(tt.scopes, tt.required); got != tt.want {
				t.Errorf("HasScope(%v, %q) = %v, want %v", tt.scopes, tt.required, got, tt.want)
			}
		})
	}
}
