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

package shared

import (
	"os"

	"github.com/tombee/maestro/sdk"
)

// NewClient builds a daemon client. Precedence per setting is
// flag > environment > default, so --host can redirect a single
// invocation without clearing MAESTRO_HOST.
func NewClient() (*sdk.Client, error) {
	var opts []sdk.Option

	host := hostFlag
	if host == "" {
		host = os.Getenv(sdk.HostEnv)
	}
	if host != "" {
		opts = append(opts, sdk.WithBaseURL(host))
	}

	token := tokenFlag
	if token == "" {
		token = os.Getenv(sdk.TokenEnv)
	}
	if token != "" {
		opts = append(opts, sdk.WithToken(token))
	}

	return sdk.New(opts...)
}
