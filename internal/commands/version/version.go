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

package version

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/maestro/internal/commands/shared"
)

// daemonProbeTimeout bounds the best-effort daemon version lookup so an
// absent daemon never stalls the command.
const daemonProbeTimeout = 500 * time.Millisecond

// VersionInfo contains version metadata
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`

	// Daemon is the running maestrod's version, when one answered.
	Daemon string `json:"daemon,omitempty"`
}

// NewCommand creates the version command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long: `Display version, commit hash, and build date for maestro, plus the
daemon's version when one is reachable.`,
		RunE: runVersion,
	}

	return cmd
}

func runVersion(cmd *cobra.Command, args []string) error {
	v, c, b := shared.GetVersion()

	info := VersionInfo{
		Version:   v,
		Commit:    c,
		BuildDate: b,
		Daemon:    daemonVersion(cmd.Context()),
	}

	if shared.GetJSON() {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal version info: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Printf("maestro version %s\n", info.Version)
	cmd.Printf("  commit:     %s\n", info.Commit)
	cmd.Printf("  build date: %s\n", info.BuildDate)
	if info.Daemon != "" {
		cmd.Printf("  daemon:     %s\n", info.Daemon)
	}

	return nil
}

// daemonVersion asks maestrod for its version. Best effort: any
// failure just leaves the field empty.
func daemonVersion(ctx context.Context) string {
	client, err := shared.NewClient()
	if err != nil {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, daemonProbeTimeout)
	defer cancel()

	resp, err := client.Version(ctx)
	if err != nil {
		return ""
	}
	return resp.Version
}
