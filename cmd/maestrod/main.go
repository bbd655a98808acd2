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

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tombee/maestro/internal/daemon"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to config file (default: ~/.config/maestro/config.yaml)")
		addr        = flag.String("addr", "", "Listen address (host:port)")
		storeType   = flag.String("store", "", "Checkpoint store backend (memory, sqlite)")
		storePath   = flag.String("store-path", "", "SQLite database path")
		dataDir     = flag.String("data-dir", "", "Data directory")
		mcp         = flag.Bool("mcp", false, "Additionally serve engine operations over stdio MCP")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("maestrod %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	err := daemon.Run(daemon.RunOptions{
		Version:    version,
		Commit:     commit,
		BuildDate:  buildDate,
		ConfigPath: *configPath,
		Addr:       *addr,
		StoreType:  *storeType,
		StorePath:  *storePath,
		DataDir:    *dataDir,
		MCP:        *mcp,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
