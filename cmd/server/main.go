/*
main.go - Application entry point

PURPOSE:
  Starts the contract ledger node: the HTTP API, the reconciliation engine
  and the periodic ledger poll. Handles configuration, dependency injection,
  and graceful shutdown.

COMMANDS:
  serve      Run the HTTP server (and the poll scheduler when enabled)
  reconcile  Poll the ledger once, print the report and exit

STARTUP SEQUENCE (serve):
  1. Load YAML config, apply flag overrides
  2. Build logger and metrics
  3. Initialize SQLite store
  4. Wire ledger, engine, sender, drafts
  5. Configure HTTP router
  6. Start server and scheduler with graceful shutdown

GLOBAL FLAGS:
  --config   YAML config file (optional; defaults apply without it)
  --port     HTTP server port
  --db       SQLite database path (":memory:" for in-memory)
  --party    This MSP's ledger identity
  --log-level

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight poll)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server serve --config ./config.yaml
  ./server serve --db=":memory:" --party msp-a
  ./server reconcile --config ./config.yaml

SEE ALSO:
  - config/config.go: Configuration file
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
